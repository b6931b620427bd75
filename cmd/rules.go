package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"wafproxy/pkg/waf"
)

var verbose bool

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Work with rule sets",
}

var rulesCheckCmd = &cobra.Command{
	Use:   "check <rule_set>...",
	Short: "Load the rule sets and report errors",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRulesCheck,
}

func init() {
	rulesCheckCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "List every rule.")
	rulesCmd.AddCommand(rulesCheckCmd)
}

func runRulesCheck(cmd *cobra.Command, args []string) error {
	engine := waf.NewEngine()
	files, err := engine.LoadGlobs(args)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if verbose {
		for _, r := range engine.Rules() {
			fmt.Fprintf(out, "%v\t%v:%v\tphase %v\t%v\n", r.ID, r.File, r.Line, r.Phase, r.Msg)
		}
	}
	fmt.Fprintf(out, "%d rules in %d files, rule engine %v\n", len(engine.Rules()), len(files), engine.Mode())
	return nil
}
