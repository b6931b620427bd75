package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"wafproxy/pkg/key"
)

var (
	certNames []string
	certOut   string
	keyOut    string
	certDays  int
	keyBits   int
)

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Generate a self-signed certificate for --ssl",
	Args:  cobra.NoArgs,
	RunE:  runCert,
}

func init() {
	f := certCmd.Flags()
	f.StringSliceVarP(&certNames, "name", "n", []string{"localhost", "127.0.0.1"}, "Host names and IPs the certificate is valid for.")
	f.StringVarP(&certOut, "cert", "c", "server.crt", "Where to write the certificate.")
	f.StringVarP(&keyOut, "key", "k", "server.key", "Where to write the private key.")
	f.IntVar(&certDays, "days", 365, "Validity in days.")
	f.IntVar(&keyBits, "bits", 2048, "RSA key size.")
}

func runCert(cmd *cobra.Command, args []string) error {
	pk, err := key.GeneratePK(keyBits)
	if err != nil {
		return err
	}
	cert, err := key.SelfSigned(certNames, pk, time.Duration(certDays)*24*time.Hour)
	if err != nil {
		return err
	}
	if err := pk.WriteFile(keyOut); err != nil {
		return err
	}
	if err := cert.WriteFile(certOut); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %v and %v for %v\n", certOut, keyOut, certNames)
	return nil
}
