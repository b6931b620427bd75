package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"wafproxy/internal/config"
)

var (
	debug bool
	cfg   = config.Default()
)

var rootCmd = &cobra.Command{
	Use:               "wafproxy",
	Short:             "Run a web application firewall in front of an HTTP server",
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setupLogger,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		zap.L().Sync()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogger(cmd *cobra.Command, args []string) error {
	var (
		logger *zap.Logger
		err    error
	)
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return nil
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Log at debug level in a human readable format.")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(shipCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(certCmd)
	rootCmd.AddCommand(versionCmd)
}

// addShipFlags binds the security log and shipper settings shared by serve
// and ship.
func addShipFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&cfg.LogDir, "log-dir", cfg.LogDir, "Directory of the security log. Empty disables it.")
	f.DurationVar(&cfg.ShipInterval, "ship-interval", cfg.ShipInterval, "How often the security log is shipped.")
	f.StringVar(&cfg.BackupDir, "backup-dir", cfg.BackupDir, "Directory receiving zipped security logs.")
	f.StringVar(&cfg.Descriptions, "descriptions", "", "File of prefix|type lines naming attack types by rule file.")
	f.StringVar(&cfg.Mongo.URI, "mongo-uri", "", "MongoDB URI entries are indexed into.")
	f.StringVar(&cfg.Mongo.Database, "mongo-database", cfg.Mongo.Database, "MongoDB database.")
	f.StringVar(&cfg.Mongo.Collection, "mongo-collection", cfg.Mongo.Collection, "MongoDB collection.")
	f.StringVar(&cfg.Minio.Endpoint, "minio-endpoint", "", "MinIO endpoint archives are uploaded to.")
	f.StringVar(&cfg.Minio.AccessKey, "minio-access-key", "", "MinIO access key.")
	f.StringVar(&cfg.Minio.SecretKey, "minio-secret-key", "", "MinIO secret key.")
	f.StringVar(&cfg.Minio.Bucket, "minio-bucket", "", "MinIO bucket, which must exist.")
	f.BoolVar(&cfg.Minio.SSL, "minio-ssl", false, "Talk to MinIO over TLS.")
}
