package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mail-automation/config"
	"mail-automation/utils"
)

var (
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "mail-automation",
	Short: "Batch email automation with zipped attachments and a wall-clock scheduler",
	Long: `mail-automation sends one email per Pending record, attaching the record's
folder or file as a zip archive, and tracks each record's outcome.

Run "serve" for the HTTP API and scheduler, or use the admin commands to
enqueue records, run a batch synchronously, and inspect the transaction log.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("error loading configuration: %w", err)
		}
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}

		logger, err = utils.NewLogger(cfg.Logging.Level)
		if err != nil {
			return err
		}
		zap.ReplaceGlobals(logger)
		if !cfg.DotEnvLoaded {
			logger.Debug("no .env file found, reading configuration from the environment")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "optional YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd, migrateCmd, runCmd, addCmd, logsCmd, cleanupArchiveCmd, checkSMTPCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
