package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bvarner/pi-short-circuit/internal/app"
	"github.com/bvarner/pi-short-circuit/internal/config"
	"github.com/bvarner/pi-short-circuit/internal/logging"
)

var (
	cfgFile   string
	logLevel  string
	appHandle *app.App
	closeLog  = func() error { return nil }
)

var rootCmd = &cobra.Command{
	Use:           "short-circuit-test",
	Short:         "Run battery short circuit tests on the Pi stand",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appHandle != nil {
			return nil
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}

		logger, closer, err := logging.NewLogger(cfg.Logging)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		closeLog = closer
		appHandle = app.NewApp(cfg, logger)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return closeLog()
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		closeLog()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level defined in config")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(versionCmd)
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized; PersistentPreRunE not executed")
	}
	return appHandle
}
