package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"jarvis/internal/config"
	"jarvis/internal/logging"
)

var (
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "jarvis",
	Short: "Broker-coordinated agent fleet",
	Long: `jarvis runs a fleet of independent agents that talk only through a
message broker. The orchestrator tracks which agents are alive and turns
named workflows into task requests for specific agents.

The broker is selected by URL scheme: redis:// (default) or amqp://.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			c.Logging.Level = logLevel
		}
		cfg = c
		logger = logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
		slog.SetDefault(logger)
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./jarvis.yaml or /etc/jarvis/jarvis.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level")

	rootCmd.AddCommand(orchestratorCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(fleetCmd)
	rootCmd.AddCommand(dispatchCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(memoryCmd)
	rootCmd.AddCommand(configCmd)
}
