package main

import (
	"path/filepath"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "config/app.yaml"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "beacon",
	Short: "Analytics agent that queues events locally and delivers them in batches",
	Long: `Beacon records analytics events into an encrypted local queue and
delivers them to their collectors in batches.

  - serve     Run the agent with its control API and drain schedule
  - record    Queue a single message event
  - flush     Send everything queued now
  - pending   Show the queue length
  - clear     Delete the queue
  - migrate   Apply or roll back the PostgreSQL schema`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to application configuration file (default: "+defaultConfigPath+")")
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}
