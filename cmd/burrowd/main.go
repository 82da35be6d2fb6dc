package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/brendanlong/clawed-burrow-sub001/pkg/log"
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "burrowd",
	Short: "burrowd runs coding assistant sessions in containers",
	Long: `burrowd manages containerized coding assistant sessions: each session
gets its own workspace and container, prompts run as supervised turns of
the assistant CLI, and every protocol message is persisted with a gapless
per-session sequence.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := log.Init(log.Config{Level: log.Level(logLevel), Format: log.Format(logFormat)}); err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default ~/.burrow/burrow.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "Log format: console, json")
}

func main() {
	defer log.Sync()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
