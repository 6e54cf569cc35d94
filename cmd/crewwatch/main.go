package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	rootCmd    = &cobra.Command{
		Use:   "crewwatch",
		Short: "crewwatch - Live progress monitor for multi-agent crew pipelines",
		Long: `crewwatch launches a multi-stage agent pipeline, follows its log file and
turns the raw output into a live stage timeline. Runs are recorded so they
can be listed, inspected and replayed later.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
