package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	cageName   string
	nodeName   string
	cageDir    string
	sharedDir  string
	configDir  string
	logLevel   string
	logFormat  string
	sweepEvery time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "roost",
		Short: "Roost - hot-loadable cage runtime",
		Long:  "A cage runtime hosting hot-loadable modules over pooled transactional resources",
	}

	rootCmd.PersistentFlags().StringVar(&cageName, "cage", "cage", "Cage name")
	rootCmd.PersistentFlags().StringVar(&nodeName, "node", hostname(), "Node name")
	rootCmd.PersistentFlags().StringVar(&cageDir, "cage-dir", ".", "Directory holding this cage's modules")
	rootCmd.PersistentFlags().StringVar(&sharedDir, "shared-dir", "", "Directory holding shared modules")
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", ".", "Directory holding config_resource_*.yaml files")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text, json)")
	rootCmd.PersistentFlags().DurationVar(&sweepEvery, "sweep-period", 10*time.Second, "Target period between sweeps of each pool")

	rootCmd.AddCommand(
		daemonCmd(),
		callCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "node"
	}
	return h
}
