package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "maintenance",
	Short:   "Print the effective configuration as TOML",
	Long: `Print the configuration after merging defaults, the config file, the
environment and flags. Secrets are masked.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := cfg.WriteTOML(os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
