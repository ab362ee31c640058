// cmd/root.go
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "wscms",
	Short: "Facet-based multi-scale, multi-frequency deconvolution core",
}

// Execute runs the root command, exiting the process non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file overlaying the defaults")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(cacheCmd)
}
