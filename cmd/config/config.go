// Package config provides the config command for FetalScan
package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fetalscan/fetalscan/internal/conf"
)

// Command creates the config command.
func Command(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long:  "Print the configuration after defaults, config file and environment are merged. Secrets are masked.",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := conf.Dump(settings)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if source := conf.ConfigFileUsed(); source != "" {
				fmt.Fprintf(out, "# loaded from %s\n", source)
			}
			fmt.Fprint(out, string(data))
			return nil
		},
	}
}
