package cmd

import (
	"net/url"

	"github.com/spf13/cobra"

	"github.com/nimbus-baas/nimbus-stack/cli/pkg/output"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults, config file, NIMBUS_* environment
variables and command-line overrides have been applied. Secrets are omitted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		shown := *cfg
		if u, err := url.Parse(shown.Broker.URL); err == nil {
			shown.Broker.URL = u.Redacted()
		}
		// Always YAML: the yaml tags are what keep tokens out.
		return output.YAML(cmd.OutOrStdout(), shown)
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
