// Command keygate-cli is the key-gateway command line tool.
package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	keygateway "github.com/nimbus-labs/key-gateway"
	"github.com/nimbus-labs/key-gateway/internal/gatewayurl"
	"github.com/nimbus-labs/key-gateway/internal/version"
)

func main() {
	root := &cobra.Command{
		Use:           "keygate-cli",
		Short:         "key-gateway command line tool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(validateCmd(), resolveCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config-file>",
		Short: "Validate a gateway configuration file (JSON/YAML)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := keygateway.LoadConfig(args[0])
			if err != nil {
				return err
			}
			if err := keygateway.ValidateConfig(*cfg); err != nil {
				return err
			}

			models := make([]string, 0, len(cfg.Catalog.Models))
			for m := range cfg.Catalog.Models {
				models = append(models, m)
			}
			sort.Strings(models)

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Config is valid")
			fmt.Fprintf(out, "  Listen:      %s\n", cfg.Server.Addr())
			fmt.Fprintf(out, "  Upstream:    %s\n", gatewayurl.Resolve(cfg.GatewayDirective))
			fmt.Fprintf(out, "  Credentials: %d\n", len(cfg.Credentials))
			fmt.Fprintf(out, "  Models:      %d\n", len(models))
			for _, m := range models {
				mc := cfg.Catalog.Models[m]
				if mc.DailyPerKey != nil {
					fmt.Fprintf(out, "    %s (%s, %d/day per key)\n", m, mc.Category, *mc.DailyPerKey)
				} else {
					fmt.Fprintf(out, "    %s (%s, unlimited)\n", m, mc.Category)
				}
			}
			return nil
		},
	}
}

func resolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve [directive]",
		Short: "Print the upstream base URL a gateway directive resolves to",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			directive := ""
			if len(args) == 1 {
				directive = args[0]
			}
			fmt.Fprintln(cmd.OutOrStdout(), gatewayurl.Resolve(directive))
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "keygate-cli %s\n", version.String())
		},
	}
}
