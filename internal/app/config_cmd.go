package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nuetzliches/workq/internal/secrets"
)

func newConfigCmd(st *cliState) *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect the effective configuration"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "validate",
			Short: "Load and validate the config without touching the store",
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				cfg, err := st.load()
				if err != nil {
					return err
				}
				fmt.Fprintf(st.stdout, "ok: queue %s on %s\n", cfg.Queue, cfg.Backend)
				return nil
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the config after defaults and environment overrides",
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				cfg, err := st.load()
				if err != nil {
					return err
				}
				return st.printJSON(redactConfig(cfg))
			},
		},
	)
	return cmd
}

// redactConfig hides inline connection strings; secret references are
// printed as written.
func redactConfig(cfg Config) Config {
	if cfg.DSN != "" && !secrets.IsRef(cfg.DSN) && cfg.Backend != backendSQLite && cfg.Backend != backendPebble {
		cfg.DSN = "<redacted>"
	}
	if len(cfg.Tracing.Headers) > 0 {
		h := make(map[string]string, len(cfg.Tracing.Headers))
		for k := range cfg.Tracing.Headers {
			h[k] = "<redacted>"
		}
		cfg.Tracing.Headers = h
	}
	return cfg
}
