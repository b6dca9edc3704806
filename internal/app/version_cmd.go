package app

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

type versionPayload struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

func newVersionCmd(st *cliState) *cobra.Command {
	var longOutput, jsonOutput bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			payload := versionPayload{
				Version:   strings.TrimSpace(version),
				Commit:    strings.TrimSpace(commit),
				BuildDate: strings.TrimSpace(buildDate),
			}
			switch {
			case jsonOutput:
				return json.NewEncoder(st.stdout).Encode(payload)
			case longOutput:
				fmt.Fprintf(st.stdout, "%s (commit=%s, build_date=%s)\n", payload.Version, payload.Commit, payload.BuildDate)
			default:
				fmt.Fprintln(st.stdout, payload.Version)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&longOutput, "long", false, "include commit and build date")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print as JSON")
	return cmd
}
