package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/weadless/internal/stream"
)

var encodersCmd = &cobra.Command{
	Use:   "encoders",
	Short: "List H.264 encoders in priority order",
	Long: `List the H.264 encoders the appsrc output can use, in the order they are
tried, and whether each is installed. The first installed one is selected.`,
	Example: `  # Table (default)
  weadless encoders

  # JSON
  weadless encoders --format json`,
	RunE: runEncoders,
}

var encodersFormat string

type encoderStatus struct {
	Factory   string `json:"factory"`
	Plugin    string `json:"plugin"`
	Hardware  bool   `json:"hardware"`
	Installed bool   `json:"installed"`
	Selected  bool   `json:"selected"`
}

func init() {
	rootCmd.AddCommand(encodersCmd)

	encodersCmd.Flags().StringVarP(&encodersFormat, "format", "f", "table", "output format (table or json)")
}

func runEncoders(cmd *cobra.Command, args []string) error {
	reg := stream.NewGstRegistry()
	selected, selErr := stream.SelectEncoder(reg)

	statuses := make([]encoderStatus, 0, len(stream.Encoders))
	for _, enc := range stream.Encoders {
		statuses = append(statuses, encoderStatus{
			Factory:   enc.Factory,
			Plugin:    enc.Plugin,
			Hardware:  enc.Hardware,
			Installed: reg.HasElement(enc.Factory),
			Selected:  selErr == nil && enc.Factory == selected.Factory,
		})
	}

	switch encodersFormat {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(statuses)
	case "table":
		printEncodersTable(statuses)
	default:
		return fmt.Errorf("unsupported format: %s (use 'table' or 'json')", encodersFormat)
	}

	if selErr != nil {
		return selErr
	}
	return nil
}

func printEncodersTable(statuses []encoderStatus) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "FACTORY\tPLUGIN\tTYPE\tINSTALLED")
	fmt.Fprintln(w, "-------\t------\t----\t---------")

	for _, s := range statuses {
		kind := "software"
		if s.Hardware {
			kind = "hardware"
		}
		installed := "No"
		if s.Installed {
			installed = "Yes"
		}
		if s.Selected {
			installed += " (selected)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Factory, s.Plugin, kind, installed)
	}
}
