package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	output     string // text or json
}

func newRootCmd() *cobra.Command {
	g := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "ledger",
		Short: "Email-driven bookkeeping agent",
		Long: "ledger turns free-form bookkeeping requests into accounting actions. " +
			"Actions that change the books are held until a human replies CONFIRM or CANCEL.",
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if g.output != "text" && g.output != "json" {
				return fmt.Errorf("unknown output format %q (expected text or json)", g.output)
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "path to config file (default: auto-discover)")
	rootCmd.PersistentFlags().StringVarP(&g.output, "output", "o", "text", "output format: text or json")

	rootCmd.AddCommand(
		newServeCmd(g),
		newRunCmd(g),
		newResolveCmd(g),
		newSweepCmd(g),
		newPendingCmd(g),
		newHistoryCmd(g),
		newVersionCmd(g),
	)
	return rootCmd
}

// emit writes v as indented JSON when the output format is json, and
// otherwise calls text.
func (g *globalOptions) emit(w io.Writer, v any, text func(io.Writer) error) error {
	if g.output == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	return text(w)
}
