package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/oddsgate/oddsgate/internal/core/engine"
	"github.com/oddsgate/oddsgate/internal/output"
)

var (
	limitsResetOutput string
	limitsResetOut    string
)

var limitsResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset limiter state and retry metrics",
	Long: `Discard all limiter state (tokens, backoff, counters) and retry
policy state (breakers, metrics) held by this process. Destinations are
re-created on next use with fresh configuration.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := output.ParseFormat(limitsResetOutput)
		if err != nil {
			return err
		}

		matched := len(engine.DefaultRegistry().Stats())
		engine.ResetDefaults()

		sink, err := openSink(limitsResetOut)
		if err != nil {
			return err
		}
		defer func() { _ = sink.close() }()

		return writeLimitsResetResult(format, sink.writer, matched)
	},
}

func writeLimitsResetResult(format output.Format, w io.Writer, matched int) error {
	if format == output.FormatJSON {
		payload, err := json.MarshalIndent(map[string]any{"reset": matched}, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(payload))
		return err
	}

	_, err := fmt.Fprintf(w, "Reset %d limiter(s)\n", matched)
	return err
}

func init() {
	limitsResetCmd.Flags().StringVar(&limitsResetOutput, "output-format", string(output.FormatTable), "Output format: table|json")
	limitsResetCmd.Flags().StringVar(&limitsResetOut, "out", "", "Write output to a file (default stdout)")
}
