package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/oddsgate/oddsgate/internal/client"
	"github.com/oddsgate/oddsgate/internal/core/engine"
	"github.com/oddsgate/oddsgate/internal/output"
)

var (
	probeCount  int
	probeOutput string
	probeOut    string
)

type probeResult struct {
	Attempt  int           `json:"attempt"`
	Status   int           `json:"status"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

type probeReport struct {
	URL      string                `json:"url"`
	Requests []probeResult         `json:"requests"`
	Limits   []engine.LimiterStats `json:"limits"`
	Retry    engine.RetryMetrics   `json:"retry"`
}

var probeCmd = &cobra.Command{
	Use:   "probe URL",
	Short: "Send throttled requests against a destination",
	Long: `Send a burst of GET requests through the rate limiting client and
report how they were paced: per-request status and latency, then the
limiter state and retry metrics the burst produced.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := output.ParseFormat(probeOutput)
		if err != nil {
			return err
		}
		if probeCount < 1 {
			return fmt.Errorf("--count must be at least 1")
		}

		url := args[0]
		cli := client.New(client.WithLogger(cliLogger))

		report := probeReport{URL: url}
		for i := 0; i < probeCount; i++ {
			start := time.Now()
			resp, err := cli.Get(cmd.Context(), url)
			result := probeResult{Attempt: i + 1, Duration: time.Since(start).Round(time.Millisecond)}
			if err != nil {
				result.Error = err.Error()
			} else {
				result.Status = resp.StatusCode
				_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
				resp.Body.Close() // nolint:errcheck // best-effort cleanup
			}
			report.Requests = append(report.Requests, result)

			if result.Error != "" && cmd.Context().Err() != nil {
				break
			}
		}

		report.Limits = engine.DefaultRegistry().Stats()
		report.Retry = engine.DefaultPolicy().Metrics()

		cliLogger.Debug("probe finished",
			zap.String("url", url),
			zap.Int("requests", len(report.Requests)),
		)

		sink, err := openSink(probeOut)
		if err != nil {
			return err
		}
		defer func() { _ = sink.close() }()

		if format == output.FormatJSON {
			payload, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(sink.writer, string(payload))
			return err
		}

		for _, r := range report.Requests {
			if r.Error != "" {
				fmt.Fprintf(sink.writer, "#%d error: %s (%s)\n", r.Attempt, r.Error, r.Duration)
				continue
			}
			fmt.Fprintf(sink.writer, "#%d status=%d (%s)\n", r.Attempt, r.Status, r.Duration)
		}
		fmt.Fprintln(sink.writer)
		fmt.Fprintln(sink.writer, output.LimitsTable(report.Limits))
		_, err = fmt.Fprintln(sink.writer, output.MetricsTable(report.Retry))
		return err
	},
}

func init() {
	rootCmd.AddCommand(probeCmd)

	probeCmd.Flags().IntVarP(&probeCount, "count", "n", 5, "number of requests to send")
	probeCmd.Flags().StringVar(&probeOutput, "output-format", string(output.FormatTable), "Output format: table|json")
	probeCmd.Flags().StringVar(&probeOut, "out", "", "Write output to a file (default stdout)")
}
