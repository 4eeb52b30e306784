package cmd

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/oddsgate/oddsgate/internal/config"
	"github.com/oddsgate/oddsgate/internal/core/engine"
	"github.com/oddsgate/oddsgate/internal/output"
)

var (
	limitsListOutput string
	limitsListOut    string
	limitsListPrefix string
)

var limitsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List effective rate limits per destination",
	Long: `List the effective rate limit configuration for every known
destination: the built-in provider table plus any destinations configured
under rate_limits in the config file or overridden via environment.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := output.ParseFormat(limitsListOutput)
		if err != nil {
			return err
		}

		registry := engine.DefaultRegistry()
		for _, host := range knownDestinations() {
			if limitsListPrefix != "" && !strings.HasPrefix(host, limitsListPrefix) {
				continue
			}
			registry.GetLimiter(host)
		}
		stats := registry.Stats()

		sink, err := openSink(limitsListOut)
		if err != nil {
			return err
		}
		defer func() { _ = sink.close() }()

		if format == output.FormatJSON {
			payload, err := json.MarshalIndent(stats, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(sink.writer, string(payload))
			return err
		}

		_, err = fmt.Fprintln(sink.writer, output.LimitsTable(stats))
		return err
	},
}

// knownDestinations merges the built-in provider table with hosts the
// operator configured explicitly, deduplicated and sorted.
func knownDestinations() []string {
	seen := make(map[string]struct{})
	for _, host := range config.ProviderHosts() {
		seen[engine.NormalizeDestination(host)] = struct{}{}
	}
	for host := range config.Get().RateLimits {
		seen[engine.NormalizeDestination(host)] = struct{}{}
	}

	hosts := make([]string, 0, len(seen))
	for host := range seen {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	return hosts
}

func init() {
	limitsListCmd.Flags().StringVar(&limitsListOutput, "output-format", string(output.FormatTable), "Output format: table|json")
	limitsListCmd.Flags().StringVar(&limitsListOut, "out", "", "Write output to a file (default stdout)")
	limitsListCmd.Flags().StringVar(&limitsListPrefix, "prefix", "", "List destinations with matching prefix")
}
