package output

import (
	"fmt"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/oddsgate/oddsgate/internal/core/engine"
)

// LimitsTable renders limiter snapshots as an ASCII table.
func LimitsTable(stats []engine.LimiterStats) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Destination", "RPM", "Burst", "Tokens", "Backoff", "429s", "Requests", "Waits"})

	for _, s := range stats {
		t.AppendRow(table.Row{
			s.Destination,
			formatRate(s.RequestsPerMinute),
			s.BurstSize,
			fmt.Sprintf("%.2f", s.Tokens),
			formatBackoff(s.CurrentBackoff),
			s.ConsecutiveRateLimits,
			s.TotalRequests,
			s.TotalWaits,
		})
	}

	if len(stats) == 0 {
		t.AppendRow(table.Row{"(no active limiters)", "", "", "", "", "", "", ""})
	}

	return t.Render()
}

// MetricsTable renders retry-policy metrics as an ASCII table, one row per
// destination.
func MetricsTable(m engine.RetryMetrics) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Destination", "429s", "Breaker", "Failures", "Trips"})

	destinations := make([]string, 0, len(m.RateLimited)+len(m.Breakers))
	seen := map[string]bool{}
	for dest := range m.RateLimited {
		if !seen[dest] {
			destinations = append(destinations, dest)
			seen[dest] = true
		}
	}
	for dest := range m.Breakers {
		if !seen[dest] {
			destinations = append(destinations, dest)
			seen[dest] = true
		}
	}
	sort.Strings(destinations)

	for _, dest := range destinations {
		breaker := m.Breakers[dest]
		t.AppendRow(table.Row{
			dest,
			m.RateLimited[dest],
			breakerLabel(breaker),
			breaker.ConsecutiveFailures,
			m.BreakerTrips[dest],
		})
	}

	if len(destinations) == 0 {
		t.AppendRow(table.Row{"(no recorded failures)", "", "", "", ""})
	}

	t.AppendFooter(table.Row{
		"retry-after respected/missing",
		fmt.Sprintf("%d/%d", m.RetryAfterRespected, m.RetryAfterMissing),
		"", "", "",
	})

	return t.Render()
}

func breakerLabel(b engine.BreakerStatus) string {
	if b.Open {
		return fmt.Sprintf("open since %s", b.OpenedAt.UTC().Format(time.RFC3339))
	}
	return "closed"
}

func formatRate(rpm float64) string {
	if rpm == float64(int64(rpm)) {
		return fmt.Sprintf("%d", int64(rpm))
	}
	return fmt.Sprintf("%.1f", rpm)
}

func formatBackoff(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.String()
}
