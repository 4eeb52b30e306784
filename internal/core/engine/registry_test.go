package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oddsgate/oddsgate/internal/config"
)

func TestNormalizeDestination(t *testing.T) {
	cases := map[string]string{
		"api.sportsdata.io":                          "api.sportsdata.io",
		"API.SportsData.IO":                          "api.sportsdata.io",
		"  stats.nba.com  ":                          "stats.nba.com",
		"stats.nba.com:443":                          "stats.nba.com",
		"https://api.sportsdata.io/v3/nba/scores":    "api.sportsdata.io",
		"https://API.The-Odds-API.com:443/v4/sports": "api.the-odds-api.com",
		"site.api.espn.com/apis/site/v2":             "site.api.espn.com",
		"":                                           "",
	}
	for input, want := range cases {
		require.Equal(t, want, NormalizeDestination(input), "input %q", input)
	}
}

func TestRegistryReturnsSameInstanceForEquivalentDestinations(t *testing.T) {
	registry := NewRegistry(config.Default(), nil)

	byHost := registry.GetLimiter("api.sportsdata.io")
	byURL := registry.GetLimiter("https://api.sportsdata.io/v3/nba/scores?key=x")
	byCase := registry.GetLimiter("API.SPORTSDATA.IO")

	require.Same(t, byHost, byURL)
	require.Same(t, byHost, byCase)
}

func TestRegistryResolvesProviderTable(t *testing.T) {
	registry := NewRegistry(config.Default(), nil)

	nba := registry.GetLimiter("stats.nba.com")
	require.Equal(t, 20.0, nba.Config.RequestsPerMinute)
	require.Equal(t, 3, nba.Config.BurstSize)
	require.Equal(t, 600*time.Millisecond, nba.Config.MinRequestInterval)

	unknown := registry.GetLimiter("api.unknown-books.example")
	require.Equal(t, 30.0, unknown.Config.RequestsPerMinute)
	require.Equal(t, 5, unknown.Config.BurstSize)
}

func TestRegistryEnvOverride(t *testing.T) {
	t.Setenv("ODDSGATE_RATE_LIMIT_STATS_NBA_COM", "90")

	registry := NewRegistry(config.Default(), nil)
	limiter := registry.GetLimiter("stats.nba.com")
	require.Equal(t, 90.0, limiter.Config.RequestsPerMinute)
	// Non-rate parameters still come from the provider table.
	require.Equal(t, 3, limiter.Config.BurstSize)
}

func TestRegistryConcurrentLookupCreatesOneInstance(t *testing.T) {
	registry := NewRegistry(config.Default(), nil)

	var wg sync.WaitGroup
	limiters := make([]*Limiter, 16)
	for i := range limiters {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			limiters[slot] = registry.GetLimiter("api.the-odds-api.com")
		}(i)
	}
	wg.Wait()

	for _, limiter := range limiters {
		require.Same(t, limiters[0], limiter)
	}
}

func TestRegistryResetAll(t *testing.T) {
	registry := NewRegistry(config.Default(), nil)
	held := registry.GetLimiter("api.balldontlie.io")

	registry.ResetAll()

	// The held reference keeps operating.
	require.True(t, held.Acquire(context.Background(), 0))

	fresh := registry.GetLimiter("api.balldontlie.io")
	require.NotSame(t, held, fresh)
}

func TestRegistryLimitDelegates(t *testing.T) {
	registry := NewRegistry(config.Default(), nil)

	called := false
	err := registry.Limit(context.Background(), "api.sportsdata.io", func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, called)
}

func TestRegistryLimitCancelled(t *testing.T) {
	registry := NewRegistry(config.Default(), nil)
	limiter := registry.GetLimiter("api.sportsdata.io")
	for limiter.Acquire(context.Background(), 0) {
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := registry.Limit(ctx, "api.sportsdata.io", func(context.Context) error {
		t.Fatal("wrapped call must not run after cancellation")
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestRegistryStatsSorted(t *testing.T) {
	registry := NewRegistry(config.Default(), nil)
	registry.GetLimiter("stats.nba.com")
	registry.GetLimiter("api.balldontlie.io")

	stats := registry.Stats()
	require.Len(t, stats, 2)
	require.Equal(t, "api.balldontlie.io", stats[0].Destination)
	require.Equal(t, "stats.nba.com", stats[1].Destination)
}

func TestDefaultRegistryLifecycle(t *testing.T) {
	t.Cleanup(ResetDefaults)

	first := DefaultRegistry()
	require.Same(t, first, DefaultRegistry())
	require.Same(t, GetLimiter("stats.nba.com"), first.GetLimiter("stats.nba.com"))

	ResetDefaults()
	require.NotSame(t, first, DefaultRegistry())
}
