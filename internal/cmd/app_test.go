package cmd

import (
	"context"
	"testing"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/require"

	"github.com/marketsync/marketsync/internal/config"
	"github.com/marketsync/marketsync/internal/core"
	"github.com/marketsync/marketsync/internal/core/engine"
)

// isolateConfig points XDG lookups at temp dirs so no user config leaks in.
func isolateConfig(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	config.SetConfigFile("")
	t.Cleanup(func() { config.SetConfigFile("") })
}

func TestRequesterConfig(t *testing.T) {
	cfg := &config.Config{
		Marketplace: config.MarketplaceConfig{BaseURL: "https://example.test", Token: "secret", UserAgent: "ua"},
		Timeouts:    config.TimeoutsConfig{Connect: time.Second, Read: 2 * time.Second, Total: 3 * time.Second},
		Rates: config.RatesConfig{
			Window:         5 * time.Second,
			PenaltyFactor:  0.25,
			RecoverAfterOK: 4,
			SafetyMargin:   0.5,
			Categories:     map[string]int{"Seller_Generic": 100, "buyback": 1},
		},
		Breaker:     config.BreakerConfig{FailThreshold: 3, Cooldown: time.Minute},
		Retry:       config.RetryConfig{Base: time.Second, Max: 4 * time.Second, Jitter: 0.1},
		Concurrency: config.ConcurrencyConfig{Global: 6},
	}
	tracker := engine.NewLearningTracker(time.Minute)

	got := requesterConfig(cfg, tracker, nil)

	require.Equal(t, "https://example.test", got.BaseURL)
	require.Equal(t, "secret", got.Token)
	require.Equal(t, 3*time.Second, got.TotalTimeout)
	require.Equal(t, map[core.Category]engine.RateLimit{
		core.CategorySellerGeneric: {MaxPerWindow: 50, Window: 5 * time.Second, RecoverAfterOK: 4},
		core.CategoryBuyback:       {MaxPerWindow: 1, Window: 5 * time.Second, RecoverAfterOK: 4},
	}, got.Limits)
	require.Equal(t, engine.BreakerConfig{FailThreshold: 3, Cooldown: time.Minute}, got.Breaker)
	require.Equal(t, 0.25, got.PenaltyFactor)
	require.Equal(t, int64(6), got.GlobalConcurrency)
	require.Equal(t, engine.Backoff{Base: time.Second, Max: 4 * time.Second, Jitter: 0.1}, got.Backoff)
	require.Same(t, tracker, got.Tracker)
}

func TestNewAppWithoutStore(t *testing.T) {
	isolateConfig(t)
	ctx := context.Background()

	a, err := newApp(ctx, appOptions{
		noStore: true,
		overrides: []map[string]any{{
			"cycle": map[string]any{"workers": 3, "settle_wait": "5s", "fallback_price": "99.00"},
		}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	require.Nil(t, a.backend)
	require.NotNil(t, a.requester)
	require.NotEmpty(t, a.runID)
	require.Equal(t, []core.Category{core.CategoryBuyback, core.CategorySellerGeneric, core.CategorySellerMutations}, a.categories())

	for _, category := range a.categories() {
		require.NotNil(t, a.requester.Breaker(category), "breaker for %s", category)
	}

	mutator := a.mutator()
	require.Equal(t, "99.00", mutator.FallbackPrice)
	require.Equal(t, "GBP", mutator.Currency)

	orchestrator := a.orchestrator()
	require.Equal(t, 3, orchestrator.Config.Workers)
	require.Equal(t, 5*time.Second, orchestrator.Config.SettleWait)
	require.Nil(t, orchestrator.Reports)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
}

func TestNewAppRejectsBadConfig(t *testing.T) {
	isolateConfig(t)

	_, err := newApp(context.Background(), appOptions{
		noStore:   true,
		overrides: []map[string]any{{"cycle": map[string]any{"workers": 0}}},
	})
	require.Error(t, err)
	require.Equal(t, foundry.ExitConfigInvalid, exitCodeFor(err))
}

func TestNewAppRejectsBadBaseURL(t *testing.T) {
	isolateConfig(t)

	_, err := newApp(context.Background(), appOptions{
		noStore:   true,
		overrides: []map[string]any{{"marketplace": map[string]any{"base_url": "not a url"}}},
	})
	require.Error(t, err)
	require.Equal(t, foundry.ExitConfigInvalid, exitCodeFor(err))
}
