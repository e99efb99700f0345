package cmd

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marketsync/marketsync/internal/config"
	"github.com/marketsync/marketsync/internal/core"
	"github.com/marketsync/marketsync/internal/core/engine"
	"github.com/marketsync/marketsync/internal/core/store"
	apperrors "github.com/marketsync/marketsync/internal/errors"
	"github.com/marketsync/marketsync/internal/marketplace"
	"github.com/marketsync/marketsync/internal/observability"
)

const finalFlushTimeout = 5 * time.Second

// app bundles the runtime a command needs: config, the store, one
// requester and a tracker whose snapshots are flushed into the store.
type app struct {
	cfg       *config.Config
	backend   store.Backend
	requester *marketplace.Requester
	tracker   *engine.LearningTracker
	flusher   *engine.Flusher
	logger    *logging.Logger
	runID     string

	stopFlush context.CancelFunc
	flushDone chan struct{}
	closed    bool
}

// appOptions selects which parts of the runtime to build.
type appOptions struct {
	overrides []map[string]any
	noStore   bool
	logger    *logging.Logger
}

func newApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := config.Load(ctx, opts.overrides...)
	if err != nil {
		return nil, apperrors.WrapConfigInvalid(ctx, err, "failed to load configuration")
	}

	logger := opts.logger
	if logger == nil {
		logger = observability.CLILogger
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		runID:   uuid.NewString(),
		tracker: engine.NewLearningTracker(cfg.Tracker.FlushInterval),
	}

	if !opts.noStore {
		backend, err := store.OpenBackend(ctx, cfg.Store)
		if err != nil {
			return nil, apperrors.WrapDatabaseError(ctx, err, "failed to open store")
		}
		a.backend = backend
	}

	requester, err := marketplace.NewRequester(requesterConfig(cfg, a.tracker, logger))
	if err != nil {
		a.closeBackend()
		return nil, apperrors.WrapConfigInvalid(ctx, err, "invalid marketplace configuration")
	}
	a.requester = requester

	a.flusher = &engine.Flusher{
		Tracker:  a.tracker,
		RunID:    a.runID,
		Interval: cfg.Tracker.FlushInterval,
		Logger:   logger,
	}
	if a.backend != nil {
		a.flusher.Sink = a.backend
	}
	return a, nil
}

// requesterConfig maps config onto the requester. Every configured category
// shares the window and recovery count; the safety margin shrinks each cap.
func requesterConfig(cfg *config.Config, tracker engine.Tracker, logger *logging.Logger) marketplace.Config {
	limits := make(map[core.Category]engine.RateLimit, len(cfg.Rates.Categories))
	for name, max := range cfg.Rates.Categories {
		limit := engine.RateLimit{
			MaxPerWindow:   max,
			Window:         cfg.Rates.Window,
			RecoverAfterOK: cfg.Rates.RecoverAfterOK,
		}
		limits[core.Category(strings.ToLower(strings.TrimSpace(name)))] = limit.ApplySafetyMargin(cfg.Rates.SafetyMargin)
	}

	return marketplace.Config{
		BaseURL:        cfg.Marketplace.BaseURL,
		Token:          cfg.Marketplace.Token,
		UserAgent:      cfg.Marketplace.UserAgent,
		AcceptLanguage: cfg.Marketplace.AcceptLanguage,
		ProxyURL:       cfg.Marketplace.ProxyURL,

		ConnectTimeout: cfg.Timeouts.Connect,
		ReadTimeout:    cfg.Timeouts.Read,
		TotalTimeout:   cfg.Timeouts.Total,

		Limits: limits,
		Breaker: engine.BreakerConfig{
			FailThreshold: cfg.Breaker.FailThreshold,
			Cooldown:      cfg.Breaker.Cooldown,
		},
		PenaltyFactor:     cfg.Rates.PenaltyFactor,
		GlobalConcurrency: int64(cfg.Concurrency.Global),
		Backoff: engine.Backoff{
			Base:   cfg.Retry.Base,
			Max:    cfg.Retry.Max,
			Jitter: cfg.Retry.Jitter,
		},

		Tracker: tracker,
		Logger:  logger,
	}
}

// categories lists the configured rate categories in a stable order.
func (a *app) categories() []core.Category {
	out := make([]core.Category, 0, len(a.cfg.Rates.Categories))
	for name := range a.cfg.Rates.Categories {
		out = append(out, core.Category(strings.ToLower(strings.TrimSpace(name))))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (a *app) mutator() *marketplace.Mutator {
	return &marketplace.Mutator{
		Requester:     a.requester,
		FallbackPrice: a.cfg.Cycle.FallbackPrice,
		Currency:      a.cfg.Cycle.Currency,
		MaxAttempts:   a.cfg.Cycle.MutationMaxAttempts,
		Logger:        a.logger,
	}
}

func (a *app) orchestrator() *engine.CycleOrchestrator {
	o := &engine.CycleOrchestrator{
		Scanner: a.requester,
		Updater: a.mutator(),
		Config: engine.CycleConfig{
			SettleWait:          a.cfg.Cycle.SettleWait,
			Workers:             a.cfg.Cycle.Workers,
			ChunkSize:           a.cfg.Cycle.ChunkSize,
			AbortOnFirstFailure: a.cfg.Cycle.AbortOnFirstFailure,
		},
		Logger: a.logger,
	}
	if a.backend != nil {
		o.Reports = a.backend
	}
	return o
}

// startFlusher runs the tracker flusher until Close.
func (a *app) startFlusher(ctx context.Context) {
	if a.stopFlush != nil {
		return
	}
	flushCtx, cancel := context.WithCancel(ctx)
	a.stopFlush = cancel
	a.flushDone = make(chan struct{})
	go func() {
		defer close(a.flushDone)
		a.flusher.Run(flushCtx)
	}()
}

// Close stops the flusher, which performs a final forced flush, and then
// closes the store.
func (a *app) Close() error {
	if a == nil || a.closed {
		return nil
	}
	a.closed = true
	if a.stopFlush != nil {
		a.stopFlush()
		<-a.flushDone
		a.stopFlush = nil
	} else if a.flusher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
		if n := a.flusher.Flush(ctx, true); n > 0 {
			observability.Events(a.logger).Debug("tracker_flushed",
				zap.String("run_id", a.runID),
				zap.Int("snapshots", n))
		}
		cancel()
	}
	return a.closeBackend()
}

func (a *app) closeBackend() error {
	if a.backend == nil {
		return nil
	}
	err := a.backend.Close()
	a.backend = nil
	if err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}
