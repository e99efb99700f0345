package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marketsync/marketsync/internal/core"
	"github.com/marketsync/marketsync/internal/metrics"
	"github.com/marketsync/marketsync/internal/observability"
)

// DefaultSettleWait gives upstream reads time to converge after activation.
const DefaultSettleWait = 120 * time.Second

// Stage names used in durations, logs, and metrics.
const (
	StageBaseline   = "baseline"
	StageActivate   = "activate"
	StageSettle     = "settle"
	StagePricing    = "pricing"
	StageDeactivate = "deactivate"
	StageRescan     = "rescan"
	StageTotal      = "total"
)

const (
	interruptedRollbackTimeout = 2 * time.Minute
	reportPersistTimeout       = 30 * time.Second
)

// ListingScanner reads the full listing index.
type ListingScanner interface {
	SnapshotIndex(ctx context.Context) (core.ListingIndex, error)
}

// Pricer runs between activation and deactivation.
type Pricer interface {
	Price(ctx context.Context, runID string, activated []core.ActivationItem) error
}

// ReportSink persists cycle reports, including runs that ended early.
type ReportSink interface {
	SaveCycleReport(ctx context.Context, report core.CycleReport) error
}

// CycleConfig tunes one activation cycle.
type CycleConfig struct {
	SettleWait          time.Duration
	Workers             int
	ChunkSize           int
	AbortOnFirstFailure bool
}

// CycleOrchestrator runs baseline, activate, settle, pricing, deactivate,
// rescan, and reconcile in strict sequence.
type CycleOrchestrator struct {
	Scanner ListingScanner
	Updater QuantityUpdater
	Pricer  Pricer
	Reports ReportSink
	Config  CycleConfig
	Logger  *logging.Logger

	Clock func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Run executes a cycle over items. Per-item failures land in the report; an
// error is returned only when a scan fails or ctx ends. Every run that gets
// past validation is persisted, failed ones with Details.Interrupted set.
func (o *CycleOrchestrator) Run(ctx context.Context, runID string, items []core.ActivationItem) (report core.CycleReport, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if o.Scanner == nil || o.Updater == nil {
		return core.CycleReport{}, fmt.Errorf("cycle orchestrator requires a scanner and an updater")
	}
	if strings.TrimSpace(runID) == "" {
		runID = uuid.NewString()
	}

	log := observability.Events(o.Logger)
	started := o.now()
	report = core.CycleReport{
		RunID:     runID,
		StartedAt: started,
		Anomalies: map[string][]string{},
		Durations: map[string]time.Duration{},
	}
	defer func() {
		report.Durations[StageTotal] = o.now().Sub(started)
		if err != nil {
			report.Details.Interrupted = err.Error()
		}
		o.persist(ctx, report)
	}()

	// BASELINE
	log.Info("cycle_baseline_start", zap.String("run_id", runID))
	stageStart := o.now()
	baseline, err := o.Scanner.SnapshotIndex(ctx)
	o.finishStage(&report, StageBaseline, stageStart)
	if err != nil {
		return report, fmt.Errorf("baseline scan: %w", err)
	}
	initialActive := baseline.ActiveIDs()
	report.BaselineCount = len(baseline)
	report.Details.InitialActiveCount = len(initialActive)
	log.Info("cycle_baseline_done",
		zap.String("run_id", runID),
		zap.Int("listings", len(baseline)),
		zap.Int("active", len(initialActive)))

	// SELECT
	selected := selectInactive(baseline, items)
	report.Details.ActivatedIDs = itemIDs(selected)

	// ACTIVATE
	journal := NewActivationJournal()
	bulkOpts := BulkOptions{Workers: o.Config.Workers, ChunkSize: o.Config.ChunkSize, Logger: o.Logger}
	log.Info("cycle_activate_start", zap.String("run_id", runID), zap.Int("selected", len(selected)))
	stageStart = o.now()
	bulkOpts.Phase = StageActivate
	activation, err := BulkUpdate(ctx, o.Updater, runID, selected, 1, bulkOpts)
	o.finishStage(&report, StageActivate, stageStart)
	for i, result := range activation.Results {
		if result.OK {
			journal.Record(selected[i])
		}
	}
	report.ActivatedCount = activation.Succeeded
	report.Details.ActivationFailures = activation.Failed
	log.Info("cycle_activate_done",
		zap.String("run_id", runID),
		zap.Int("succeeded", activation.Succeeded),
		zap.Int("failed", activation.Failed))
	if err != nil {
		o.rollbackInterrupted(ctx, runID, journal, bulkOpts, &report)
		return report, err
	}

	if o.Config.AbortOnFirstFailure && activation.Failed > 0 {
		report.Aborted = true
		log.Warn("cycle_aborted",
			zap.String("run_id", runID),
			zap.Int("activation_failures", activation.Failed),
			zap.Int("rolling_back", journal.Len()))
		stageStart = o.now()
		bulkOpts.Phase = "rollback"
		rollback, err := journal.Rollback(ctx, o.Updater, runID, bulkOpts, o.Logger)
		o.finishStage(&report, StageDeactivate, stageStart)
		report.DeactivatedCount = rollback.Succeeded
		report.Details.DeactivationFailures = rollback.Failed
		return report, err
	}

	// SETTLE_WAIT
	settle := o.Config.SettleWait
	if settle < 0 {
		settle = 0
	}
	log.Info("cycle_settle_wait", zap.String("run_id", runID), zap.Duration("wait", settle))
	stageStart = o.now()
	if settle > 0 {
		if err := o.sleep(ctx, settle); err != nil {
			o.finishStage(&report, StageSettle, stageStart)
			o.rollbackInterrupted(ctx, runID, journal, bulkOpts, &report)
			return report, err
		}
	}
	o.finishStage(&report, StageSettle, stageStart)

	// PRICING
	if o.Pricer != nil {
		log.Info("pricing_phase_start", zap.String("run_id", runID))
		stageStart = o.now()
		if err := o.Pricer.Price(ctx, runID, selected); err != nil {
			log.Warn("pricing_phase_failed", zap.String("run_id", runID), zap.Error(err))
		}
		o.finishStage(&report, StagePricing, stageStart)
		log.Info("pricing_phase_done", zap.String("run_id", runID))
	}

	// DEACTIVATE
	log.Info("cycle_deactivate_start", zap.String("run_id", runID), zap.Int("selected", len(selected)))
	stageStart = o.now()
	bulkOpts.Phase = StageDeactivate
	deactivation, err := BulkUpdate(ctx, o.Updater, runID, selected, 0, bulkOpts)
	o.finishStage(&report, StageDeactivate, stageStart)
	report.DeactivatedCount = deactivation.Succeeded
	report.Details.DeactivationFailures = deactivation.Failed
	log.Info("cycle_deactivate_done",
		zap.String("run_id", runID),
		zap.Int("succeeded", deactivation.Succeeded),
		zap.Int("failed", deactivation.Failed))
	if err != nil {
		return report, err
	}

	// RESCAN
	log.Info("cycle_rescan_start", zap.String("run_id", runID))
	stageStart = o.now()
	final, err := o.Scanner.SnapshotIndex(ctx)
	o.finishStage(&report, StageRescan, stageStart)
	if err != nil {
		return report, fmt.Errorf("rescan: %w", err)
	}
	finalActive := final.ActiveIDs()
	report.Details.FinalActiveCount = len(finalActive)
	log.Info("cycle_rescan_done", zap.String("run_id", runID), zap.Int("active", len(finalActive)))

	// RECONCILE
	report.Anomalies = Reconcile(report.Details.ActivatedIDs, initialActive, finalActive)
	report.ReconcileOK = len(report.Anomalies[core.AnomalyActivatedStillActive]) == 0 &&
		len(report.Anomalies[core.AnomalyInitialActiveBecameInactive]) == 0

	metrics.RecordCycleResult(report.ReconcileOK, report.Anomalies)
	log.Info("cycle_reconcile_done",
		zap.String("run_id", runID),
		zap.Bool("reconcile_ok", report.ReconcileOK),
		zap.Int(core.AnomalyActivatedStillActive, len(report.Anomalies[core.AnomalyActivatedStillActive])),
		zap.Int(core.AnomalyInitialActiveBecameInactive, len(report.Anomalies[core.AnomalyInitialActiveBecameInactive])))

	return report, nil
}

// Reconcile reports activated ids that are still active and ids that were
// active at baseline but no longer are. Both lists are sorted.
func Reconcile(activatedIDs []string, initialActive, finalActive map[string]struct{}) map[string][]string {
	stillActive := make([]string, 0)
	for _, id := range activatedIDs {
		if _, ok := finalActive[id]; ok {
			stillActive = append(stillActive, id)
		}
	}
	becameInactive := make([]string, 0)
	for id := range initialActive {
		if _, ok := finalActive[id]; !ok {
			becameInactive = append(becameInactive, id)
		}
	}
	sort.Strings(stillActive)
	sort.Strings(becameInactive)
	return map[string][]string{
		core.AnomalyActivatedStillActive:        stillActive,
		core.AnomalyInitialActiveBecameInactive: becameInactive,
	}
}

// selectInactive keeps items whose baseline quantity is absent or not
// positive. Duplicate and blank ids are dropped; the result is sorted by id.
func selectInactive(baseline core.ListingIndex, items []core.ActivationItem) []core.ActivationItem {
	seen := make(map[string]struct{}, len(items))
	selected := make([]core.ActivationItem, 0, len(items))
	for _, item := range items {
		id := strings.TrimSpace(item.ListingID)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if entry, ok := baseline[id]; ok && entry.Quantity > 0 {
			continue
		}
		item.ListingID = id
		selected = append(selected, item)
	}
	sort.Slice(selected, func(a, b int) bool { return selected[a].ListingID < selected[b].ListingID })
	return selected
}

func itemIDs(items []core.ActivationItem) []string {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ListingID)
	}
	return ids
}

// rollbackInterrupted reverts recorded activations after ctx ended, using a
// detached context so the reverts can still reach upstream.
func (o *CycleOrchestrator) rollbackInterrupted(ctx context.Context, runID string, journal *ActivationJournal, opts BulkOptions, report *core.CycleReport) {
	if journal.Len() == 0 {
		return
	}
	observability.Events(o.Logger).Warn("cycle_interrupted_rollback",
		zap.String("run_id", runID),
		zap.Int("count", journal.Len()))
	rollbackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), interruptedRollbackTimeout)
	defer cancel()
	opts.Phase = "rollback"
	rollback, _ := journal.Rollback(rollbackCtx, o.Updater, runID, opts, o.Logger)
	report.DeactivatedCount = rollback.Succeeded
	report.Details.DeactivationFailures = rollback.Failed
}

func (o *CycleOrchestrator) persist(ctx context.Context, report core.CycleReport) {
	if o.Reports == nil {
		return
	}
	// Detached so cancelled runs still leave a row behind.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportPersistTimeout)
	defer cancel()
	if err := o.Reports.SaveCycleReport(saveCtx, report); err != nil {
		observability.Events(o.Logger).Warn("cycle_report_persist_failed",
			zap.String("run_id", report.RunID),
			zap.Error(err))
	}
}

func (o *CycleOrchestrator) finishStage(report *core.CycleReport, stage string, started time.Time) {
	elapsed := o.now().Sub(started)
	report.Durations[stage] = elapsed
	metrics.RecordCycleStage(stage, elapsed)
}

func (o *CycleOrchestrator) sleep(ctx context.Context, d time.Duration) error {
	if o.Sleep != nil {
		return o.Sleep(ctx, d)
	}
	return Sleep(ctx, d)
}

func (o *CycleOrchestrator) now() time.Time {
	if o != nil && o.Clock != nil {
		return o.Clock()
	}
	return time.Now().UTC()
}
