package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/marketsync/marketsync/internal/core"
)

// SaveCycleReport stores a report, replacing any earlier save for the run.
func (s *Store) SaveCycleReport(ctx context.Context, report core.CycleReport) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(report.RunID) == "" {
		return errors.New("run id is required")
	}

	anomalies, err := json.Marshal(report.Anomalies)
	if err != nil {
		return fmt.Errorf("encode anomalies: %w", err)
	}
	durations, err := json.Marshal(durationMillis(report.Durations))
	if err != nil {
		return fmt.Errorf("encode durations: %w", err)
	}
	details, err := json.Marshal(report.Details)
	if err != nil {
		return fmt.Errorf("encode details: %w", err)
	}

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO cycle_runs (
			run_id, started_at, baseline_count, activated_count, deactivated_count,
			reconcile_ok, aborted, anomalies, durations, details, saved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			started_at = excluded.started_at,
			baseline_count = excluded.baseline_count,
			activated_count = excluded.activated_count,
			deactivated_count = excluded.deactivated_count,
			reconcile_ok = excluded.reconcile_ok,
			aborted = excluded.aborted,
			anomalies = excluded.anomalies,
			durations = excluded.durations,
			details = excluded.details,
			saved_at = excluded.saved_at
	`,
		report.RunID,
		report.StartedAt.UTC().UnixMilli(),
		report.BaselineCount,
		report.ActivatedCount,
		report.DeactivatedCount,
		boolToInt(report.ReconcileOK),
		boolToInt(report.Aborted),
		string(anomalies),
		string(durations),
		string(details),
		time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save cycle report: %w", err)
	}
	return nil
}

// GetCycleReport loads a saved report. It returns nil when the run is unknown.
func (s *Store) GetCycleReport(ctx context.Context, runID string) (*core.CycleReport, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		report      core.CycleReport
		startedAt   int64
		reconcileOK int
		aborted     int
		anomalies   string
		durations   string
		details     string
	)
	row := s.DB.QueryRowContext(ctx, `
		SELECT run_id, started_at, baseline_count, activated_count, deactivated_count,
			reconcile_ok, aborted, anomalies, durations, details
		FROM cycle_runs
		WHERE run_id = ?
	`, strings.TrimSpace(runID))
	if err := row.Scan(&report.RunID, &startedAt, &report.BaselineCount, &report.ActivatedCount,
		&report.DeactivatedCount, &reconcileOK, &aborted, &anomalies, &durations, &details); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch cycle report: %w", err)
	}

	report.StartedAt = time.UnixMilli(startedAt).UTC()
	report.ReconcileOK = reconcileOK == 1
	report.Aborted = aborted == 1
	if err := json.Unmarshal([]byte(anomalies), &report.Anomalies); err != nil {
		return nil, fmt.Errorf("decode anomalies: %w", err)
	}
	var millis map[string]int64
	if err := json.Unmarshal([]byte(durations), &millis); err != nil {
		return nil, fmt.Errorf("decode durations: %w", err)
	}
	report.Durations = make(map[string]time.Duration, len(millis))
	for stage, ms := range millis {
		report.Durations[stage] = time.Duration(ms) * time.Millisecond
	}
	if err := json.Unmarshal([]byte(details), &report.Details); err != nil {
		return nil, fmt.Errorf("decode details: %w", err)
	}
	return &report, nil
}

func durationMillis(durations map[string]time.Duration) map[string]int64 {
	out := make(map[string]int64, len(durations))
	for stage, d := range durations {
		out[stage] = d.Milliseconds()
	}
	return out
}
