package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// ReadRun retrieves a single run by ID.
// Returns sql.ErrNoRows if not found.
func (s *Store) ReadRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, manifest_hash, kernel_version, trace_version, status, halt_code, ticks
		FROM runs
		WHERE id = ?
	`, id)

	var r Run
	if err := row.Scan(&r.ID, &r.ManifestHash, &r.KernelVersion, &r.TraceVersion, &r.Status, &r.HaltCode, &r.Ticks); err != nil {
		if err == sql.ErrNoRows {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("scan run: %w", err)
	}
	return r, nil
}

// ListRuns returns every run ordered by ID. Run IDs are UUIDv7 so this is
// creation order.
func (s *Store) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, manifest_hash, kernel_version, trace_version, status, halt_code, ticks
		FROM runs
		ORDER BY id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.ManifestHash, &r.KernelVersion, &r.TraceVersion, &r.Status, &r.HaltCode, &r.Ticks); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// ReadEvents returns the events of a run, optionally filtered to kinds.
// Results are ordered by seq ASC, id ASC COLLATE BINARY.
//
// Returns an empty slice (not nil) if the run has no matching events.
func (s *Store) ReadEvents(ctx context.Context, runID string, kinds ...string) ([]EventRecord, error) {
	query := `
		SELECT id, run_id, seq, kind, pid, fields
		FROM events
		WHERE run_id = ?`
	args := []any{runID}
	if len(kinds) > 0 {
		query += ` AND kind IN (?` + strings.Repeat(",?", len(kinds)-1) + `)`
		for _, k := range kinds {
			args = append(args, k)
		}
	}
	query += ` ORDER BY seq ASC, id COLLATE BINARY ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []EventRecord{}
	for rows.Next() {
		var ev EventRecord
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Seq, &ev.Kind, &ev.PID, &ev.Fields); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// ReadDecisions returns the authorization decisions of a run in order.
func (s *Store) ReadDecisions(ctx context.Context, runID string) ([]DecisionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, seq, verdict, reason, sender, receiver, sender_domain, receiver_domain, class
		FROM decisions
		WHERE run_id = ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	decisions := []DecisionRecord{}
	for rows.Next() {
		var d DecisionRecord
		if err := rows.Scan(&d.ID, &d.RunID, &d.Seq, &d.Verdict, &d.Reason, &d.Sender, &d.Receiver,
			&d.SenderDomain, &d.ReceiverDomain, &d.Class); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		decisions = append(decisions, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return decisions, nil
}

// DenyCounts returns the number of denials per reason for a run.
func (s *Store) DenyCounts(ctx context.Context, runID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT reason, COUNT(*)
		FROM decisions
		WHERE run_id = ? AND verdict = 'deny'
		GROUP BY reason
		ORDER BY reason COLLATE BINARY ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query deny counts: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var reason string
		var n int
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, fmt.Errorf("scan deny count: %w", err)
		}
		counts[reason] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deny counts: %w", err)
	}
	return counts, nil
}
