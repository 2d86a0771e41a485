package store

import (
	"context"
	"fmt"
)

// BeginRun inserts a run record. Status defaults to RunRunning.
func (s *Store) BeginRun(ctx context.Context, run Run) error {
	if run.ID == "" {
		return fmt.Errorf("begin run: empty id")
	}
	if run.Status == "" {
		run.Status = RunRunning
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, manifest_hash, kernel_version, trace_version, status, halt_code, ticks)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		run.ManifestHash,
		run.KernelVersion,
		run.TraceVersion,
		run.Status,
		run.HaltCode,
		run.Ticks,
	)
	if err != nil {
		return fmt.Errorf("begin run: %w", err)
	}
	return nil
}

// FinishRun records the final status of a run.
func (s *Store) FinishRun(ctx context.Context, id, status, haltCode string, ticks uint64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, halt_code = ?, ticks = ? WHERE id = ?
	`, status, haltCode, ticks, id)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("finish run: unknown run %q", id)
	}
	return nil
}

// WriteEvent appends an event. Uses ON CONFLICT(id) DO NOTHING for
// idempotency - rewriting the same event is silently ignored.
//
// Note: The run referenced by RunID must exist (foreign key constraint).
func (s *Store) WriteEvent(ctx context.Context, ev EventRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, run_id, seq, kind, pid, fields)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		ev.ID,
		ev.RunID,
		ev.Seq,
		ev.Kind,
		ev.PID,
		ev.Fields,
	)
	if err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// WriteDecision appends an authorization decision. Idempotent on id.
func (s *Store) WriteDecision(ctx context.Context, d DecisionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO decisions
		(id, run_id, seq, verdict, reason, sender, receiver, sender_domain, receiver_domain, class)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		d.ID,
		d.RunID,
		d.Seq,
		d.Verdict,
		d.Reason,
		d.Sender,
		d.Receiver,
		d.SenderDomain,
		d.ReceiverDomain,
		d.Class,
	)
	if err != nil {
		return fmt.Errorf("write decision: %w", err)
	}
	return nil
}
