package store

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roach88/mirage/internal/ir"
	"github.com/roach88/mirage/internal/kernel"
)

// Recorder persists a run as it happens. It implements kernel.Observer for
// events and authz.Auditor for decisions.
//
// Both hooks are called synchronously from inside the kernel, so a failed
// write cannot be returned to the caller. The first failure is kept and
// reported by Err; later records are dropped.
type Recorder struct {
	store  *Store
	runID  string
	ctx    context.Context
	logger *slog.Logger

	mu          sync.Mutex
	decisionSeq int64
	err         error
}

// NewRecorder returns a Recorder writing to run runID. The run must already
// exist (see BeginRun).
func NewRecorder(ctx context.Context, s *Store, runID string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: s, runID: runID, ctx: ctx, logger: logger}
}

// RunID returns the run being recorded.
func (r *Recorder) RunID() string {
	return r.runID
}

// Observe stores a kernel event.
func (r *Recorder) Observe(ev kernel.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return
	}

	fields := ev.Fields()
	canonical, err := ir.MarshalCanonical(fields)
	if err != nil {
		r.fail("marshal event", err)
		return
	}
	id, err := ir.EventID(r.runID, ev.Seq, string(ev.Kind), fields)
	if err != nil {
		r.fail("event id", err)
		return
	}

	rec := EventRecord{
		ID:     id,
		RunID:  r.runID,
		Seq:    ev.Seq,
		Kind:   string(ev.Kind),
		Fields: string(canonical),
	}
	if ev.PID.Valid() {
		rec.PID = ev.PID.String()
	}
	if err := r.store.WriteEvent(r.ctx, rec); err != nil {
		r.fail("write event", err)
	}
}

// Audit stores an authorization decision.
func (r *Recorder) Audit(d ir.Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return
	}

	r.decisionSeq++
	rec, err := NewDecisionRecord(r.runID, r.decisionSeq, d)
	if err != nil {
		r.fail("decision id", err)
		return
	}
	if err := r.store.WriteDecision(r.ctx, rec); err != nil {
		r.fail("write decision", err)
	}
}

// Err returns the first write failure, if any.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Recorder) fail(op string, err error) {
	r.err = err
	r.logger.Error("audit record dropped", "op", op, "run", r.runID, "error", err)
}
