package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mirage/internal/ir"
)

func TestRun_BeginFinishRead(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	want := createTestRun(t, s, "run-1")

	got, err := s.ReadRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.NoError(t, s.FinishRun(ctx, "run-1", RunHalted, string(ir.CodeFatalInvariant), 42))
	got, err = s.ReadRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, RunHalted, got.Status)
	assert.Equal(t, "FATAL_INVARIANT", got.HaltCode)
	assert.Equal(t, uint64(42), got.Ticks)

	assert.Error(t, s.FinishRun(ctx, "missing", RunFinished, "", 0))

	_, err = s.ReadRun(ctx, "missing")
	assert.True(t, errors.Is(err, sql.ErrNoRows))
}

func TestRun_DuplicateIDRejected(t *testing.T) {
	s := createTestStore(t)
	createTestRun(t, s, "run-1")
	assert.Error(t, s.BeginRun(context.Background(), Run{ID: "run-1"}))
	assert.Error(t, s.BeginRun(context.Background(), Run{}))
}

func TestListRuns_Ordered(t *testing.T) {
	s := createTestStore(t)
	createTestRun(t, s, "b")
	createTestRun(t, s, "a")

	runs, err := s.ListRuns(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "a", runs[0].ID)
	assert.Equal(t, "b", runs[1].ID)
}

func TestWriteEvent_IdempotentAndOrdered(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	createTestRun(t, s, "run-1")

	evs := []EventRecord{
		{ID: "e2", RunID: "run-1", Seq: 2, Kind: "dispatch", PID: "0.1", Fields: `{"kind":"dispatch"}`},
		{ID: "e1", RunID: "run-1", Seq: 1, Kind: "spawn", PID: "0.1", Fields: `{"kind":"spawn"}`},
		{ID: "e3", RunID: "run-1", Seq: 3, Kind: "deny", PID: "0.1", Fields: `{"kind":"deny"}`},
	}
	for _, ev := range evs {
		require.NoError(t, s.WriteEvent(ctx, ev))
	}
	require.NoError(t, s.WriteEvent(ctx, evs[0]), "rewrite is a no-op")

	got, err := s.ReadEvents(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"e1", "e2", "e3"}, []string{got[0].ID, got[1].ID, got[2].ID})

	filtered, err := s.ReadEvents(ctx, "run-1", "deny", "spawn")
	require.NoError(t, err)
	require.Len(t, filtered, 2)
	assert.Equal(t, "spawn", filtered[0].Kind)
	assert.Equal(t, "deny", filtered[1].Kind)

	empty, err := s.ReadEvents(ctx, "other")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestWriteEvent_RequiresRun(t *testing.T) {
	s := createTestStore(t)
	err := s.WriteEvent(context.Background(), EventRecord{ID: "e1", RunID: "ghost", Seq: 1, Kind: "spawn", Fields: "{}"})
	assert.Error(t, err, "foreign key")
}

func TestWriteDecision_RoundTripAndCounts(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	createTestRun(t, s, "run-1")

	ds := []ir.Decision{
		{Verdict: ir.VerdictAllow, Sender: pid(0, 1), Receiver: pid(1, 1), SenderDomain: 1, ReceiverDomain: 2, Class: ir.ClassPublic},
		{Verdict: ir.VerdictDeny, Reason: ir.DenyNoGrant, Sender: pid(0, 1), Receiver: pid(1, 1), SenderDomain: 1, ReceiverDomain: 2, Class: ir.ClassConfidential},
		{Verdict: ir.VerdictDeny, Reason: ir.DenyNoGrant, Sender: pid(1, 1), Receiver: pid(0, 1), SenderDomain: 2, ReceiverDomain: 1, Class: ir.ClassPublic},
		{Verdict: ir.VerdictDeny, Reason: ir.DenyQuarantined, Sender: pid(1, 1), Receiver: pid(0, 1), SenderDomain: 2, ReceiverDomain: 1, Class: ir.ClassPublic},
	}
	for i, d := range ds {
		rec, err := NewDecisionRecord("run-1", int64(i+1), d)
		require.NoError(t, err)
		require.NoError(t, s.WriteDecision(ctx, rec))
	}

	got, err := s.ReadDecisions(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, "allow", got[0].Verdict)
	assert.Equal(t, "none", got[0].Reason)
	assert.Equal(t, "0.1", got[0].Sender)
	assert.Equal(t, uint32(2), got[0].ReceiverDomain)
	assert.Equal(t, "confidential", got[1].Class)
	assert.Len(t, got[0].ID, 64)

	counts, err := s.DenyCounts(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"no_grant": 2, "quarantined": 1}, counts)
}

func TestReadEvents_KindFilter(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	createTestRun(t, s, "run-1")

	kinds := []string{"spawn", "dispatch", "send", "receive", "send"}
	for i, k := range kinds {
		require.NoError(t, s.WriteEvent(ctx, EventRecord{
			ID: fmt.Sprintf("e%d", i+1), RunID: "run-1", Seq: int64(i + 1), Kind: k, PID: "0.1", Fields: "{}",
		}))
	}

	tests := []struct {
		name  string
		kinds []string
		want  int
	}{
		{"one kind", []string{"send"}, 2},
		{"three kinds", []string{"send", "receive", "spawn"}, 4},
		{"unknown kind", []string{"halt"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ReadEvents(ctx, "run-1", tt.kinds...)
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}
}
