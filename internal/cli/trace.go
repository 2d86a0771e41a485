package cli

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/mirage/internal/store"
)

// LatestRun selects the most recent run.
const LatestRun = "latest"

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	RunID    string
	Kinds    []string // optional - filter to event kinds
}

// TraceEvent is a stored kernel event in the timeline.
type TraceEvent struct {
	Seq    int64           `json:"seq"`
	Kind   string          `json:"kind"`
	PID    string          `json:"pid,omitempty"`
	Fields json.RawMessage `json:"fields"`
}

// TraceResult holds the complete trace output for one run.
type TraceResult struct {
	Run       store.Run              `json:"run"`
	Timeline  []TraceEvent           `json:"timeline"`
	Decisions []store.DecisionRecord `json:"decisions"`
	Stats     TraceStats             `json:"stats"`
}

// TraceStats holds summary statistics for the run.
type TraceStats struct {
	TotalEvents int            `json:"total_events"`
	Kinds       map[string]int `json:"kinds"`
	Allowed     int            `json:"allowed"`
	Denied      map[string]int `json:"denied"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect recorded runs",
		Long: `Inspect the audit log written by run.

Without --run, lists every recorded run. With --run, shows that run's
kernel event timeline and its authorization decisions. --run latest picks
the most recent run.

Examples:
  mirage trace --db ./mirage.db
  mirage trace --db ./mirage.db --run latest
  mirage trace --db ./mirage.db --run 0190f7c4-... --kind send --kind deny
  mirage trace --db ./mirage.db --run latest --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "run ID to trace, or \"latest\"")
	cmd.Flags().StringSliceVar(&opts.Kinds, "kind", nil, "filter timeline to event kinds (repeatable)")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	if _, err := os.Stat(opts.Database); err != nil {
		return NewExitError(ExitCommandError, fmt.Sprintf("database not found: %s", opts.Database))
	}
	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	if opts.RunID == "" {
		runs, err := st.ListRuns(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list runs", err)
		}
		return outputRuns(formatter, runs)
	}

	runID := opts.RunID
	if runID == LatestRun {
		runs, err := st.ListRuns(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list runs", err)
		}
		if len(runs) == 0 {
			return NewExitError(ExitCommandError, "no runs recorded")
		}
		runID = runs[len(runs)-1].ID
	}

	run, err := st.ReadRun(ctx, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return NewExitError(ExitCommandError, fmt.Sprintf("run not found: %s", runID))
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read run", err)
	}

	result, err := buildTrace(ctx, st, run, opts.Kinds)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read trace", err)
	}

	if opts.Format == "json" {
		return formatter.Response(CLIResponse{Status: "ok", Data: result, RunID: run.ID})
	}
	return outputTraceText(formatter, result)
}

func buildTrace(ctx context.Context, st *store.Store, run store.Run, kinds []string) (TraceResult, error) {
	events, err := st.ReadEvents(ctx, run.ID, kinds...)
	if err != nil {
		return TraceResult{}, err
	}
	decisions, err := st.ReadDecisions(ctx, run.ID)
	if err != nil {
		return TraceResult{}, err
	}
	denied, err := st.DenyCounts(ctx, run.ID)
	if err != nil {
		return TraceResult{}, err
	}

	result := TraceResult{
		Run:       run,
		Timeline:  make([]TraceEvent, 0, len(events)),
		Decisions: decisions,
		Stats: TraceStats{
			TotalEvents: len(events),
			Kinds:       map[string]int{},
			Denied:      denied,
		},
	}
	for _, ev := range events {
		result.Timeline = append(result.Timeline, TraceEvent{
			Seq:    ev.Seq,
			Kind:   ev.Kind,
			PID:    ev.PID,
			Fields: json.RawMessage(ev.Fields),
		})
		result.Stats.Kinds[ev.Kind]++
	}
	for _, d := range decisions {
		if d.Verdict == "allow" {
			result.Stats.Allowed++
		}
	}
	return result, nil
}

// outputRuns lists recorded runs.
func outputRuns(formatter *OutputFormatter, runs []store.Run) error {
	if formatter.Format == "json" {
		return formatter.Response(CLIResponse{Status: "ok", Data: runs})
	}

	w := formatter.Writer
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return nil
	}
	for _, r := range runs {
		fmt.Fprintf(w, "%s  %-8s ticks=%-6d manifest=%s", r.ID, r.Status, r.Ticks, shortHash(r.ManifestHash))
		if r.HaltCode != "" {
			fmt.Fprintf(w, "  halt=%s", r.HaltCode)
		}
		fmt.Fprintln(w)
	}
	return nil
}

// outputTraceText outputs one run's trace as text.
func outputTraceText(formatter *OutputFormatter, result TraceResult) error {
	w := formatter.Writer
	r := result.Run

	fmt.Fprintf(w, "Run: %s\n", r.ID)
	fmt.Fprintf(w, "Status: %s", r.Status)
	if r.HaltCode != "" {
		fmt.Fprintf(w, " (%s)", r.HaltCode)
	}
	fmt.Fprintf(w, ", %d ticks\n", r.Ticks)
	fmt.Fprintf(w, "Manifest: %s (kernel %s, trace v%s)\n", r.ManifestHash, r.KernelVersion, r.TraceVersion)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Timeline:")
	if len(result.Timeline) == 0 {
		fmt.Fprintln(w, "  (no events)")
	}
	for _, ev := range result.Timeline {
		pid := ev.PID
		if pid == "" {
			pid = "-"
		}
		fmt.Fprintf(w, "  [%d] %-10s %-6s %s\n", ev.Seq, ev.Kind, pid, ev.Fields)
	}

	if formatter.Verbose && len(result.Decisions) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Decisions:")
		for _, d := range result.Decisions {
			fmt.Fprintf(w, "  [%d] %-5s %s -> %s %s (%s)\n", d.Seq, d.Verdict, d.Sender, d.Receiver, d.Class, d.Reason)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Stats: %d events, %d allowed", result.Stats.TotalEvents, result.Stats.Allowed)
	for _, reason := range slices.Sorted(maps.Keys(result.Stats.Denied)) {
		fmt.Fprintf(w, ", %d denied %s", result.Stats.Denied[reason], reason)
	}
	fmt.Fprintln(w)
	return nil
}

func shortHash(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	return h
}
