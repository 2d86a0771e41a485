package cli

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/mirage/internal/boot"
	"github.com/roach88/mirage/internal/ir"
	"github.com/roach88/mirage/internal/kernel"
	"github.com/roach88/mirage/internal/manifest"
	"github.com/roach88/mirage/internal/store"
	"github.com/roach88/mirage/internal/telemetry"
)

// DefaultTicks is the tick budget when --ticks is not given.
const DefaultTicks = 1000

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Ticks    int
	Database string
	TraceOut string

	// RunIDGenerator allows overriding the run ID generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	RunIDGenerator store.RunIDGenerator
}

// RunSummary is the outcome of one boot-and-run.
type RunSummary struct {
	RunID      string          `json:"run_id"`
	Manifest   string          `json:"manifest"`
	Stop       boot.StopReason `json:"stop"`
	HaltCode   string          `json:"halt_code,omitempty"`
	Ticks      uint64          `json:"ticks"`
	Steps      int             `json:"steps"`
	Dispatches int             `json:"dispatches"`
	Faults     int             `json:"faults"`
	Sent       uint64          `json:"sent"`
	Delivered  uint64          `json:"delivered"`
	Denied     uint64          `json:"denied"`
	Switches   uint64          `json:"switches"`
	Denials    map[string]int  `json:"denials"`
	Processes  []ProcessRow    `json:"processes"`
}

// ProcessRow is one live process at the end of a run.
type ProcessRow struct {
	Name     string `json:"name"`
	PID      string `json:"pid"`
	State    string `json:"state"`
	Priority string `json:"priority"`
	Domain   string `json:"domain"`
	CPUTicks uint64 `json:"cpu_ticks"`
	InboxLen int    `json:"inbox_len"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <manifest.cue>",
		Short: "Boot a manifest and run it",
		Long: `Boot a CUE manifest and drive the scheduler for up to --ticks ticks.

Every kernel event and authorization decision is written to the SQLite
audit log under a fresh run ID. With --trace-out the run is also traced
with OpenTelemetry and the spans written to that file as JSON.

The run stops early when no process is left, when every live process is
blocked, or when the kernel halts on an invariant violation.

Exit codes:
  0 - Run finished
  1 - Kernel halted
  2 - Command error (bad manifest, unwritable database, etc.)

Examples:
  mirage run ./pingpong.cue
  mirage run ./pingpong.cue --ticks 50 --db ./mirage.db
  mirage run ./pingpong.cue --trace-out ./spans.json --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMachine(opts, args[0], cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Ticks, "ticks", DefaultTicks, "maximum number of ticks to run")
	cmd.Flags().StringVar(&opts.Database, "db", ":memory:", "path to SQLite audit log")
	cmd.Flags().StringVar(&opts.TraceOut, "trace-out", "", "write OpenTelemetry spans to this file")

	return cmd
}

func runMachine(opts *RunOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	logger := formatter.Logger()

	if opts.Ticks <= 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("--ticks must be positive, got %d", opts.Ticks))
	}

	logger.Debug("loading manifest", "path", path)
	m, err := manifest.Load(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load manifest", err)
	}

	tracer := telemetry.Noop()
	if opts.TraceOut != "" {
		tracer, err = telemetry.NewStdout("mirage", nil, opts.TraceOut)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to start tracing", err)
		}
	}
	defer func() {
		if err := tracer.Shutdown(context.Background()); err != nil {
			logger.Error("error flushing trace", "error", err)
		}
	}()

	logger.Debug("opening database", "path", opts.Database)
	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	gen := opts.RunIDGenerator
	if gen == nil {
		gen = store.UUIDv7Generator{}
	}
	runID := gen.Generate()

	// Audit writes use a context that outlives the signal.
	auditCtx := context.Background()
	if err := st.BeginRun(auditCtx, store.Run{
		ID:            runID,
		ManifestHash:  m.Hash,
		KernelVersion: ir.KernelVersion,
		TraceVersion:  ir.TraceVersion,
	}); err != nil {
		return WrapExitError(ExitCommandError, "failed to begin run", err)
	}
	recorder := store.NewRecorder(auditCtx, st, runID, logger)

	mach, err := boot.New(m,
		boot.WithLogger(logger.With("run_id", runID)),
		boot.WithTracer(tracer),
		boot.WithObserver(recorder),
		boot.WithAuditor(recorder),
	)
	if err != nil {
		var code string
		var e *ir.Error
		if errors.As(err, &e) {
			code = string(e.Code)
		}
		if finishErr := st.FinishRun(auditCtx, runID, store.RunFailed, code, 0); finishErr != nil {
			logger.Error("failed to record boot failure", "run_id", runID, "error", finishErr)
		}
		return WrapExitError(ExitCommandError, "failed to boot manifest", err)
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("machine starting", "run_id", runID, "manifest", m.Hash, "ticks", opts.Ticks)
	res, runErr := mach.Run(ctx, opts.Ticks)
	if runErr != nil && errors.Is(runErr, context.Canceled) {
		logger.Info("run cancelled", "ticks", res.Ticks)
		runErr = nil
	}

	status, haltCode := store.RunFinished, ""
	if kerr := mach.Kernel.Err(); kerr != nil {
		status = store.RunHalted
		var e *ir.Error
		if errors.As(kerr, &e) {
			haltCode = string(e.Code)
		}
	}
	if err := recorder.Err(); err != nil {
		return WrapExitError(ExitCommandError, "failed to record run", err)
	}
	if err := st.FinishRun(auditCtx, runID, status, haltCode, mach.Kernel.Stats().Ticks); err != nil {
		return WrapExitError(ExitCommandError, "failed to finish run", err)
	}

	denials, err := st.DenyCounts(auditCtx, runID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read decisions", err)
	}

	summary := summarize(mach, runID, res, haltCode, denials)
	if err := outputRunSummary(formatter, summary); err != nil {
		return err
	}

	if runErr != nil {
		return WrapExitError(ExitFailure, "kernel halted", runErr)
	}
	return nil
}

func summarize(mach *boot.Machine, runID string, res boot.Result, haltCode string, denials map[string]int) RunSummary {
	stats := mach.Kernel.Stats()
	return RunSummary{
		RunID:      runID,
		Manifest:   mach.Manifest.Hash,
		Stop:       res.Reason,
		HaltCode:   haltCode,
		Ticks:      stats.Ticks,
		Steps:      res.Steps,
		Dispatches: res.Dispatches,
		Faults:     res.Faults,
		Sent:       stats.Sent,
		Delivered:  stats.Delivered,
		Denied:     stats.Denied,
		Switches:   stats.Switches,
		Denials:    denials,
		Processes:  processRows(mach, mach.Kernel.Processes()),
	}
}

func processRows(mach *boot.Machine, procs []kernel.Snapshot) []ProcessRow {
	rows := make([]ProcessRow, 0, len(procs))
	for _, p := range procs {
		rows = append(rows, ProcessRow{
			Name:     mach.Name(p.ID),
			PID:      p.ID.String(),
			State:    p.State.String(),
			Priority: p.Priority.String(),
			Domain:   p.Domain.String(),
			CPUTicks: p.CPUTicks,
			InboxLen: p.InboxLen,
		})
	}
	return rows
}

// outputRunSummary outputs the run summary in the configured format.
func outputRunSummary(formatter *OutputFormatter, s RunSummary) error {
	if formatter.Format == "json" {
		return formatter.Response(CLIResponse{Status: "ok", Data: s, RunID: s.RunID})
	}

	w := formatter.Writer
	fmt.Fprintf(w, "Run %s\n", s.RunID)
	fmt.Fprintf(w, "  stop:       %s", s.Stop)
	if s.HaltCode != "" {
		fmt.Fprintf(w, " (%s)", s.HaltCode)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  ticks:      %d\n", s.Ticks)
	fmt.Fprintf(w, "  dispatches: %d\n", s.Dispatches)
	fmt.Fprintf(w, "  faults:     %d\n", s.Faults)
	fmt.Fprintf(w, "  messages:   %d sent, %d delivered, %d denied\n", s.Sent, s.Delivered, s.Denied)
	for _, reason := range slices.Sorted(maps.Keys(s.Denials)) {
		fmt.Fprintf(w, "    %s: %d\n", reason, s.Denials[reason])
	}

	if len(s.Processes) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Processes:")
		for _, p := range s.Processes {
			fmt.Fprintf(w, "  %-12s %-6s %-10s %-8s %-6s cpu=%d inbox=%d\n",
				p.Name, p.PID, p.State, p.Priority, p.Domain, p.CPUTicks, p.InboxLen)
		}
	}
	return nil
}
