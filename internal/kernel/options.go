package kernel

import (
	"log/slog"

	"github.com/roach88/mirage/internal/ir"
)

// Defaults.
const (
	// DefaultCapacity is the default process table size.
	DefaultCapacity = 64

	// DefaultPriorityLevels is the default number of scheduling levels.
	DefaultPriorityLevels = 4

	// DefaultInboxCapacity is the default per-process inbox depth.
	DefaultInboxCapacity = 16

	// DefaultMaxPayload is the largest message payload in bytes.
	DefaultMaxPayload = 64

	// MaxPriorityLevels bounds WithPriorityLevels.
	MaxPriorityLevels = 256
)

// DefaultQuantum is the number of ticks a process at level may run before it
// is preempted: 2 + 2*level.
func DefaultQuantum(level ir.Priority) int {
	return 2 + 2*int(level)
}

type config struct {
	capacity      int
	levels        int
	quantum       map[ir.Priority]int
	inboxCapacity int
	maxPayload    int
	exitClass     ir.SecurityClass
	checks        bool

	halt      HaltHandler
	switcher  ContextSwitcher
	observers []Observer
	clock     *Clock
	logger    *slog.Logger
}

func defaultConfig() config {
	return config{
		capacity:      DefaultCapacity,
		levels:        DefaultPriorityLevels,
		quantum:       make(map[ir.Priority]int),
		inboxCapacity: DefaultInboxCapacity,
		maxPayload:    DefaultMaxPayload,
		exitClass:     ir.ClassPublic,
		logger:        slog.Default(),
	}
}

// Option configures a Kernel.
type Option func(*config)

// WithCapacity sets the process table size.
func WithCapacity(n int) Option {
	return func(c *config) {
		c.capacity = n
	}
}

// WithPriorityLevels sets the number of priority levels. Valid priorities are
// 0 through n-1.
func WithPriorityLevels(n int) Option {
	return func(c *config) {
		c.levels = n
	}
}

// WithQuantum overrides the time slice of one priority level.
func WithQuantum(level ir.Priority, ticks int) Option {
	return func(c *config) {
		c.quantum[level] = ticks
	}
}

// WithDefaultInbox sets the inbox depth used when Spawn is not given
// WithInboxCapacity.
func WithDefaultInbox(n int) Option {
	return func(c *config) {
		c.inboxCapacity = n
	}
}

// WithMaxPayload sets the largest accepted payload.
func WithMaxPayload(n int) Option {
	return func(c *config) {
		c.maxPayload = n
	}
}

// WithExitNoticeClass sets the class of the exit notice a terminating child
// sends its parent. Defaults to ir.ClassPublic.
func WithExitNoticeClass(class ir.SecurityClass) Option {
	return func(c *config) {
		c.exitClass = class
	}
}

// WithInvariantChecks runs Verify after every mutating operation.
func WithInvariantChecks(on bool) Option {
	return func(c *config) {
		c.checks = on
	}
}

// WithHaltHandler installs the handler called when the kernel halts.
func WithHaltHandler(h HaltHandler) Option {
	return func(c *config) {
		c.halt = h
	}
}

// WithContextSwitcher installs the context switch primitive.
func WithContextSwitcher(s ContextSwitcher) Option {
	return func(c *config) {
		c.switcher = s
	}
}

// WithObserver adds an event observer. May be given more than once.
func WithObserver(o Observer) Option {
	return func(c *config) {
		c.observers = append(c.observers, o)
	}
}

// WithClock stamps events from clock instead of a fresh one.
func WithClock(clock *Clock) Option {
	return func(c *config) {
		c.clock = clock
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// SpawnOption configures a single Spawn.
type SpawnOption func(*spawnConfig)

type spawnConfig struct {
	inbox   int
	context ir.ContextHandle
	parent  ir.ProcessID
}

// WithInboxCapacity fixes the process's inbox depth. Spawn rejects a depth
// below 1 with INVALID_CAPACITY.
func WithInboxCapacity(n int) SpawnOption {
	return func(s *spawnConfig) {
		s.inbox = n
	}
}

// WithContext attaches the saved execution context handed to the
// ContextSwitcher when the process is dispatched.
func WithContext(h ir.ContextHandle) SpawnOption {
	return func(s *spawnConfig) {
		s.context = h
	}
}

// WithParent records the spawning process. A live parent receives an exit
// notice when the child terminates.
func WithParent(pid ir.ProcessID) SpawnOption {
	return func(s *spawnConfig) {
		s.parent = pid
	}
}
