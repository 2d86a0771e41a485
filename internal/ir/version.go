package ir

// Version constants for the trace format and kernel.
const (
	// TraceVersion is the trace/audit record schema version.
	TraceVersion = "1"

	// KernelVersion is the Mirage core version.
	KernelVersion = "0.1.0"
)
