package harness

// TraceEvent is one kernel event with process IDs resolved to scenario
// names.
type TraceEvent struct {
	Seq     int64          `json:"seq"`
	Kind    string         `json:"kind"`
	Process string         `json:"process,omitempty"`
	Peer    string         `json:"peer,omitempty"`
	Detail  string         `json:"detail,omitempty"`
	Fields  map[string]any `json:"fields"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	Pass bool `json:"pass"`

	// RunID is the audit run the scenario was recorded under.
	RunID string `json:"run_id"`

	// Trace contains every kernel event in order.
	Trace []TraceEvent `json:"trace"`

	// Switches are the context switches performed, as [from, to] handles.
	Switches [][2]uint64 `json:"switches"`

	// Errors contains step and assertion failures.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:     true,
		Trace:    []TraceEvent{},
		Switches: [][2]uint64{},
		Errors:   []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
