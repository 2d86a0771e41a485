package store

import (
	"github.com/roach88/mirage/internal/ir"
)

// Run statuses.
const (
	RunRunning  = "running"
	RunFinished = "finished"
	RunHalted   = "halted"
	RunFailed   = "failed" // the manifest never booted
)

// Run is one boot of a manifest.
type Run struct {
	ID            string `json:"id"`
	ManifestHash  string `json:"manifest_hash"`
	KernelVersion string `json:"kernel_version"`
	TraceVersion  string `json:"trace_version"`
	Status        string `json:"status"`
	HaltCode      string `json:"halt_code,omitempty"`
	Ticks         uint64 `json:"ticks"`
}

// EventRecord is a stored kernel event. Fields holds the event's canonical
// JSON.
type EventRecord struct {
	ID     string `json:"id"`
	RunID  string `json:"run_id"`
	Seq    int64  `json:"seq"`
	Kind   string `json:"kind"`
	PID    string `json:"pid,omitempty"`
	Fields string `json:"fields"`
}

// DecisionRecord is a stored authorization verdict.
type DecisionRecord struct {
	ID             string `json:"id"`
	RunID          string `json:"run_id"`
	Seq            int64  `json:"seq"`
	Verdict        string `json:"verdict"`
	Reason         string `json:"reason"`
	Sender         string `json:"sender"`
	Receiver       string `json:"receiver"`
	SenderDomain   uint32 `json:"sender_domain"`
	ReceiverDomain uint32 `json:"receiver_domain"`
	Class          string `json:"class"`
}

// NewDecisionRecord builds the stored form of d.
func NewDecisionRecord(runID string, seq int64, d ir.Decision) (DecisionRecord, error) {
	id, err := ir.DecisionID(runID, seq, d)
	if err != nil {
		return DecisionRecord{}, err
	}
	return DecisionRecord{
		ID:             id,
		RunID:          runID,
		Seq:            seq,
		Verdict:        d.Verdict.String(),
		Reason:         d.Reason.String(),
		Sender:         d.Sender.String(),
		Receiver:       d.Receiver.String(),
		SenderDomain:   uint32(d.SenderDomain),
		ReceiverDomain: uint32(d.ReceiverDomain),
		Class:          d.Class.String(),
	}, nil
}
