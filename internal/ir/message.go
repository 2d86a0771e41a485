package ir

// Message is a delivered IPC message. It is immutable once enqueued: the
// kernel copies the payload in before it reaches a ring queue.
type Message struct {
	Sender   ProcessID     `json:"sender"`
	Receiver ProcessID     `json:"receiver"`
	Class    SecurityClass `json:"class"`
	Payload  []byte        `json:"payload"`

	// Sequence is monotonic per sender across all receivers, starting at 1.
	Sequence uint64 `json:"sequence"`
}

// Verdict is the outcome of an authorization check.
type Verdict uint8

const (
	VerdictDeny Verdict = iota
	VerdictAllow
)

func (v Verdict) String() string {
	if v == VerdictAllow {
		return "allow"
	}
	return "deny"
}

// DenyReason explains a Deny verdict.
type DenyReason uint8

const (
	DenyNone DenyReason = iota
	DenyUnknownSender
	DenyUnknownReceiver
	DenyQuarantined
	DenySenderClearance
	DenyReceiverClearance
	DenyIsolation
	DenyNoGrant
	DenyNoReceiveGrant
	DenyInvalidClass
	DenyNoIPC
	DenyNoSpawn
)

func (r DenyReason) String() string {
	switch r {
	case DenyNone:
		return "none"
	case DenyUnknownSender:
		return "unknown_sender"
	case DenyUnknownReceiver:
		return "unknown_receiver"
	case DenyQuarantined:
		return "quarantined"
	case DenySenderClearance:
		return "sender_clearance"
	case DenyReceiverClearance:
		return "receiver_clearance"
	case DenyIsolation:
		return "isolation"
	case DenyNoGrant:
		return "no_grant"
	case DenyNoReceiveGrant:
		return "no_receive_grant"
	case DenyInvalidClass:
		return "invalid_class"
	case DenyNoIPC:
		return "no_ipc_capability"
	case DenyNoSpawn:
		return "no_spawn_capability"
	default:
		return "unknown"
	}
}

// Decision is the full record of one authorization check. Decisions are
// computed fresh for every send and never cached.
type Decision struct {
	Verdict        Verdict       `json:"verdict"`
	Reason         DenyReason    `json:"reason"`
	Sender         ProcessID     `json:"sender"`
	Receiver       ProcessID     `json:"receiver"`
	SenderDomain   DomainID      `json:"sender_domain"`
	ReceiverDomain DomainID      `json:"receiver_domain"`
	Class          SecurityClass `json:"class"`
}

// Allowed reports whether the decision permits delivery.
func (d Decision) Allowed() bool {
	return d.Verdict == VerdictAllow
}
