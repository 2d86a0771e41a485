package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainEvent    = "mirage/event/v1"
	DomainDecision = "mirage/decision/v1"
	DomainManifest = "mirage/manifest/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// EventID computes the content-addressed ID of a trace event within a run.
// The ID is stable across replays of the same run given the same inputs.
func EventID(runID string, seq int64, kind string, fields map[string]any) (string, error) {
	obj := map[string]any{
		"run_id": runID,
		"seq":    seq,
		"kind":   kind,
		"fields": fields,
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("EventID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainEvent, canonical), nil
}

// DecisionID computes the content-addressed ID of an authorization decision.
func DecisionID(runID string, seq int64, d Decision) (string, error) {
	obj := map[string]any{
		"run_id":          runID,
		"seq":             seq,
		"verdict":         d.Verdict.String(),
		"reason":          d.Reason.String(),
		"sender":          d.Sender.String(),
		"receiver":        d.Receiver.String(),
		"sender_domain":   uint32(d.SenderDomain),
		"receiver_domain": uint32(d.ReceiverDomain),
		"class":           d.Class.String(),
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("DecisionID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainDecision, canonical), nil
}

// ContentHash hashes an arbitrary canonical value under the given domain.
// Used to fingerprint boot manifests.
func ContentHash(domain string, v any) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("ContentHash: failed to marshal: %w", err)
	}
	return hashWithDomain(domain, canonical), nil
}

// MustEventID is like EventID but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustEventID(runID string, seq int64, kind string, fields map[string]any) string {
	id, err := EventID(runID, seq, kind, fields)
	if err != nil {
		panic(err)
	}
	return id
}
