package kernel

import (
	"bytes"
	"errors"

	"github.com/roach88/mirage/internal/ipc"
	"github.com/roach88/mirage/internal/ir"
)

// Send delivers payload from sender to receiver and returns the message's
// sequence number.
//
// Checks run in order and the first failure wins: sender is live, receiver
// is live, payload fits, the Authorizer allows it, the inbox has room. The
// sender's sequence only advances once the message is in the inbox. A
// receiver blocked waiting for a message becomes Ready.
func (k *Kernel) Send(sender, receiver ir.ProcessID, class ir.SecurityClass, payload []byte) (uint64, error) {
	k.mu.Lock()
	defer k.unlock()

	if k.halted != nil {
		return 0, k.halted
	}

	s, res := k.table.lookup(sender)
	if res != lookupFound {
		return 0, &ir.Error{Code: ir.CodeUnknownProcess, Op: "send", Message: "sender is not live", PID: sender}
	}
	r, res := k.table.lookup(receiver)
	if res != lookupFound {
		return 0, &ir.Error{Code: ir.CodeUnknownReceiver, Op: "send", Message: "receiver is not live", PID: receiver}
	}

	seq, err := k.sendLocked("send", s, r, class, payload)
	if err != nil {
		return 0, err
	}
	if err := k.checkLocked(); err != nil {
		return 0, err
	}
	return seq, nil
}

func (k *Kernel) sendLocked(op string, s, r *pcb, class ir.SecurityClass, payload []byte) (uint64, error) {
	if len(payload) > k.cfg.maxPayload {
		return 0, &ir.Error{
			Code:    ir.CodePayloadTooLarge,
			Op:      op,
			Message: "payload exceeds the message size limit",
			PID:     s.id,
		}
	}

	d := k.authz.Authorize(s.id, r.id, class)
	if !d.Allowed() {
		k.stats.denied++
		k.emit(Event{Kind: EventDeny, PID: s.id, Peer: r.id, Class: class, Detail: d.Reason.String()})
		return 0, ir.NotAuthorized(op, d)
	}

	seq := s.lastSeq + 1
	msg := ir.Message{
		Sender:   s.id,
		Receiver: r.id,
		Class:    class,
		Payload:  bytes.Clone(payload),
		Sequence: seq,
	}
	if err := r.inbox.Enqueue(msg); err != nil {
		var e *ir.Error
		if errors.As(err, &e) {
			e.Op = op
		}
		return 0, err
	}
	s.lastSeq = seq
	k.stats.sent++
	k.emit(Event{Kind: EventSend, PID: s.id, Peer: r.id, Class: class, Sequence: seq})

	if r.state == StateBlocked && r.blockReason == BlockMessage {
		if err := k.wakeLocked(op, r); err != nil {
			return 0, err
		}
	}
	return seq, nil
}

// Dequeue takes the oldest message from pid's inbox without blocking.
// Returns false if the inbox is empty.
func (k *Kernel) Dequeue(pid ir.ProcessID) (ir.Message, bool, error) {
	k.mu.Lock()
	defer k.unlock()

	if k.halted != nil {
		return ir.Message{}, false, k.halted
	}
	p, res := k.table.lookup(pid)
	if res != lookupFound {
		return ir.Message{}, false, &ir.Error{Code: ir.CodeUnknownProcess, Op: "dequeue", PID: pid}
	}

	msg, ok := p.inbox.Dequeue()
	if ok {
		k.deliveredLocked(p, msg)
	}
	return msg, ok, nil
}

// Receive is Dequeue for a process that wants to wait: with an empty inbox
// the process moves to Blocked(message) and Receive returns false. The next
// message sent to it makes it Ready again.
func (k *Kernel) Receive(pid ir.ProcessID) (ir.Message, bool, error) {
	k.mu.Lock()
	defer k.unlock()

	if k.halted != nil {
		return ir.Message{}, false, k.halted
	}
	p, err := k.resolveLocked("receive", pid)
	if err != nil {
		return ir.Message{}, false, err
	}

	if msg, ok := p.inbox.Dequeue(); ok {
		k.deliveredLocked(p, msg)
		return msg, true, nil
	}
	if err := k.blockLocked("receive", p, BlockMessage); err != nil {
		return ir.Message{}, false, err
	}
	if err := k.checkLocked(); err != nil {
		return ir.Message{}, false, err
	}
	return ir.Message{}, false, nil
}

func (k *Kernel) deliveredLocked(p *pcb, msg ir.Message) {
	if p.tracker.Observe(msg) == ipc.Duplicate {
		k.logger.Warn("message sequence went backwards",
			"receiver", p.id,
			"sender", msg.Sender,
			"sequence", msg.Sequence)
	}
	k.stats.delivered++
	k.emit(Event{Kind: EventReceive, PID: p.id, Peer: msg.Sender, Class: msg.Class, Sequence: msg.Sequence})
}
