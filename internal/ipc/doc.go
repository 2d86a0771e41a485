// Package ipc holds the message plumbing shared by every process inbox.
//
// RingQueue is a fixed-capacity circular buffer allocated once at process
// spawn. It never grows: a full queue rejects the message with QUEUE_FULL and
// leaves its contents untouched, so a slow receiver cannot make the kernel
// allocate.
//
// SequenceTracker sits on the receive side and classifies each message by the
// sender's sequence number. Senders number messages from 1 across all
// receivers, so a receiver only ever sees an increasing subsequence; the
// tracker flags regressions and repeats, which would indicate corruption.
package ipc
