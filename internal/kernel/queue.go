package kernel

import (
	"github.com/roach88/mirage/internal/ir"
)

// readyQueue is a fixed-capacity FIFO of Ready process IDs for one priority
// level. Its capacity equals the table size, so a push can only fail if the
// table invariants are already broken.
type readyQueue struct {
	buf  []ir.ProcessID
	head int
	n    int
}

func newReadyQueue(capacity int) readyQueue {
	return readyQueue{buf: make([]ir.ProcessID, capacity)}
}

func (q *readyQueue) push(pid ir.ProcessID) bool {
	if q.n == len(q.buf) {
		return false
	}
	q.buf[(q.head+q.n)%len(q.buf)] = pid
	q.n++
	return true
}

func (q *readyQueue) pop() (ir.ProcessID, bool) {
	if q.n == 0 {
		return ir.NoProcess, false
	}
	pid := q.buf[q.head]
	q.buf[q.head] = ir.NoProcess
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	return pid, true
}

func (q *readyQueue) at(i int) ir.ProcessID {
	return q.buf[(q.head+i)%len(q.buf)]
}

// remove deletes pid from anywhere in the queue, keeping the order of the
// rest.
func (q *readyQueue) remove(pid ir.ProcessID) bool {
	for i := 0; i < q.n; i++ {
		if q.at(i) != pid {
			continue
		}
		for j := i; j < q.n-1; j++ {
			q.buf[(q.head+j)%len(q.buf)] = q.at(j + 1)
		}
		q.buf[(q.head+q.n-1)%len(q.buf)] = ir.NoProcess
		q.n--
		return true
	}
	return false
}

func (q *readyQueue) count(pid ir.ProcessID) int {
	c := 0
	for i := 0; i < q.n; i++ {
		if q.at(i) == pid {
			c++
		}
	}
	return c
}

func (q *readyQueue) len() int {
	return q.n
}

// ids returns the queue contents head first.
func (q *readyQueue) ids() []ir.ProcessID {
	out := make([]ir.ProcessID, 0, q.n)
	for i := 0; i < q.n; i++ {
		out = append(out, q.at(i))
	}
	return out
}
