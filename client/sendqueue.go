package client

import (
	"log/slog"
	"sync"
)

// sendQueue buffers encoded outbound frames until the connection is
// up, then flushes them in order — adapted from the teacher's
// transport/sender.Sender, minus the sequence-number/retransmit-buffer
// half of its job: there's no resume protocol here, only "don't lose
// what was sent before open."
type sendQueue struct {
	mu        sync.Mutex
	pending   [][]byte
	connected bool
	sendFn    func([]byte) error
	logger    *slog.Logger
}

func newSendQueue(sendFn func([]byte) error) *sendQueue {
	return &sendQueue{sendFn: sendFn, logger: slog.Default()}
}

// enqueue appends frame to the tail of the queue and flushes
// immediately if the connection is already up.
func (q *sendQueue) enqueue(frame []byte) {
	q.mu.Lock()
	q.pending = append(q.pending, frame)
	q.mu.Unlock()
	q.flush()
}

// setConnected toggles the flush gate. Transitioning to true triggers
// an immediate flush of whatever built up while disconnected.
func (q *sendQueue) setConnected(connected bool) {
	q.mu.Lock()
	q.connected = connected
	q.mu.Unlock()
	if connected {
		q.flush()
	}
}

func (q *sendQueue) flush() {
	q.mu.Lock()
	if !q.connected || len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}
	frames := q.pending
	q.pending = nil
	q.mu.Unlock()

	for i, f := range frames {
		if err := q.sendFn(f); err != nil {
			q.logger.Warn("client: send failed mid-flush, re-queueing remainder", "error", err)
			q.mu.Lock()
			q.pending = append(append([][]byte{}, frames[i:]...), q.pending...)
			q.mu.Unlock()
			return
		}
	}
}
