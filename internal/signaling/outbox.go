package signaling

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	errOutboxClosed = errors.New("outbox closed")
	errOutboxFull   = errors.New("outbox full")
)

// outbox is the byte-bounded FIFO of encoded frames waiting for a
// connection's writer goroutine.
//
// Events are dropped once the byte budget is used up. Responses bypass the
// budget: requests are read one at a time, so at most one response per
// request is ever queued.
type outbox struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool

	maxBytes int
	curBytes int
	frames   [][]byte

	drops atomic.Uint64
}

func newOutbox(maxBytes int) *outbox {
	q := &outbox{maxBytes: maxBytes}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

func (q *outbox) DropCount() uint64 {
	return q.drops.Load()
}

// Enqueue appends frame if it fits within the byte budget. It never blocks.
func (q *outbox) Enqueue(frame []byte) error {
	return q.push(frame, false)
}

// EnqueueResponse appends frame regardless of the byte budget.
func (q *outbox) EnqueueResponse(frame []byte) error {
	return q.push(frame, true)
}

func (q *outbox) push(frame []byte, force bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errOutboxClosed
	}
	if !force && q.curBytes+len(frame) > q.maxBytes {
		q.drops.Add(1)
		return errOutboxFull
	}

	q.frames = append(q.frames, frame)
	q.curBytes += len(frame)
	q.notEmpty.Signal()
	return nil
}

// Dequeue blocks until a frame is available or the queue is closed and empty.
func (q *outbox) Dequeue() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.frames) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.frames) == 0 {
		return nil, false
	}
	frame := q.frames[0]
	copy(q.frames, q.frames[1:])
	q.frames[len(q.frames)-1] = nil
	q.frames = q.frames[:len(q.frames)-1]
	q.curBytes -= len(frame)
	return frame, true
}

// Close discards queued frames and wakes the writer.
func (q *outbox) Close() {
	q.mu.Lock()
	q.closed = true
	for i := range q.frames {
		q.frames[i] = nil
	}
	q.frames = nil
	q.curBytes = 0
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}
