package client

import "sync"

// frameQueue buffers outbound frames while the transport is disconnected.
// It is a bounded FIFO: overflow drops the oldest frame, keeping delivery
// best effort instead of unbounded.
type frameQueue struct {
	mu      sync.Mutex
	frames  [][]byte
	limit   int
	dropped int
}

func newFrameQueue(limit int) *frameQueue {
	if limit <= 0 {
		limit = defaultQueueLimit
	}
	return &frameQueue{limit: limit}
}

// Push appends a frame, reporting whether the oldest one was dropped to
// make room.
func (q *frameQueue) Push(frame []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	overflowed := false
	if len(q.frames) >= q.limit {
		q.frames = q.frames[1:]
		q.dropped++
		overflowed = true
	}
	q.frames = append(q.frames, frame)
	return overflowed
}

// PushFront puts frames back at the head of the queue, ahead of anything
// queued since they were drained. Used when a flush fails partway so the
// unsent remainder keeps its place in line. Overflow still drops oldest.
func (q *frameQueue) PushFront(frames [][]byte) {
	if len(frames) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.frames = append(append([][]byte{}, frames...), q.frames...)
	for len(q.frames) > q.limit {
		q.frames = q.frames[1:]
		q.dropped++
	}
}

// Drain removes and returns all queued frames in FIFO order.
func (q *frameQueue) Drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	frames := q.frames
	q.frames = nil
	return frames
}

func (q *frameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

func (q *frameQueue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
