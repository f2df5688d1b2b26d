package capture

import (
	"sync"

	"github.com/openscribe/scribe-core/internal/protocol"
)

// FrameQueue is the bounded capture buffer between the mic loop and the
// network sender. When full, the oldest frame is dropped: recency is worth
// more than completeness for live speech. Single producer, single consumer.
type FrameQueue struct {
	mu      sync.Mutex
	frames  []protocol.AudioFrame
	cap     int
	dropped uint64
	notify  chan struct{}
	closed  bool
}

func NewFrameQueue(capacity int) *FrameQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &FrameQueue{
		cap:    capacity,
		notify: make(chan struct{}, 1),
	}
}

// Push enqueues a frame, evicting the oldest when at capacity.
// It reports whether an old frame was dropped to make room.
func (q *FrameQueue) Push(frame protocol.AudioFrame) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	var evicted bool
	if len(q.frames) >= q.cap {
		q.frames = q.frames[1:]
		q.dropped++
		evicted = true
	}
	q.frames = append(q.frames, frame)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return evicted
}

// Pop removes and returns the oldest queued frame. The second return is
// false when the queue is empty.
func (q *FrameQueue) Pop() (protocol.AudioFrame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return protocol.AudioFrame{}, false
	}
	frame := q.frames[0]
	q.frames = q.frames[1:]
	return frame, true
}

// Wait returns a channel that receives a signal when frames arrive.
func (q *FrameQueue) Wait() <-chan struct{} {
	return q.notify
}

func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Dropped reports how many frames were evicted since creation.
func (q *FrameQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Close marks the queue closed; further pushes are ignored.
func (q *FrameQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}
