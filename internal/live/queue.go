package live

import (
	"github.com/eleven-am/voice-live/internal/protocol"
	"github.com/gammazero/deque"
)

type pendingFrame struct {
	frameType protocol.FrameType
	data      []byte
}

// pendingQueue holds frames sent before the session was ready. Delivery is
// at-least-once: a frame whose send fails goes back to the front, so order
// among unsent frames never changes. Push refuses frames beyond limit;
// requeued frames were already counted and are always taken back.
type pendingQueue struct {
	frames deque.Deque[pendingFrame]
	limit  int
}

func (q *pendingQueue) Push(f pendingFrame) bool {
	if q.limit > 0 && q.frames.Len() >= q.limit {
		return false
	}
	q.frames.PushBack(f)
	return true
}

func (q *pendingQueue) Pop() (pendingFrame, bool) {
	if q.frames.Len() == 0 {
		return pendingFrame{}, false
	}
	return q.frames.PopFront(), true
}

func (q *pendingQueue) RequeueFront(f pendingFrame) {
	q.frames.PushFront(f)
}

func (q *pendingQueue) Len() int {
	return q.frames.Len()
}

func (q *pendingQueue) Clear() {
	q.frames.Clear()
}
