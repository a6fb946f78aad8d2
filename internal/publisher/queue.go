package publisher

import "sync"

// Queue is a bounded FIFO that drops its oldest element when full. Push
// never blocks.
type Queue struct {
	mu      sync.Mutex
	items   [][]byte
	head    int
	size    int
	dropped int64
	ready   chan struct{}
}

// NewQueue returns a queue holding at most hwm frames.
func NewQueue(hwm int) *Queue {
	if hwm < 1 {
		hwm = 1
	}
	return &Queue{items: make([][]byte, hwm), ready: make(chan struct{}, 1)}
}

// Push appends frame and reports whether the oldest frame was dropped to
// make room.
func (q *Queue) Push(frame []byte) bool {
	q.mu.Lock()
	dropped := false
	capacity := len(q.items)
	if q.size == capacity {
		q.head = (q.head + 1) % capacity
		q.size--
		q.dropped++
		dropped = true
	}
	q.items[(q.head+q.size)%capacity] = frame
	q.size++
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return dropped
}

// Drain removes and returns everything queued, oldest first.
func (q *Queue) Drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([][]byte, 0, q.size)
	for q.size > 0 {
		out = append(out, q.items[q.head])
		q.items[q.head] = nil
		q.head = (q.head + 1) % len(q.items)
		q.size--
	}
	return out
}

// Ready is signalled after a Push.
func (q *Queue) Ready() <-chan struct{} { return q.ready }

// Len returns the number of queued frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Dropped returns how many frames were discarded.
func (q *Queue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
