package relayproto

import "sync"

// InputQueue is an unbounded FIFO of byte chunks with a readiness signal.
// Producers never block, so a UI thread can enqueue keystrokes while the
// consumer is stuck writing to a slow peer. Chunks are never merged or
// reordered; each Push becomes exactly one Data frame.
type InputQueue struct {
	mu     sync.Mutex
	items  [][]byte
	closed bool
	ready  chan struct{}
}

func NewInputQueue() *InputQueue {
	return &InputQueue{ready: make(chan struct{}, 1)}
}

// Push appends a copy of p. It returns false if the queue is closed.
func (q *InputQueue) Push(p []byte) bool {
	if len(p) == 0 {
		return true
	}
	buf := make([]byte, len(p))
	copy(buf, p)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, buf)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// Ready is signalled after a Push. A consumer should Drain after every
// receive; one signal may cover several pushes.
func (q *InputQueue) Ready() <-chan struct{} {
	return q.ready
}

// Drain removes and returns all pending chunks in push order.
func (q *InputQueue) Drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Len reports the number of pending chunks.
func (q *InputQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further pushes. Pending chunks remain drainable.
func (q *InputQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// SizeSlot holds at most one pending terminal size. Setting a new size
// replaces any size not yet taken, so a consumer that falls behind only
// ever observes the most recent request.
type SizeSlot struct {
	mu      sync.Mutex
	pending Size
	has     bool
	applied Size
	ready   chan struct{}
}

func NewSizeSlot() *SizeSlot {
	return &SizeSlot{ready: make(chan struct{}, 1)}
}

// Set records size as the latest request.
func (s *SizeSlot) Set(size Size) {
	s.mu.Lock()
	s.pending = size
	s.has = true
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
}

func (s *SizeSlot) Ready() <-chan struct{} {
	return s.ready
}

// Take returns the latest pending size and clears it. ok is false when
// nothing is pending or the pending size equals the last size taken.
func (s *SizeSlot) Take() (size Size, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.has {
		return Size{}, false
	}
	s.has = false
	if s.pending == s.applied {
		return Size{}, false
	}
	s.applied = s.pending
	return s.pending, true
}

// MarkApplied records size as already in effect, e.g. the initial size
// sent in the Hello, so an identical Set is not forwarded again.
func (s *SizeSlot) MarkApplied(size Size) {
	s.mu.Lock()
	s.applied = size
	s.mu.Unlock()
}
