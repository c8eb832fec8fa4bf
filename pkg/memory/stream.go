package memory

import "sync"

// Stream is a per-context device stream. Cross-memory-space copies are
// enqueued on it and only become visible after Synchronize, which is
// how the execution core amortizes synchronization cost: issue every
// scattered copy first, sync once.
//
// A stream is owned by exactly one execution context and touched only
// by that context's worker; the mutex exists so stats readers can poll
// the pending depth without racing the worker.
type Stream struct {
	device int64

	mu      sync.Mutex
	pending []func()
}

// NewStream creates a stream bound to a device.
func NewStream(device int64) *Stream {
	return &Stream{device: device}
}

// Device returns the device the stream is bound to.
func (s *Stream) Device() int64 {
	return s.device
}

func (s *Stream) enqueue(f func()) {
	s.mu.Lock()
	s.pending = append(s.pending, f)
	s.mu.Unlock()
}

// Pending returns the number of transfers not yet synchronized.
func (s *Stream) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Synchronize blocks until every transfer issued on the stream has
// completed, in issue order.
func (s *Stream) Synchronize() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, f := range pending {
		f()
	}
}
