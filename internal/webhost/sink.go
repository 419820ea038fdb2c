package webhost

import "sync"

// sinkBuffer bounds events queued for one utterance or recognition.
const sinkBuffer = 256

// sink feeds host events for one operation into a channel. Sends never block
// the peer's delivery goroutine; when the consumer falls behind, events are
// dropped and the channel close still marks the end.
type sink[T any] struct {
	mu     sync.Mutex
	ch     chan T
	closed bool
}

func (s *sink[T]) push(v T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- v:
		return true
	default:
		return false
	}
}

// close reports whether the sink was still open.
func (s *sink[T]) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.ch)
	return true
}

type sinks[T any] struct {
	mu  sync.Mutex
	set map[string]*sink[T]
}

func newSinks[T any]() *sinks[T] {
	return &sinks[T]{set: make(map[string]*sink[T])}
}

func (s *sinks[T]) open(id string) *sink[T] {
	k := &sink[T]{ch: make(chan T, sinkBuffer)}
	s.mu.Lock()
	s.set[id] = k
	s.mu.Unlock()
	return k
}

func (s *sinks[T]) get(id string) (*sink[T], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.set[id]
	return k, ok
}

// remove closes and forgets the sink for id, reporting whether it was open.
func (s *sinks[T]) remove(id string) bool {
	s.mu.Lock()
	k, ok := s.set[id]
	delete(s.set, id)
	s.mu.Unlock()
	return ok && k.close()
}
