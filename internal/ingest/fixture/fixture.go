// Package fixture provides a deterministic in-memory ingest.Source
// backed by a fixed slice of events, for tests and cmd/hyperproj-bench.
package fixture

import (
	"sync"

	"github.com/luxfi/hyperproj/internal/ingest"
)

// Source replays a fixed event log in order, once, over a channel.
// Ack/Resume are recorded but otherwise no-ops: a fixed fixture has
// nothing to resume from except its own start.
type Source struct {
	events chan ingest.Event

	mu       sync.Mutex
	acked    int64
	resumeAt int64
	closed   bool
}

// New constructs a Source that replays log in order then closes its
// channel. bufferSize sizes the channel so producing the whole log
// doesn't block on a slow consumer during tests.
func New(log []ingest.Event, bufferSize int) *Source {
	if bufferSize <= 0 {
		bufferSize = len(log)
		if bufferSize == 0 {
			bufferSize = 1
		}
	}
	s := &Source{events: make(chan ingest.Event, bufferSize)}
	go func() {
		defer close(s.events)
		for _, e := range log {
			s.mu.Lock()
			skip := e.Ordering <= s.resumeAt
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			if skip {
				continue
			}
			s.events <- e
		}
	}()
	return s
}

func (s *Source) Events() <-chan ingest.Event { return s.events }

func (s *Source) Ack(ordering int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ordering > s.acked {
		s.acked = ordering
	}
	return nil
}

func (s *Source) Resume(from int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumeAt = from
	return nil
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
