package market

import (
	"sync"
	"sync/atomic"
)

// Subscription is a bounded mailbox that drops its oldest message when full,
// so a slow consumer never stalls the poll loop.
type Subscription struct {
	symbols map[string]struct{}
	ch      chan Message

	mu      sync.Mutex
	closed  bool
	dropped atomic.Uint64
}

func newSubscription(symbols []string, buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	s := &Subscription{symbols: make(map[string]struct{}, len(symbols)), ch: make(chan Message, buffer)}
	for _, sym := range symbols {
		s.symbols[sym] = struct{}{}
	}
	return s
}

// C returns the receive side of the mailbox. It is closed when the feed stops.
func (s *Subscription) C() <-chan Message { return s.ch }

// Dropped returns how many messages were evicted.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscription) wants(symbol string) bool {
	_, ok := s.symbols[symbol]
	return ok
}

// offer enqueues m, evicting the oldest queued message if necessary.
func (s *Subscription) offer(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- m:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
