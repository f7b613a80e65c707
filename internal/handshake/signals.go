package handshake

import (
	"sync"
)

// Signals routes push-style "renderer ready" notifications to the handshake
// waiting on that context. Subscribing before injection means a signal that
// arrives early is still observed.
type Signals struct {
	mu   sync.Mutex
	subs map[int64]map[*Subscription]struct{}
}

// NewSignals creates an empty signal hub
func NewSignals() *Signals {
	return &Signals{subs: make(map[int64]map[*Subscription]struct{})}
}

// Subscription is a single-use listener for one context
type Subscription struct {
	contextID  int64
	hub        *Signals
	ready      chan struct{}
	cancelled  chan struct{}
	closeOnce  sync.Once
	cancelOnce sync.Once
}

// Subscribe registers a listener for contextID. Callers must Close it.
func (s *Signals) Subscribe(contextID int64) *Subscription {
	sub := &Subscription{
		contextID: contextID,
		hub:       s,
		ready:     make(chan struct{}, 1),
		cancelled: make(chan struct{}),
	}

	s.mu.Lock()
	if s.subs[contextID] == nil {
		s.subs[contextID] = make(map[*Subscription]struct{})
	}
	s.subs[contextID][sub] = struct{}{}
	s.mu.Unlock()

	return sub
}

// Notify delivers a ready signal to every listener of contextID and returns
// how many were reached. Signals with no listener are dropped.
func (s *Signals) Notify(contextID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for sub := range s.subs[contextID] {
		select {
		case sub.ready <- struct{}{}:
		default:
		}
		n++
	}
	return n
}

// Cancel forces every listener of contextID into the cancelled state
func (s *Signals) Cancel(contextID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for sub := range s.subs[contextID] {
		sub.cancel()
		n++
	}
	return n
}

// CancelAll cancels every listener
func (s *Signals) CancelAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, subs := range s.subs {
		for sub := range subs {
			sub.cancel()
			n++
		}
	}
	return n
}

// Count returns the number of registered listeners
func (s *Signals) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, subs := range s.subs {
		n += len(subs)
	}
	return n
}

func (s *Signals) remove(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := s.subs[sub.contextID]
	delete(subs, sub)
	if len(subs) == 0 {
		delete(s.subs, sub.contextID)
	}
}

// Ready fires when the renderer reported ready
func (sub *Subscription) Ready() <-chan struct{} {
	return sub.ready
}

// Cancelled is closed when the hub cancels this listener
func (sub *Subscription) Cancelled() <-chan struct{} {
	return sub.cancelled
}

// Close deregisters the listener. Safe to call more than once.
func (sub *Subscription) Close() {
	sub.closeOnce.Do(func() {
		sub.hub.remove(sub)
	})
}

func (sub *Subscription) cancel() {
	sub.cancelOnce.Do(func() {
		close(sub.cancelled)
	})
}
