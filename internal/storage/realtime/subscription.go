package realtime

import (
	"slices"
	"sync"

	"github.com/BearBump/CourierTrack/internal/broker/messages"
)

// Filter selects change events. Empty Table or Events match everything.
type Filter struct {
	Table  string
	Events []messages.EventType
	Match  func(messages.OrderChanged) bool
}

func (f Filter) matches(ev messages.OrderChanged) bool {
	if f.Table != "" && ev.Table != f.Table {
		return false
	}
	if len(f.Events) > 0 && !slices.Contains(f.Events, ev.Type) {
		return false
	}
	return f.Match == nil || f.Match(ev)
}

type Subscription struct {
	events <-chan messages.OrderChanged
	cancel func()
	once   sync.Once
	done   chan struct{}

	errMu sync.Mutex
	err   error
}

func newSubscription(events <-chan messages.OrderChanged, cancel func()) *Subscription {
	return &Subscription{events: events, cancel: cancel, done: make(chan struct{})}
}

// NewSubscription wraps an existing event channel. cancel is called once by
// Cancel and is expected to close events.
func NewSubscription(events <-chan messages.OrderChanged, cancel func()) *Subscription {
	return &Subscription{events: events, cancel: cancel}
}

// Events is closed when the subscription ends.
func (s *Subscription) Events() <-chan messages.OrderChanged {
	return s.events
}

// Cancel stops delivery and, for feed-backed subscriptions, waits for the consumer to exit.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
	if s.done != nil {
		<-s.done
	}
}

// Err reports why the feed stopped on its own, if it did.
func (s *Subscription) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Subscription) setErr(err error) {
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
}
