package relay

import (
	"sync"
	"sync/atomic"

	"github.com/nbd-wtf/go-nostr"
)

// Subscription lifecycle: Pending from send until the first frame,
// Streaming while frames accumulate, then one terminal state that releases
// the id.
const (
	subPending int32 = iota
	subStreaming
	subCompleted
	subCancelled
	subErrored
)

// Subscription is one logical stream multiplexed over a client connection.
type Subscription struct {
	ID string

	// Events yields matching events as they arrive.
	Events chan *nostr.Event

	// EndOfStored is closed when the relay signals the end of stored
	// events. For long-lived subscriptions this is a marker, not a
	// terminator: live events keep flowing afterwards.
	EndOfStored chan struct{}

	client    *Client
	state     atomic.Int32
	eoseOnce  sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

func newSubscription(c *Client, id string) *Subscription {
	s := &Subscription{
		ID:          id,
		Events:      make(chan *nostr.Event, 100),
		EndOfStored: make(chan struct{}),
		client:      c,
		done:        make(chan struct{}),
	}
	s.state.Store(subPending)
	return s
}

// deliver hands one event to the subscription. After Close no event is
// delivered; a full buffer blocks until the consumer drains or the
// subscription or connection ends.
func (s *Subscription) deliver(evt *nostr.Event) {
	s.state.CompareAndSwap(subPending, subStreaming)
	select {
	case <-s.done:
	case <-s.client.done:
	case s.Events <- evt:
	}
}

func (s *Subscription) markEndOfStored() {
	s.state.CompareAndSwap(subPending, subStreaming)
	s.eoseOnce.Do(func() {
		close(s.EndOfStored)
	})
}

// Close cancels the subscription. Safe to call multiple times; after it
// returns no further event is delivered.
func (s *Subscription) Close() {
	s.terminate(subCancelled)
}

func (s *Subscription) terminate(terminal int32) {
	s.closeOnce.Do(func() {
		s.state.Store(terminal)
		close(s.done)
		s.client.closeSubscription(s.ID)
	})
}

// State reports the subscription lifecycle state, for diagnostics.
func (s *Subscription) State() int32 {
	return s.state.Load()
}
