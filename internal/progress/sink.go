// Package progress implements ProgressSink (spec.md §4.7): a single
// goroutine owns the current State and fans it out to per-subscriber
// buffered channels, generalizing the "actor-isolated -> single owning
// task + channels" pattern the design notes call for in place of mutable
// observable properties.
package progress

import (
	"context"
)

// Kind enumerates the states a subscriber may observe.
type Kind string

const (
	Idle              Kind = "idle"
	Checking          Kind = "checking"
	Syncing           Kind = "syncing"
	Pulling           Kind = "pulling"
	RateLimited       Kind = "rate_limited"
	Offline           Kind = "offline"
	CaptivePortal     Kind = "captive_portal"
	Error             Kind = "error"
	Success           Kind = "success"
	Bootstrapping     Kind = "bootstrapping"
	BootstrapComplete Kind = "bootstrap_complete"
)

// State is the tagged union every subscriber receives. Only the fields
// relevant to Kind are meaningful; the rest are zero.
type State struct {
	Kind Kind

	// Syncing
	Synced int
	Total  int

	// Pulling
	Applied int

	// RateLimited
	RetryAfterS int
	Pending     int

	// Error
	ErrKind string
	Detail  string

	// Success
	Pushed     int
	Pulled     int
	DurationMS int64

	// BootstrapComplete
	BootstrapEventTypes   int
	BootstrapGeofences    int
	BootstrapEvents       int
	BootstrapPropertyDefs int
	PostMigrationResync   bool
}

type subscription struct {
	key string
	ch  chan State
}

type subscribeReq struct {
	key  string
	resp chan chan State
}

type unsubscribeReq struct {
	key string
}

// Sink owns the current State behind a single goroutine; Publish and
// Subscribe communicate with it over channels rather than a mutex, so a
// slow subscriber can never block a publisher.
type Sink struct {
	publishCh   chan State
	subscribeCh chan subscribeReq
	unsubCh     chan unsubscribeReq
	closeCh     chan struct{}
}

// subscriberBuffer is how many states a subscriber channel holds before
// Publish starts dropping its oldest unread state rather than blocking.
const subscriberBuffer = 8

// New creates a Sink and starts its owning goroutine. Cancel ctx to stop it.
func New(ctx context.Context) *Sink {
	s := &Sink{
		publishCh:   make(chan State),
		subscribeCh: make(chan subscribeReq),
		unsubCh:     make(chan unsubscribeReq),
		closeCh:     make(chan struct{}),
	}
	go s.run(ctx)
	return s
}

func (s *Sink) run(ctx context.Context) {
	current := State{Kind: Idle}
	subs := map[string]chan State{}

	defer func() {
		for _, ch := range subs {
			close(ch)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closeCh:
			return
		case st := <-s.publishCh:
			current = st
			for _, ch := range subs {
				deliver(ch, st)
			}
		case req := <-s.subscribeCh:
			ch, ok := subs[req.key]
			if !ok {
				ch = make(chan State, subscriberBuffer)
				subs[req.key] = ch
			}
			deliver(ch, current)
			req.resp <- ch
		case req := <-s.unsubCh:
			if ch, ok := subs[req.key]; ok {
				close(ch)
				delete(subs, req.key)
			}
		}
	}
}

// deliver pushes st onto ch, dropping the oldest buffered state if full so
// a subscriber that never reads cannot stall the publisher.
func deliver(ch chan State, st State) {
	for {
		select {
		case ch <- st:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}

// Publish sets the current state and fans it out to every subscriber.
func (s *Sink) Publish(st State) {
	select {
	case s.publishCh <- st:
	case <-s.closeCh:
	}
}

// Subscribe returns the channel for key, creating it (seeded with the
// current state) on first use — spec.md's "lazy, single-subscriber-per-key"
// contract.
func (s *Sink) Subscribe(key string) <-chan State {
	resp := make(chan chan State, 1)
	select {
	case s.subscribeCh <- subscribeReq{key: key, resp: resp}:
		return <-resp
	case <-s.closeCh:
		closed := make(chan State)
		close(closed)
		return closed
	}
}

// Unsubscribe closes and removes key's channel.
func (s *Sink) Unsubscribe(key string) {
	select {
	case s.unsubCh <- unsubscribeReq{key: key}:
	case <-s.closeCh:
	}
}

// Stop shuts the owning goroutine down and closes all subscriber channels.
func (s *Sink) Stop() {
	close(s.closeCh)
}
