// Package coordinator implements the SyncCoordinator (spec.md §4.1): the
// single-writer state machine that serializes every network-bound sync
// task — health probe, mutation flush, change-log pull, and the one-time
// bootstrap — and coalesces concurrent triggers into at most one in-flight
// pass plus at most one queued rerun.
//
// The coordinator is one goroutine owning all mutable sync state and a
// bounded request channel, per the design notes' "actor-isolated
// coordinator -> single owning task + channels": it generalizes the
// teacher's Syncer (internal/syncer/syncer.go), which owned currentBlock/
// latestBlock/isHealthy behind a single Start(ctx) loop, from a
// backfill/realtime block-height state machine into the Idle/
// HealthChecking/Flushing/Pulling/RateLimited/Error machine spec.md §4.1
// names.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/daylogapp/daylog-sync/internal/bootstrap"
	"github.com/daylogapp/daylog-sync/internal/changefeed"
	"github.com/daylogapp/daylog-sync/internal/circuit"
	"github.com/daylogapp/daylog-sync/internal/clock"
	"github.com/daylogapp/daylog-sync/internal/health"
	"github.com/daylogapp/daylog-sync/internal/models"
	"github.com/daylogapp/daylog-sync/internal/mutation"
	"github.com/daylogapp/daylog-sync/internal/netclient"
	"github.com/daylogapp/daylog-sync/internal/progress"
	"github.com/daylogapp/daylog-sync/internal/store"
	"github.com/daylogapp/daylog-sync/internal/syncmetrics"
)

// State enumerates the coordinator's state machine (spec.md §4.1).
type State string

const (
	StateIdle           State = "idle"
	StateHealthChecking State = "health_checking"
	StateFlushing       State = "flushing"
	StatePulling        State = "pulling"
	StateRateLimited    State = "rate_limited"
	StateError          State = "error"
)

// Status is a point-in-time snapshot of the coordinator, safe to read from
// any goroutine via Status().
type Status struct {
	State       State
	RetryUntil  time.Time
	Pending     int
	LastErrKind string
	Trips       int
}

// Config carries the tunables named in spec.md §6; zero values fall back
// to the package defaults each subcomponent already applies.
// MutationMaxAttempts and HealthTTL are accepted but not read: the mutation
// queue always uses mutation.MaxAttempts and the health checker always uses
// health.TTL.
type Config struct {
	BatchSize           int
	PullPageLimit       int
	MaxPagesPerSync     int
	MutationMaxAttempts int
	SyncTotalDeadline   time.Duration
	HealthTTL           time.Duration
	Circuit             circuit.Params
}

// Coordinator is the SyncCoordinator (spec.md §4.1).
type Coordinator struct {
	logger zerolog.Logger
	store  store.DataStore
	client netclient.Client
	clock  clock.Clock
	sink   *progress.Sink

	queue     *mutation.Queue
	feed      *changefeed.Feed
	bootstrap *bootstrap.Fetcher
	breaker   *circuit.Breaker
	health    *health.Checker

	deadline time.Duration

	wakeCh  chan struct{}
	stopCh  chan struct{}
	stopped bool

	mu           sync.Mutex
	running      bool
	rerunPending bool
	status       Status

	replay *ReplayBuffer
}

// New wires a Coordinator from its five contracts (store, client, clock,
// sink, config) plus the subcomponents built over them. replay may be a
// buffer the host started filling before the coordinator was constructed
// (spec.md §5, §9); pass a freshly-created one if there is nothing to
// replay.
func New(logger zerolog.Logger, s store.DataStore, client netclient.Client, c clock.Clock, sink *progress.Sink, replay *ReplayBuffer, cfg Config) *Coordinator {
	log := logger.With().Str("component", "coordinator").Logger()

	circParams := cfg.Circuit
	if circParams == (circuit.Params{}) {
		circParams = circuit.DefaultParams()
	}
	deadline := cfg.SyncTotalDeadline
	if deadline <= 0 {
		deadline = 120 * time.Second
	}

	breaker := circuit.New(circParams, c)
	dispatcher := changefeed.NewDispatcher()

	return &Coordinator{
		logger:    log,
		store:     s,
		client:    client,
		clock:     c,
		sink:      sink,
		queue:     mutation.New(s, c, cfg.BatchSize),
		feed:      changefeed.New(client, s, dispatcher, c, cfg.PullPageLimit, cfg.MaxPagesPerSync),
		bootstrap: bootstrap.New(client, s, log),
		breaker:   breaker,
		health:    health.New(client, c),
		deadline:  deadline,
		wakeCh:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		status:    Status{State: StateIdle},
		replay:    replay,
	}
}

// Start launches the coordinator's owning goroutine. It drains the
// background-launch replay buffer first (spec.md §5, §9) and returns
// immediately; call Stop to shut it down.
func (c *Coordinator) Start(ctx context.Context) {
	if c.replay != nil {
		c.replay.DrainInto(func(reason string) { c.Trigger(reason) })
	}
	go c.loop(ctx)
}

// Stop requests cancellation at the next suspension point (spec.md §5).
// It is idempotent.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()
	close(c.stopCh)
}

// Trigger requests a sync pass. If one is already running, it marks
// rerun_pending so the in-flight pass re-enters immediately on completion
// instead of dispatching a second concurrent pass (spec.md §4.1 "coalesce
// bursts"). Trigger never blocks the caller.
func (c *Coordinator) Trigger(reason string) {
	c.mu.Lock()
	if c.running {
		c.rerunPending = true
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	select {
	case c.wakeCh <- struct{}{}:
	default:
		// A wake is already queued; the loop will pick it up and the
		// running flag dedupes any further bursts.
	}
}

// TriggerAndWait requests a sync pass and blocks until a pass publishes a
// terminal state (Idle, Success, Offline, CaptivePortal, RateLimited, or
// Error) for this or a coalesced rerun pass — the "attach observer to
// in-flight completion future" contract from spec.md §4.1, implemented by
// subscribing to the ProgressSink rather than a dedicated future type.
func (c *Coordinator) TriggerAndWait(ctx context.Context, key, reason string) {
	ch := c.sink.Subscribe(key)
	defer c.sink.Unsubscribe(key)

	// Subscribe seeds the channel with the sink's current state, which
	// belongs to an earlier pass; discard it before triggering.
	for drained := false; !drained; {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			drained = true
		}
	}

	c.Trigger(reason)

	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-ch:
			if !ok {
				return
			}
			switch st.Kind {
			case progress.Idle, progress.RateLimited, progress.Error, progress.Success, progress.Offline, progress.CaptivePortal:
				return
			}
		}
	}
}

// Status returns a snapshot safe to read from any goroutine.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Coordinator) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-c.wakeCh:
			c.runUntilDrained(ctx)
		}
	}
}

// runUntilDrained performs one sync pass, and if a burst of triggers
// arrived while it ran, re-enters immediately — satisfying the
// rerun_pending coalescing contract without ever running two passes
// concurrently (P1).
func (c *Coordinator) runUntilDrained(ctx context.Context) {
	for {
		c.mu.Lock()
		c.running = true
		c.rerunPending = false
		c.mu.Unlock()

		c.performPass(ctx)

		c.mu.Lock()
		rerun := c.rerunPending
		c.running = false
		c.mu.Unlock()

		if !rerun {
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (c *Coordinator) setState(state State, retryUntil time.Time, pending int, errKind string) {
	c.mu.Lock()
	c.status = Status{State: state, RetryUntil: retryUntil, Pending: pending, LastErrKind: errKind, Trips: c.breaker.Trips()}
	c.mu.Unlock()

	switch state {
	case StateRateLimited:
		syncmetrics.CircuitOpen.Set(1)
	case StateIdle:
		if !c.breaker.IsTripped() {
			syncmetrics.CircuitOpen.Set(0)
		}
	}
}

func (c *Coordinator) appendHistory(ctx context.Context, entry models.SyncHistoryEntry) {
	if err := c.store.AppendHistory(ctx, entry); err != nil {
		c.logger.Warn().Err(err).Msg("failed to append sync history")
	}
}
