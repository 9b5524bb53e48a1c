package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/daylogapp/daylog-sync/internal/changefeed"
	"github.com/daylogapp/daylog-sync/internal/models"
	"github.com/daylogapp/daylog-sync/internal/netclient"
	"github.com/daylogapp/daylog-sync/internal/progress"
	"github.com/daylogapp/daylog-sync/internal/syncmetrics"
)

// performPass runs the steps 1-7 algorithm from spec.md §4.1 exactly once.
// The single-flight guard and rerun_pending coalescing live in
// runUntilDrained; this method assumes it already holds the single writer
// slot.
func (c *Coordinator) performPass(ctx context.Context) {
	started := c.clock.Now()
	passCtx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()

	c.setState(StateHealthChecking, time.Time{}, 0, "")
	c.sink.Publish(progress.State{Kind: progress.Checking})

	hs, err := c.health.Check(passCtx)
	if err != nil || (!hs.Reachable && !hs.CaptivePortal) {
		c.logger.Warn().Err(err).Msg("sync pass aborted: unreachable")
		c.sink.Publish(progress.State{Kind: progress.Offline})
		c.setState(StateIdle, time.Time{}, 0, string(netclient.KindOffline))
		c.recordHistory(ctx, started, "offline", 0, 0, "unreachable")
		syncmetrics.PassesTotal.WithLabelValues("offline").Inc()
		return
	}
	if hs.CaptivePortal {
		c.logger.Warn().Msg("sync pass aborted: captive portal detected")
		c.sink.Publish(progress.State{Kind: progress.CaptivePortal})
		c.setState(StateIdle, time.Time{}, 0, "captive_portal")
		c.recordHistory(ctx, started, "captive_portal", 0, 0, "captive portal")
		syncmetrics.PassesTotal.WithLabelValues("captive_portal").Inc()
		return
	}

	if c.breaker.IsTripped() {
		remaining := c.breaker.BackoffRemaining()
		pending, _ := c.store.CountPendingMutations(passCtx)
		c.logger.Info().Dur("remaining", remaining).Msg("circuit open, skipping pass")
		c.setState(StateRateLimited, c.clock.Now().Add(remaining), pending, string(netclient.KindRateLimited))
		c.sink.Publish(progress.State{Kind: progress.RateLimited, RetryAfterS: int(remaining / time.Second), Pending: pending})
		return
	}

	c.setState(StateFlushing, time.Time{}, 0, "")
	c.sink.Publish(progress.State{Kind: progress.Syncing})

	pushed, flushOutcome := c.flush(passCtx)
	if flushOutcome.rateLimited {
		c.tripOnRateLimit(passCtx, flushOutcome.retryAfter, pushed, started)
		return
	}
	if flushOutcome.fatal != nil {
		c.surfaceFatal(ctx, started, pushed, 0, flushOutcome.fatal)
		return
	}

	c.setState(StatePulling, time.Time{}, 0, "")
	pulled, pullOutcome := c.pull(passCtx)
	if pullOutcome.rateLimited {
		c.tripOnRateLimit(passCtx, pullOutcome.retryAfter, pushed, started)
		return
	}
	if pullOutcome.fatal != nil {
		c.surfaceFatal(ctx, started, pushed, pulled, pullOutcome.fatal)
		return
	}

	c.breaker.OnSuccess()
	pending, _ := c.store.CountPendingMutations(ctx)
	syncmetrics.PendingMutations.Set(float64(pending))

	duration := c.clock.Since(started)
	c.sink.Publish(progress.State{Kind: progress.Success, Pushed: pushed, Pulled: pulled, DurationMS: duration.Milliseconds()})
	c.setState(StateIdle, time.Time{}, pending, "")
	c.recordHistory(ctx, started, "success", pushed, pulled, "")
	syncmetrics.PassesTotal.WithLabelValues("success").Inc()
}

func (c *Coordinator) tripOnRateLimit(ctx context.Context, retryAfter time.Duration, pushed int, started time.Time) {
	tripsBefore := c.breaker.Trips()
	c.breaker.OnRateLimited(retryAfter)
	if c.breaker.Trips() > tripsBefore {
		syncmetrics.CircuitTrips.Inc()
	}

	remaining := c.breaker.BackoffRemaining()
	if retryAfter > remaining {
		remaining = retryAfter
	}
	pending, _ := c.store.CountPendingMutations(ctx)

	c.logger.Warn().Dur("retry_after", retryAfter).Int("trips", c.breaker.Trips()).Msg("rate limited")
	c.setState(StateRateLimited, c.clock.Now().Add(remaining), pending, string(netclient.KindRateLimited))
	c.sink.Publish(progress.State{Kind: progress.RateLimited, RetryAfterS: int(remaining / time.Second), Pending: pending})
	c.recordHistory(ctx, started, "rate_limited", pushed, 0, "rate limited")
	syncmetrics.PassesTotal.WithLabelValues("rate_limited").Inc()
}

func (c *Coordinator) surfaceFatal(ctx context.Context, started time.Time, pushed, pulled int, err error) {
	kind := netclient.KindFatal
	if ne, ok := netclient.As(err); ok {
		kind = ne.Kind
	}
	c.logger.Error().Err(err).Str("kind", string(kind)).Msg("sync pass error")
	c.sink.Publish(progress.State{Kind: progress.Error, ErrKind: string(kind), Detail: err.Error()})
	c.setState(StateIdle, time.Time{}, 0, string(kind))
	c.recordHistory(ctx, started, "error", pushed, pulled, err.Error())
	syncmetrics.SyncErrorsTotal.WithLabelValues(string(kind)).Inc()
	syncmetrics.PassesTotal.WithLabelValues("error").Inc()
}

func (c *Coordinator) recordHistory(ctx context.Context, started time.Time, status string, pushed, pulled int, errMsg string) {
	c.appendHistory(ctx, models.SyncHistoryEntry{
		StartedAt: started,
		Duration:  c.clock.Since(started),
		Status:    status,
		Pushed:    pushed,
		Pulled:    pulled,
		Error:     errMsg,
	})
}

// outcome is the shared result shape for flush/pull phases: at most one of
// rateLimited or fatal is meaningful at a time.
type outcome struct {
	rateLimited bool
	retryAfter  time.Duration
	fatal       error
}

// flush drains the mutation queue (spec.md §4.2): event-creates batched up
// to batch_size in one call, everything else applied one at a time, in the
// order NextBatches already produced (creates, updates, deletes; by
// created_ts within a kind).
func (c *Coordinator) flush(ctx context.Context) (pushed int, out outcome) {
	batches, err := c.queue.NextBatches(ctx)
	if err != nil {
		return 0, outcome{fatal: fmt.Errorf("flush: list batches: %w", err)}
	}

	for _, b := range batches {
		if err := ctx.Err(); err != nil {
			return pushed, outcome{fatal: err}
		}

		if len(b.EventCreates) > 0 {
			n, o := c.applyCreateBatch(ctx, b.EventCreates)
			pushed += n
			if o.rateLimited || o.fatal != nil {
				return pushed, o
			}
			continue
		}
		if b.Single != nil {
			o := c.applySingle(ctx, *b.Single)
			if o.rateLimited {
				return pushed, o
			}
			if o.fatal != nil {
				return pushed, o
			}
			pushed++
		}
	}
	return pushed, outcome{}
}

// applyCreateBatch posts up to batch_size event creates in one HTTP call
// (P6, B1) and reconciles per-item results against the pending queue.
func (c *Coordinator) applyCreateBatch(ctx context.Context, muts []models.PendingMutation) (int, outcome) {
	items := make([]netclient.EventCreate, len(muts))
	for i, m := range muts {
		ev, err := decodePayload[models.Event](m.Payload)
		if err != nil {
			return 0, outcome{fatal: fmt.Errorf("flush: decode event payload for %s: %w", m.TargetID, err)}
		}
		items[i] = netclient.EventCreate{IdempotencyKey: m.IdempotencyKey, Event: ev}
	}

	result, err := c.client.CreateEventsBatch(ctx, items)
	if err != nil {
		if ne, ok := netclient.As(err); ok && ne.Kind == netclient.KindRateLimited {
			return 0, outcome{rateLimited: true, retryAfter: ne.RetryAfter}
		}
		return 0, outcome{fatal: fmt.Errorf("flush: create batch: %w", err)}
	}

	succeeded := 0
	var validationFailed, exhausted []string
	for i, item := range result.Items {
		if i >= len(muts) {
			break
		}
		m := muts[i]
		tx, err := c.store.BeginTx(ctx)
		if err != nil {
			return succeeded, outcome{fatal: fmt.Errorf("flush: begin tx: %w", err)}
		}

		switch item.Status {
		case "ok", "conflict_ignored":
			if err := tx.RemovePending(m.ID); err != nil {
				_ = tx.Rollback()
				return succeeded, outcome{fatal: fmt.Errorf("flush: remove pending: %w", err)}
			}
			succeeded++
		case "validation_failed":
			if err := tx.RemovePending(m.ID); err != nil {
				_ = tx.Rollback()
				return succeeded, outcome{fatal: fmt.Errorf("flush: quarantine: %w", err)}
			}
			validationFailed = append(validationFailed, item.ID)
		default:
			isExhausted, err := c.queue.RecordFailure(ctx, tx, m.ID)
			if err != nil {
				_ = tx.Rollback()
				return succeeded, outcome{fatal: fmt.Errorf("flush: record failure: %w", err)}
			}
			if isExhausted {
				if err := tx.RemovePending(m.ID); err != nil {
					_ = tx.Rollback()
					return succeeded, outcome{fatal: fmt.Errorf("flush: quarantine exhausted: %w", err)}
				}
				exhausted = append(exhausted, item.ID)
			}
		}

		if err := tx.Commit(); err != nil {
			return succeeded, outcome{fatal: fmt.Errorf("flush: commit: %w", err)}
		}
	}

	syncmetrics.MutationsPushedTotal.Add(float64(succeeded))
	if len(validationFailed) > 0 {
		syncmetrics.MutationsQuarantinedTotal.WithLabelValues("validation_failed").Add(float64(len(validationFailed)))
		c.sink.Publish(progress.State{Kind: progress.Error, ErrKind: string(netclient.KindValidationFailed), Detail: fmt.Sprintf("%d item(s) failed validation", len(validationFailed))})
	}
	if len(exhausted) > 0 {
		syncmetrics.MutationsQuarantinedTotal.WithLabelValues("exhausted").Add(float64(len(exhausted)))
		c.sink.Publish(progress.State{Kind: progress.Error, ErrKind: string(netclient.KindExhausted), Detail: fmt.Sprintf("%d item(s) exhausted retries", len(exhausted))})
	}

	return succeeded, outcome{}
}

// applySingle issues one non-batched mutation (update, delete, or a
// non-event create) and reconciles the taxonomy result against the pending
// queue.
func (c *Coordinator) applySingle(ctx context.Context, m models.PendingMutation) outcome {
	err := c.client.ApplyMutation(ctx, m)
	if err == nil {
		return c.removePending(ctx, m.ID, func() { syncmetrics.MutationsPushedTotal.Inc() })
	}

	ne, ok := netclient.As(err)
	if !ok {
		return outcome{fatal: fmt.Errorf("flush: apply mutation %s: %w", m.TargetID, err)}
	}

	switch ne.Kind {
	case netclient.KindConflictIgnored:
		return c.removePending(ctx, m.ID, func() {})
	case netclient.KindRateLimited:
		return outcome{rateLimited: true, retryAfter: ne.RetryAfter}
	case netclient.KindValidationFailed:
		o := c.removePending(ctx, m.ID, func() {
			syncmetrics.MutationsQuarantinedTotal.WithLabelValues("validation_failed").Inc()
		})
		if o.fatal == nil {
			c.sink.Publish(progress.State{Kind: progress.Error, ErrKind: string(netclient.KindValidationFailed), Detail: ne.Detail})
		}
		return o
	case netclient.KindUnauthorized, netclient.KindForbidden:
		return outcome{fatal: ne}
	default:
		tx, txErr := c.store.BeginTx(ctx)
		if txErr != nil {
			return outcome{fatal: fmt.Errorf("flush: begin tx: %w", txErr)}
		}
		exhausted, recErr := c.queue.RecordFailure(ctx, tx, m.ID)
		if recErr != nil {
			_ = tx.Rollback()
			return outcome{fatal: fmt.Errorf("flush: record failure: %w", recErr)}
		}
		if exhausted {
			if err := tx.RemovePending(m.ID); err != nil {
				_ = tx.Rollback()
				return outcome{fatal: fmt.Errorf("flush: quarantine exhausted: %w", err)}
			}
		}
		if err := tx.Commit(); err != nil {
			return outcome{fatal: fmt.Errorf("flush: commit: %w", err)}
		}
		if exhausted {
			syncmetrics.MutationsQuarantinedTotal.WithLabelValues("exhausted").Inc()
			c.sink.Publish(progress.State{Kind: progress.Error, ErrKind: string(netclient.KindExhausted), Detail: ne.Detail})
			return outcome{}
		}
		return outcome{fatal: ne}
	}
}

func (c *Coordinator) removePending(ctx context.Context, id string, onSuccess func()) outcome {
	tx, err := c.store.BeginTx(ctx)
	if err != nil {
		return outcome{fatal: fmt.Errorf("flush: begin tx: %w", err)}
	}
	if err := tx.RemovePending(id); err != nil {
		_ = tx.Rollback()
		return outcome{fatal: fmt.Errorf("flush: remove pending: %w", err)}
	}
	if err := tx.Commit(); err != nil {
		return outcome{fatal: fmt.Errorf("flush: commit: %w", err)}
	}
	onSuccess()
	return outcome{}
}

// pull performs the bootstrap pre-step (first-ever sync only) and then the
// incremental ChangeFeed.Pull loop (spec.md §4.3).
func (c *Coordinator) pull(ctx context.Context) (int, outcome) {
	cursor, err := c.store.LoadCursor(ctx)
	if err != nil {
		return 0, outcome{fatal: fmt.Errorf("pull: load cursor: %w", err)}
	}

	if changefeed.NeedsBootstrap(cursor) {
		if o := c.runBootstrap(ctx); o.fatal != nil || o.rateLimited {
			return 0, o
		}
		cursor, err = c.store.LoadCursor(ctx)
		if err != nil {
			return 0, outcome{fatal: fmt.Errorf("pull: reload cursor after bootstrap: %w", err)}
		}
	}

	result, err := c.feed.Pull(ctx, cursor.Value)
	if err != nil {
		if ne, ok := netclient.As(err); ok && ne.Kind == netclient.KindRateLimited {
			return result.ChangesApplied, outcome{rateLimited: true, retryAfter: ne.RetryAfter}
		}
		return result.ChangesApplied, outcome{fatal: fmt.Errorf("pull: %w", err)}
	}

	syncmetrics.PagesPulledTotal.Add(float64(result.PagesApplied))
	syncmetrics.CursorValue.Set(float64(result.FinalCursor))
	if result.HitSafetyCap {
		c.logger.Info().Int64("cursor", result.FinalCursor).Msg("pull safety cap reached, remainder rolls into next trigger")
	}
	c.sink.Publish(progress.State{Kind: progress.Pulling, Applied: result.ChangesApplied})
	return result.ChangesApplied, outcome{}
}

// runBootstrap performs the cold-start sequence from spec.md §4.3: capture
// the current change-log head before fetching, run the full-dataset
// download, then set the cursor to the captured head so the subsequent
// incremental pull never replays history already covered by the bootstrap.
func (c *Coordinator) runBootstrap(ctx context.Context) outcome {
	latest, err := c.client.LatestCursor(ctx)
	if err != nil {
		if ne, ok := netclient.As(err); ok && ne.Kind == netclient.KindRateLimited {
			return outcome{rateLimited: true, retryAfter: ne.RetryAfter}
		}
		return outcome{fatal: fmt.Errorf("bootstrap: latest cursor: %w", err)}
	}

	c.setState(StatePulling, time.Time{}, 0, "")
	c.sink.Publish(progress.State{Kind: progress.Bootstrapping})

	counts, resync, err := c.bootstrap.Run(ctx)
	if err != nil {
		return outcome{fatal: fmt.Errorf("bootstrap: %w", err)}
	}

	tx, err := c.store.BeginTx(ctx)
	if err != nil {
		return outcome{fatal: fmt.Errorf("bootstrap: begin cursor tx: %w", err)}
	}
	if err := tx.StoreCursor(models.SyncCursor{Value: latest, LastUpdated: c.clock.Now()}); err != nil {
		_ = tx.Rollback()
		return outcome{fatal: fmt.Errorf("bootstrap: store cursor: %w", err)}
	}
	if err := tx.Commit(); err != nil {
		return outcome{fatal: fmt.Errorf("bootstrap: commit cursor: %w", err)}
	}

	c.sink.Publish(progress.State{
		Kind:                  progress.BootstrapComplete,
		BootstrapEventTypes:   counts.EventTypes,
		BootstrapGeofences:    counts.Geofences,
		BootstrapEvents:       counts.Events,
		BootstrapPropertyDefs: counts.PropertyDefs,
		PostMigrationResync:   resync,
	})
	return outcome{}
}

// decodePayload converts a loosely-typed pending-mutation payload into T,
// the same pattern changefeed and bootstrap use for their own wire items.
func decodePayload[T any](payload any) (T, error) {
	var typed T
	if t, ok := payload.(T); ok {
		return t, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return typed, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(data, &typed); err != nil {
		return typed, fmt.Errorf("decode payload: %w", err)
	}
	return typed, nil
}
