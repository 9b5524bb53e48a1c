// Package netclient defines the NetworkClient contract consumed by the sync
// engine (spec.md §4, §6) and its structured error taxonomy (spec.md §7).
// The engine never parses HTTP or JSON wire details itself; it depends on a
// realization of this interface (see the httpclient subpackage for the production
// one) the way the teacher's syncer depends on chain.OnChainClient.
package netclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/daylogapp/daylog-sync/internal/models"
)

// ErrorKind is the taxonomy named in spec.md §7.
type ErrorKind string

const (
	KindTimeout          ErrorKind = "timeout"
	KindOffline          ErrorKind = "offline"
	KindTransientServer  ErrorKind = "transient_server"
	KindRateLimited      ErrorKind = "rate_limited"
	KindConflictIgnored  ErrorKind = "conflict_ignored"
	KindValidationFailed ErrorKind = "validation_failed"
	KindUnauthorized     ErrorKind = "unauthorized"
	KindForbidden        ErrorKind = "forbidden"
	KindNotFound         ErrorKind = "not_found"
	KindExhausted        ErrorKind = "exhausted"
	KindFatal            ErrorKind = "fatal"
)

// Error is the structured error every NetworkClient method returns on
// failure. errors.As unwraps it from any wrapping context.
type Error struct {
	Kind       ErrorKind
	Detail     string
	RetryAfter time.Duration
	Action     string
	Fields     []models.FieldError
	Problem    *models.ProblemDetail
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("netclient: %s: %s", e.Kind, e.Detail)
	}
	return fmt.Sprintf("netclient: %s", e.Kind)
}

// IsRetryable reports whether the error's kind is one the coordinator
// should retry automatically (spec.md §7 "Transient").
func (e *Error) IsRetryable() bool {
	switch e.Kind {
	case KindTimeout, KindOffline, KindTransientServer, KindRateLimited:
		return true
	default:
		return false
	}
}

// As lets callers errors.As(err, &netErr) to pull ErrorKind out of any
// wrapped chain built with fmt.Errorf("...: %w", err).
func As(err error) (*Error, bool) {
	var ne *Error
	if errors.As(err, &ne) {
		return ne, true
	}
	return nil, false
}

// EventCreate is the payload for a single event create within a batch.
type EventCreate struct {
	IdempotencyKey string       `json:"idempotency_key"`
	Event          models.Event `json:"event"`
}

// Client is the NetworkClient contract (spec.md §6).
type Client interface {
	// CreateEventsBatch posts up to batch_size event creates in one call.
	CreateEventsBatch(ctx context.Context, items []EventCreate) (models.BatchCreateResult, error)

	// ApplyMutation issues a single non-batched mutation (update/delete, or
	// a create for a non-event entity).
	ApplyMutation(ctx context.Context, m models.PendingMutation) error

	// PullChanges fetches one change-log page.
	PullChanges(ctx context.Context, since int64, limit int) (models.Page, error)

	// LatestCursor returns the current change-log head, used by the
	// bootstrap pre-step to avoid replaying history on a fresh install.
	LatestCursor(ctx context.Context) (int64, error)

	// FetchEntityPage fetches one page of a bootstrap entity listing.
	FetchEntityPage(ctx context.Context, entity models.EntityKind, offset, limit int) ([]any, bool, error)

	// HealthCheck performs the lightweight reachability probe (spec.md
	// §4.6); it returns the raw status code and a content-type/body
	// sample so health.Checker can classify captive portals without this
	// package depending on that one.
	HealthCheck(ctx context.Context) (status int, contentType string, bodySample []byte, err error)

	Close() error
}
