// Package fakeclient is a deterministic, in-memory netclient.Client used by
// the engine's unit tests to drive the scenarios in spec.md §8 without a
// real server.
package fakeclient

import (
	"context"
	"sync"

	"github.com/daylogapp/daylog-sync/internal/models"
	"github.com/daylogapp/daylog-sync/internal/netclient"
)

// Client is a scriptable fake: tests configure its behavior by setting the
// exported function fields before use, and it records calls for assertions.
type Client struct {
	mu sync.Mutex

	CreateEventsBatchFunc func(ctx context.Context, items []netclient.EventCreate) (models.BatchCreateResult, error)
	ApplyMutationFunc     func(ctx context.Context, m models.PendingMutation) error
	PullChangesFunc       func(ctx context.Context, since int64, limit int) (models.Page, error)
	LatestCursorFunc      func(ctx context.Context) (int64, error)
	FetchEntityPageFunc   func(ctx context.Context, entity models.EntityKind, offset, limit int) ([]any, bool, error)
	HealthCheckFunc       func(ctx context.Context) (int, string, []byte, error)

	BatchCalls []int // records the size of each CreateEventsBatch call
}

// New creates a Client with innocuous defaults (empty pages, healthy probe).
func New() *Client {
	return &Client{
		PullChangesFunc: func(ctx context.Context, since int64, limit int) (models.Page, error) {
			return models.Page{HasMore: false, NextCursor: since}, nil
		},
		LatestCursorFunc: func(ctx context.Context) (int64, error) { return 0, nil },
		FetchEntityPageFunc: func(ctx context.Context, entity models.EntityKind, offset, limit int) ([]any, bool, error) {
			return nil, false, nil
		},
		HealthCheckFunc: func(ctx context.Context) (int, string, []byte, error) {
			return 200, "application/json", []byte(`{"ok":true}`), nil
		},
	}
}

func (c *Client) CreateEventsBatch(ctx context.Context, items []netclient.EventCreate) (models.BatchCreateResult, error) {
	c.mu.Lock()
	c.BatchCalls = append(c.BatchCalls, len(items))
	c.mu.Unlock()

	if c.CreateEventsBatchFunc != nil {
		return c.CreateEventsBatchFunc(ctx, items)
	}
	result := models.BatchCreateResult{Success: len(items), Items: make([]models.BatchCreateItem, len(items))}
	for i, it := range items {
		result.Items[i] = models.BatchCreateItem{Status: "ok", ID: it.Event.ID, ServerID: it.Event.ID}
	}
	return result, nil
}

func (c *Client) ApplyMutation(ctx context.Context, m models.PendingMutation) error {
	if c.ApplyMutationFunc != nil {
		return c.ApplyMutationFunc(ctx, m)
	}
	return nil
}

func (c *Client) PullChanges(ctx context.Context, since int64, limit int) (models.Page, error) {
	return c.PullChangesFunc(ctx, since, limit)
}

func (c *Client) LatestCursor(ctx context.Context) (int64, error) {
	return c.LatestCursorFunc(ctx)
}

func (c *Client) FetchEntityPage(ctx context.Context, entity models.EntityKind, offset, limit int) ([]any, bool, error) {
	return c.FetchEntityPageFunc(ctx, entity, offset, limit)
}

func (c *Client) HealthCheck(ctx context.Context) (int, string, []byte, error) {
	return c.HealthCheckFunc(ctx)
}

func (c *Client) Close() error { return nil }
