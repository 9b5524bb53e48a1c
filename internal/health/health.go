// Package health implements the reachability probe (spec.md §4.6): a single
// request against a lightweight health endpoint, captive-portal detection,
// and a 30s TTL cache, generalizing the teacher's Healthy()/GetStatus()
// pattern (internal/syncer/syncer.go) into a standalone component.
package health

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/daylogapp/daylog-sync/internal/clock"
	"github.com/daylogapp/daylog-sync/internal/models"
	"github.com/daylogapp/daylog-sync/internal/netclient"
)

// TTL is how long a check result is cached before a fresh probe is made.
const TTL = 30 * time.Second

// RequestTimeout bounds the probe itself (spec.md §5: "health 3s").
const RequestTimeout = 3 * time.Second

// knownSentinel is the substring a healthy 2xx body must contain; its
// absence is treated the same as a captive-portal redirect, per spec.md
// §4.6's "2xx body that fails a known-content sentinel".
const knownSentinel = `"ok":true`

// Checker probes reachability and caches the result for TTL.
type Checker struct {
	client netclient.Client
	clock  clock.Clock

	mu       sync.Mutex
	cached   models.HealthState
	hasCache bool
}

// New creates a Checker.
func New(client netclient.Client, c clock.Clock) *Checker {
	return &Checker{client: client, clock: c}
}

// Check returns the cached result if still fresh, otherwise performs a
// fresh probe and caches it.
func (c *Checker) Check(ctx context.Context) (models.HealthState, error) {
	c.mu.Lock()
	if c.hasCache && c.clock.Since(c.cached.LastCheckTS) < TTL {
		defer c.mu.Unlock()
		return c.cached, nil
	}
	c.mu.Unlock()

	return c.probe(ctx)
}

// Invalidate forces the next Check to perform a fresh probe, used after a
// network-state change (spec.md §4.6).
func (c *Checker) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hasCache = false
}

func (c *Checker) probe(ctx context.Context) (models.HealthState, error) {
	probeCtx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()

	status, contentType, body, err := c.client.HealthCheck(probeCtx)
	now := c.clock.Now()

	state := models.HealthState{LastCheckTS: now}
	if err != nil {
		state.Reachable = false
		c.store(state)
		return state, err
	}

	state.Reachable = status >= 200 && status < 300
	state.CaptivePortal = detectCaptivePortal(status, contentType, body)
	c.store(state)
	return state, nil
}

func (c *Checker) store(state models.HealthState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached = state
	c.hasCache = true
}

// detectCaptivePortal implements spec.md §4.6's rule: a non-2xx response
// with an HTML-typed body, or a 2xx body missing the known sentinel,
// indicates a captive portal intercepted the request.
func detectCaptivePortal(status int, contentType string, body []byte) bool {
	isHTML := strings.Contains(strings.ToLower(contentType), "text/html")
	ok2xx := status >= 200 && status < 300

	if !ok2xx && isHTML {
		return true
	}
	if ok2xx && !strings.Contains(string(body), knownSentinel) {
		return true
	}
	return false
}
