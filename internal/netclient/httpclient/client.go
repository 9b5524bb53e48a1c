// Package httpclient is the production netclient.Client realization. It is
// grounded in the teacher's chain.OnChainClient wrapper (construct-time
// connection + thin typed methods + wrapped errors + Close) and in
// pkg/service.NewCTFService's multi-endpoint fallback-dial loop, generalized
// from Ethereum JSON-RPC endpoints to plain HTTP base-URL fallbacks.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/daylogapp/daylog-sync/internal/models"
	"github.com/daylogapp/daylog-sync/internal/netclient"
)

// Client is an HTTP-backed netclient.Client.
type Client struct {
	httpc    *http.Client
	baseURLs []string
	authz    string
	logger   zerolog.Logger
}

// New creates a Client that tries each base URL in order until one accepts
// the connection, mirroring the teacher's RPC-endpoint fallback loop.
func New(baseURLs []string, authzHeader string, timeout time.Duration, logger zerolog.Logger) (*Client, error) {
	if len(baseURLs) == 0 {
		return nil, errors.New("httpclient: at least one base URL required")
	}
	return &Client{
		httpc:    &http.Client{Timeout: timeout},
		baseURLs: baseURLs,
		authz:    authzHeader,
		logger:   logger.With().Str("component", "netclient").Logger(),
	}, nil
}

func (c *Client) Close() error { return nil }

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("httpclient: marshal request: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	var lastErr error
	for i, base := range c.baseURLs {
		req, err := http.NewRequestWithContext(ctx, method, base+path, payload)
		if err != nil {
			return nil, fmt.Errorf("httpclient: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.authz != "" {
			req.Header.Set("Authorization", c.authz)
		}

		resp, err := c.httpc.Do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		c.logger.Warn().Err(err).Int("endpoint", i).Str("base", base).Msg("endpoint unreachable, trying next")
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, &netclient.Error{Kind: netclient.KindTimeout, Detail: lastErr.Error()}
	}
	return nil, &netclient.Error{Kind: netclient.KindOffline, Detail: lastErr.Error()}
}

// classify turns a non-2xx HTTP response into a netclient.Error following
// the RFC 9457 problem envelope and spec.md §7's taxonomy.
func classify(resp *http.Response) *netclient.Error {
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var problem models.ProblemDetail
	_ = json.Unmarshal(data, &problem)

	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"), problem.RetryAfter)

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return &netclient.Error{Kind: netclient.KindRateLimited, RetryAfter: retryAfter, Problem: &problem}
	case http.StatusServiceUnavailable:
		return &netclient.Error{Kind: netclient.KindTransientServer, RetryAfter: retryAfter, Problem: &problem}
	case http.StatusUnauthorized:
		return &netclient.Error{Kind: netclient.KindUnauthorized, Action: "reauthenticate", Problem: &problem}
	case http.StatusForbidden:
		return &netclient.Error{Kind: netclient.KindForbidden, Action: "reauthenticate", Problem: &problem}
	case http.StatusNotFound:
		return &netclient.Error{Kind: netclient.KindNotFound, Problem: &problem}
	case http.StatusConflict:
		return &netclient.Error{Kind: netclient.KindConflictIgnored, Problem: &problem}
	case http.StatusUnprocessableEntity, http.StatusBadRequest:
		return &netclient.Error{Kind: netclient.KindValidationFailed, Fields: problem.Errors, Problem: &problem}
	default:
		if resp.StatusCode >= 500 {
			return &netclient.Error{Kind: netclient.KindTransientServer, RetryAfter: retryAfter, Problem: &problem}
		}
		return &netclient.Error{Kind: netclient.KindFatal, Detail: problem.Title, Problem: &problem}
	}
}

func parseRetryAfter(header string, problemSeconds float64) time.Duration {
	if header != "" {
		if secs, err := strconv.Atoi(header); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	if problemSeconds > 0 {
		return time.Duration(problemSeconds * float64(time.Second))
	}
	return 0
}

func (c *Client) CreateEventsBatch(ctx context.Context, items []netclient.EventCreate) (models.BatchCreateResult, error) {
	resp, err := c.do(ctx, http.MethodPost, "/events/batch", map[string]any{"events": items})
	if err != nil {
		return models.BatchCreateResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusMultiStatus {
		return models.BatchCreateResult{}, classify(resp)
	}

	var result models.BatchCreateResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return models.BatchCreateResult{}, fmt.Errorf("httpclient: decode batch result: %w", err)
	}
	return result, nil
}

func (c *Client) ApplyMutation(ctx context.Context, m models.PendingMutation) error {
	method := http.MethodPost
	switch m.Kind {
	case models.MutationUpdate:
		method = http.MethodPut
	case models.MutationDelete:
		method = http.MethodDelete
	}

	path := fmt.Sprintf("/%ss/%s", m.Entity, m.TargetID)
	resp, err := c.do(ctx, method, path, m.Payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return classify(resp)
}

func (c *Client) PullChanges(ctx context.Context, since int64, limit int) (models.Page, error) {
	path := fmt.Sprintf("/changes?since=%d&limit=%d", since, limit)
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return models.Page{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.Page{}, classify(resp)
	}

	var page models.Page
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return models.Page{}, fmt.Errorf("httpclient: decode page: %w", err)
	}
	return page, nil
}

func (c *Client) LatestCursor(ctx context.Context) (int64, error) {
	resp, err := c.do(ctx, http.MethodGet, "/changes/latest-cursor", nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, classify(resp)
	}

	var out struct {
		Cursor int64 `json:"cursor"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("httpclient: decode latest-cursor: %w", err)
	}
	return out.Cursor, nil
}

func (c *Client) FetchEntityPage(ctx context.Context, entity models.EntityKind, offset, limit int) ([]any, bool, error) {
	path := fmt.Sprintf("/%ss?limit=%d&offset=%d", entity, limit, offset)
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, false, classify(resp)
	}

	var out struct {
		Items   []any `json:"items"`
		HasMore bool  `json:"has_more"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, false, fmt.Errorf("httpclient: decode entity page: %w", err)
	}
	return out.Items, out.HasMore, nil
}

func (c *Client) HealthCheck(ctx context.Context) (int, string, []byte, error) {
	resp, err := c.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return 0, "", nil, err
	}
	defer resp.Body.Close()

	sample, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return resp.StatusCode, resp.Header.Get("Content-Type"), sample, nil
}
