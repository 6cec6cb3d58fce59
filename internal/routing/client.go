// Package routing is the HTTP client for the route-optimization service's
// visit API.
package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"visitrelay/internal/visit"
)

// DefaultBaseURL is used when no base URL is configured.
const DefaultBaseURL = "https://api.simpliroute.com"

// ErrUnauthorized is returned when the API rejects the token.
var ErrUnauthorized = errors.New("routing: unauthorized")

// APIError is a non-2xx API response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("routing: http %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the request may succeed if sent again.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	BatchSize  int
	MaxRetries int
	Backoff    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client posts visit payloads and reads visits back.
type Client struct {
	base       string
	token      string
	batchSize  int
	maxRetries int
	backoff    time.Duration
	http       *http.Client
	log        *zap.Logger
	allowed    map[string]bool
}

// New creates a Client, filling unset options with defaults.
func New(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 2 * time.Second
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	allowed := make(map[string]bool)
	for _, name := range visit.FieldNames() {
		allowed[name] = true
	}

	return &Client{
		base:       strings.TrimRight(opts.BaseURL, "/"),
		token:      opts.Token,
		batchSize:  opts.BatchSize,
		maxRetries: opts.MaxRetries,
		backoff:    opts.Backoff,
		http:       hc,
		log:        log.Named("routing"),
		allowed:    allowed,
	}
}

// BaseURL returns the API root the client talks to.
func (c *Client) BaseURL() string { return c.base }

// HasToken reports whether a token is configured.
func (c *Client) HasToken() bool { return c.token != "" }

// Visit is a visit as returned by the API. Only the fields the relay reads
// are typed; the full object is kept in Raw.
type Visit struct {
	ID        string
	Reference string
	Title     string
	Status    string
	Raw       map[string]any
}

// ── Visits ─────────────────────────────────────────────────

// Prepare strips null values and keys outside the visit key set, keeping
// key order.
func (c *Client) Prepare(p *visit.Payload) *visit.Payload {
	return p.Filter(func(k string, v any) bool {
		return v != nil && c.allowed[k]
	})
}

// CreateVisits posts payloads in batches. The returned visits line up with
// the input when the API echoes one object per payload; on error the visits
// created by earlier batches are returned with it.
func (c *Client) CreateVisits(ctx context.Context, payloads []*visit.Payload) ([]Visit, error) {
	var created []Visit
	for start := 0; start < len(payloads); start += c.batchSize {
		end := min(start+c.batchSize, len(payloads))
		batch := make([]*visit.Payload, 0, end-start)
		for _, p := range payloads[start:end] {
			batch = append(batch, c.Prepare(p))
		}

		var body bytes.Buffer
		enc := json.NewEncoder(&body)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(batch); err != nil {
			return created, fmt.Errorf("routing: encode batch: %w", err)
		}

		resp, err := c.do(ctx, http.MethodPost, "/v1/routes/visits/", body.Bytes())
		if err != nil {
			return created, err
		}
		visits := parseVisits(resp)
		c.log.Info("visits created",
			zap.Int("batch", len(batch)),
			zap.Int("returned", len(visits)),
		)
		created = append(created, alignVisits(batch, visits)...)
	}
	return created, nil
}

// GetVisit fetches one visit by its API id.
func (c *Client) GetVisit(ctx context.Context, id string) (*Visit, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("routing: visit id is required")
	}
	resp, err := c.do(ctx, http.MethodGet, "/v1/routes/visits/"+id+"/", nil)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := json.Unmarshal(resp, &raw); err != nil {
		return nil, fmt.Errorf("routing: decode visit: %w", err)
	}
	v := toVisit(raw)
	return &v, nil
}

// Ping checks that the API answers on its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/health", nil)
	return err
}

// ── Transport ──────────────────────────────────────────────

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := c.backoff * time.Duration(1<<(attempt-1))
			c.log.Warn("retrying request",
				zap.String("path", path),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(lastErr),
			)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		out, err := c.once(ctx, method, path, body)
		if err == nil {
			return out, nil
		}
		lastErr = err

		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Retryable() {
			return nil, err
		}
		if errors.Is(err, ErrUnauthorized) || ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) once(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, fmt.Errorf("routing: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Token "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("routing: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("routing: read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, truncate(string(data), 512))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &APIError{StatusCode: resp.StatusCode, Body: truncate(string(data), 1024)}
	}
	return data, nil
}

// ── Response parsing ───────────────────────────────────────

// parseVisits collects visit objects from a response that is either a list
// or an object wrapping the list under items, visits or data.
func parseVisits(data []byte) []Visit {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil
	}
	var out []Visit
	var collect func(any)
	collect = func(node any) {
		switch n := node.(type) {
		case []any:
			for _, e := range n {
				collect(e)
			}
		case map[string]any:
			if _, ok := n["id"]; ok {
				out = append(out, toVisit(n))
				return
			}
			for _, k := range []string{"items", "visits", "data"} {
				if list, ok := n[k].([]any); ok {
					collect(list)
				}
			}
		}
	}
	collect(v)
	return out
}

// alignVisits matches returned visits to payloads by reference, falling
// back to position.
func alignVisits(batch []*visit.Payload, visits []Visit) []Visit {
	byRef := make(map[string]Visit, len(visits))
	for _, v := range visits {
		if v.Reference != "" {
			byRef[v.Reference] = v
		}
	}
	out := make([]Visit, len(batch))
	for i, p := range batch {
		ref := p.Reference()
		if v, ok := byRef[ref]; ok && ref != "" {
			out[i] = v
			continue
		}
		if len(visits) == len(batch) {
			out[i] = visits[i]
			continue
		}
		out[i] = Visit{Reference: ref}
	}
	return out
}

func toVisit(raw map[string]any) Visit {
	return Visit{
		ID:        scalar(raw["id"]),
		Reference: scalar(raw["reference"]),
		Title:     scalar(raw["title"]),
		Status:    scalar(raw["status"]),
		Raw:       raw,
	}
}

func scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
