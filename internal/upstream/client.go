// Package upstream is the HTTP client for the CRM's query/record API. It
// performs the actual calls the governor paces, and supplies the error
// taxonomy the retry layer classifies: 429 and 5xx are transient, other 4xx
// are permanent, network failures are transient.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/registrar-tools/crm-governor/internal/metrics"
)

// Record is one CRM record. Fields are opaque registration data; the
// governor never inspects them.
type Record struct {
	ID     string         `json:"id,omitempty"`
	Fields map[string]any `json:"fields"`
}

// Config holds CRM connection settings.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Auth    TokenConfig
}

// Client issues authenticated requests against the CRM API. It performs no
// retries, pacing, or caching of its own; that is the governor's job.
type Client struct {
	http    *http.Client
	baseURL string
	tokens  *TokenSource
	logger  *slog.Logger
}

// maxErrorBody bounds how much of a failure response is kept for the error
// message.
const maxErrorBody = 512

// New creates a Client for the CRM at cfg.BaseURL.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream base URL %q: %w", cfg.BaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("upstream base URL scheme must be http or https, got %q", u.Scheme)
	}

	tokens, err := NewTokenSource(cfg.Auth)
	if err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Client{
		http:    &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		tokens:  tokens,
		logger:  logger,
	}, nil
}

// Query runs a record query and returns the matching records.
func (c *Client) Query(ctx context.Context, query string) ([]Record, error) {
	var out struct {
		Records []Record `json:"records"`
	}
	path := "/api/records?q=" + url.QueryEscape(query)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

// GetRecord fetches a single record by ID.
func (c *Client) GetRecord(ctx context.Context, id string) (*Record, error) {
	var rec Record
	if err := c.do(ctx, http.MethodGet, "/api/records/"+url.PathEscape(id), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateRecord stores a new record and returns it with its assigned ID.
func (c *Client) CreateRecord(ctx context.Context, rec Record) (*Record, error) {
	var created Record
	if err := c.do(ctx, http.MethodPost, "/api/records", rec, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// do issues one authenticated request and decodes the JSON response into
// out. Non-2xx responses become *Error carrying the status code.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	token, err := c.tokens.Token()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	latency := time.Since(start)
	metrics.UpstreamLatency.WithLabelValues(method).Observe(latency.Seconds())

	if err != nil {
		metrics.UpstreamRequests.WithLabelValues(method, "error").Inc()
		return fmt.Errorf("upstream request: %w", err)
	}
	defer resp.Body.Close()

	metrics.UpstreamRequests.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &Error{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
