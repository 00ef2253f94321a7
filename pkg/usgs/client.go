// Package usgs talks to the USGS water-data services: the OGC API
// features endpoint for monitoring locations and the instantaneous-values
// service for latest gauge heights. Responses are decoded defensively:
// one malformed feature is dropped and logged, never allowed to abort a
// whole page.
package usgs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"riverwatch-gauge-map/pkg/backoff"
)

const (
	defaultBaseURL = "https://api.waterdata.usgs.gov/ogcapi/v0/collections/monitoring-locations"
	defaultIVURL   = "https://waterservices.usgs.gov/nwis/iv/"

	// networkTimeout bounds every upstream call so a hung connection is
	// treated as a failure instead of wedging a load pipeline.
	networkTimeout = 12 * time.Second

	// maxBodyBytes caps response reads; the items endpoint is paginated so
	// anything larger means a misbehaving upstream.
	maxBodyBytes = 20 << 20
)

// Config collects client options so callers stay explicit about endpoints
// and timeouts without defaults scattering through the code.
type Config struct {
	BaseURL   string // OGC monitoring-locations collection URL
	IVBaseURL string // instantaneous-values service URL
	UserAgent string
	Timeout   time.Duration
	Logf      func(string, ...any)
}

// Client wraps the two USGS services behind a lean HTTP client.
type Client struct {
	baseURL    string
	ivBaseURL  string
	userAgent  string
	httpClient *http.Client
	logf       func(string, ...any)
}

// NewClient normalizes defaults so every caller gets consistent behaviour
// without extra setup.
func NewClient(cfg Config) *Client {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	iv := strings.TrimSpace(cfg.IVBaseURL)
	if iv == "" {
		iv = defaultIVURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = networkTimeout
	}
	agent := strings.TrimSpace(cfg.UserAgent)
	if agent == "" {
		agent = "riverwatch-gauge-map/1.0 (+https://github.com/riverwatch/gauge-map)"
	}
	return &Client{
		baseURL:   base,
		ivBaseURL: iv,
		userAgent: agent,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logf: cfg.Logf,
	}
}

// get issues one GET and returns the body bytes. Non-2xx responses become
// backoff.StatusError so retry predicates can branch on the code; a 429
// carrying Retry-After is wrapped so the server-provided delay wins over
// computed backoff.
func (c *Client) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json, application/geo+json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		statusErr := &backoff.StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
		if resp.StatusCode == http.StatusTooManyRequests {
			if after := parseRetryAfter(resp.Header.Get("Retry-After")); after > 0 {
				return nil, &backoff.RetryAfterError{After: after, Err: statusErr}
			}
		}
		return nil, statusErr
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return b, nil
}

// parseRetryAfter understands both delay-seconds and HTTP-date forms.
func parseRetryAfter(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// itemsURL builds the /items query for a bounding box page.
func (c *Client) itemsURL(bboxParam string, limit int, filter string) string {
	endpoint, err := url.Parse(c.baseURL + "/items")
	if err != nil {
		// baseURL was validated at construction; a parse failure here
		// means a caller mangled it, so fall back to the raw string and
		// let the request fail loudly.
		return c.baseURL + "/items"
	}
	q := endpoint.Query()
	q.Set("f", "json")
	q.Set("bbox", bboxParam)
	q.Set("limit", strconv.Itoa(limit))
	if filter != "" {
		q.Set("filter", filter)
	}
	endpoint.RawQuery = q.Encode()
	return endpoint.String()
}

// stripFilterParam removes the optional server-side filter from a page
// URL. Used when the upstream rejects the filter with a 400: the page is
// retried filterless from the same position instead of restarting.
func stripFilterParam(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := parsed.Query()
	if _, ok := q["filter"]; !ok {
		return rawURL
	}
	q.Del("filter")
	parsed.RawQuery = q.Encode()
	return parsed.String()
}

func (c *Client) logForDrop(format string, args ...any) {
	if c.logf != nil {
		c.logf(format, args...)
	}
}

// decodeInt tolerates numberMatched arriving as a number or a string.
func decodeInt(raw json.RawMessage) (int, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return v, true
		}
	}
	return 0, false
}
