// Package tiles asks the imagery proxy for XYZ tile URL templates. The
// map only ever needs the template string; tile bytes flow straight from
// the imagery CDN to the browser and never touch this process.
package tiles

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
	"riverwatch-gauge-map/pkg/requestcache"
)

const (
	// tileURLTTL keeps templates for most of their upstream lifetime;
	// proxy-issued map ids expire after a few hours.
	tileURLTTL = 90 * time.Minute

	networkTimeout = 10 * time.Second
	maxBodyBytes   = 1 << 20
)

// Config collects client options.
type Config struct {
	BaseURL   string // imagery proxy endpoint, empty disables the client
	UserAgent string
	Timeout   time.Duration
	Logf      func(string, ...any)
}

// Client fetches and caches tile URL templates. Nil-safe: a nil client
// (imagery proxy not configured) answers every request with ErrDisabled.
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	cache      *requestcache.Cache[string]
	logf       func(string, ...any)
}

// ErrDisabled reports that no imagery proxy is configured.
var ErrDisabled = fmt.Errorf("tile proxy not configured")

// NewClient returns nil when no proxy URL is configured so callers can
// wire the flag straight through.
func NewClient(cfg Config) *Client {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = networkTimeout
	}
	return &Client{
		baseURL:    base,
		userAgent:  strings.TrimSpace(cfg.UserAgent),
		httpClient: &http.Client{Timeout: timeout},
		cache:      requestcache.New[string](tileURLTTL),
		logf:       cfg.Logf,
	}
}

// Close stops the template cache.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.cache.Close()
}

// FetchTileURL returns the XYZ template for one dataset and month.
// Templates are cached; concurrent requests for the same layer coalesce
// into a single proxy call.
func (c *Client) FetchTileURL(ctx context.Context, dataset string, year, month int) (string, error) {
	if c == nil {
		return "", ErrDisabled
	}
	if dataset == "" {
		return "", fmt.Errorf("empty dataset")
	}
	if month < 1 || month > 12 {
		return "", fmt.Errorf("month %d out of range", month)
	}
	key := fmt.Sprintf("%s:%04d-%02d", dataset, year, month)
	return c.cache.Get(ctx, key, func(ctx context.Context) (string, error) {
		var template string
		err := backoff.Do(ctx, backoff.DefaultPolicy, func(ctx context.Context) error {
			t, err := c.fetch(ctx, dataset, year, month)
			if err != nil {
				return err
			}
			template = t
			return nil
		})
		return template, err
	})
}

// tileEnvelope is the proxy's answer; older deployments used mapUrl.
type tileEnvelope struct {
	URLFormat string `json:"urlFormat"`
	MapURL    string `json:"mapUrl"`
}

func (c *Client) fetch(ctx context.Context, dataset string, year, month int) (string, error) {
	endpoint, err := url.Parse(c.baseURL + "/tile-url")
	if err != nil {
		return "", fmt.Errorf("tile proxy url: %w", err)
	}
	q := endpoint.Query()
	q.Set("dataset", dataset)
	q.Set("year", strconv.Itoa(year))
	q.Set("month", strconv.Itoa(month))
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("tile proxy: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &backoff.StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	var envelope tileEnvelope
	if err := json.Unmarshal(b, &envelope); err != nil {
		return "", fmt.Errorf("decode tile response: %w", err)
	}
	template := envelope.URLFormat
	if template == "" {
		template = envelope.MapURL
	}
	if template == "" {
		return "", fmt.Errorf("tile response carries no url template")
	}
	return template, nil
}
