package usgs

import (
	"context"
	"errors"
	"fmt"

	"riverwatch-gauge-map/pkg/backoff"
	"riverwatch-gauge-map/pkg/gauges"
	"riverwatch-gauge-map/pkg/geo"
	"riverwatch-gauge-map/pkg/retryqueue"
)

// ==========================
// Paginated feature fetching
// ==========================

// maxPagesDefault is the hard safety cap on next-link chains. A healthy
// upstream never needs this many pages under the marker threshold; a
// misbehaving one that keeps handing out next links must not trap us in a
// loop.
const maxPagesDefault = 50

// FetchOptions tunes a paginated fetch.
type FetchOptions struct {
	PageLimit int    // items per page, default 500
	Filter    string // optional server-side CQL filter
	MaxPages  int    // safety cap, default maxPagesDefault
	Priority  int    // retry queue priority for page requests

	// Queue rate-limits and retries page requests when set. When nil the
	// fetcher falls back to plain backoff so library users without a
	// queue still get retry behaviour.
	Queue *retryqueue.Queue
}

// PageResult is one streamed page of deduplicated locations together with
// progress counters, so a consumer can update its UI after every page.
type PageResult struct {
	Index     int               // zero-based page index
	Locations []gauges.Location // new (not previously seen) locations only
	Fetched   int               // running total of unique locations so far
	Matched   *int              // server-reported total, when known
}

// FetchFeatures streams pages of monitoring locations for a bounding box.
// Results arrive on the first channel page by page; the second channel
// reports at most one terminal error and is closed when paging ends.
//
// Guarantees:
//   - ids are unique across the whole stream; a later page repeating an
//     id already seen has the duplicate dropped silently,
//   - every streamed location lies inside the requested bbox; upstreams
//     that ignore the bbox on next links have strays dropped here,
//   - cancellation stops paging immediately and closes both channels
//     without an error, because a superseded fetch is not a failure,
//   - a 400 caused by the optional filter is retried once with the filter
//     stripped, continuing from the current page rather than restarting;
//     after the strip, non-surface-water sites are filtered locally so
//     the stream's contents do not change shape mid-fetch,
//   - paging stops at the MaxPages cap even if next links keep coming.
func (c *Client) FetchFeatures(ctx context.Context, bbox geo.BBox, opts FetchOptions) (<-chan PageResult, <-chan error) {
	out := make(chan PageResult)
	errCh := make(chan error, 1)

	pageLimit := opts.PageLimit
	if pageLimit <= 0 {
		pageLimit = 500
	}
	maxPages := opts.MaxPages
	if maxPages <= 0 {
		maxPages = maxPagesDefault
	}

	go func() {
		defer close(out)
		defer close(errCh)

		seen := make(map[string]struct{})
		filter := opts.Filter
		filterDropped := false
		req := PageRequest{BBox: bbox, Limit: pageLimit, Filter: filter}

		for pageIndex := 0; pageIndex < maxPages; pageIndex++ {
			if ctx.Err() != nil {
				return
			}

			page, err := c.fetchPageManaged(ctx, req, opts)
			if err != nil {
				var se *backoff.StatusError
				if errors.As(err, &se) && se.Code == 400 && filter != "" && !filterDropped {
					// The optional filter was rejected. Drop it and retry
					// this same page position once, filterless.
					c.logForDrop("usgs: filter rejected with 400, retrying page %d without it", pageIndex)
					filterDropped = true
					filter = ""
					if req.PageURL != "" {
						req.PageURL = stripFilterParam(req.PageURL)
					} else {
						req.Filter = ""
					}
					pageIndex--
					continue
				}
				if ctx.Err() != nil {
					// The pipeline was superseded mid-request; swallow the
					// transport error and end quietly.
					return
				}
				errCh <- fmt.Errorf("fetch page %d: %w", pageIndex, err)
				return
			}

			fresh := make([]gauges.Location, 0, len(page.Locations))
			for _, loc := range page.Locations {
				if _, dup := seen[loc.ID]; dup {
					continue
				}
				if !bbox.Contains(loc.Lon, loc.Lat) {
					c.logForDrop("usgs: site %s at (%.4f, %.4f) outside bbox %s, dropped", loc.ID, loc.Lon, loc.Lat, bbox)
					continue
				}
				if filterDropped && !loc.SiteType.SurfaceWater() {
					// With the server-side filter gone, apply its allowlist
					// here so a stripped fetch returns the same site mix.
					continue
				}
				seen[loc.ID] = struct{}{}
				fresh = append(fresh, loc)
			}

			result := PageResult{
				Index:     pageIndex,
				Locations: fresh,
				Fetched:   len(seen),
				Matched:   page.Matched,
			}
			select {
			case out <- result:
			case <-ctx.Done():
				return
			}

			if page.NextURL == "" {
				return
			}
			if pageIndex == maxPages-1 {
				c.logForDrop("usgs: page cap %d reached for bbox %s, stopping", maxPages, bbox)
				return
			}
			req = PageRequest{PageURL: page.NextURL}
		}
	}()

	return out, errCh
}

// fetchPageManaged routes one page request through the retry queue when
// one is configured, otherwise through the shared backoff helper. Exactly
// one layer retries; never both.
func (c *Client) fetchPageManaged(ctx context.Context, req PageRequest, opts FetchOptions) (Page, error) {
	var page Page
	fetch := func(ctx context.Context) error {
		var err error
		page, err = c.FetchPage(ctx, req)
		return err
	}
	var err error
	if opts.Queue != nil {
		err = opts.Queue.Execute(ctx, opts.Priority, fetch)
	} else {
		err = backoff.Do(ctx, backoff.DefaultPolicy, fetch)
	}
	return page, err
}
