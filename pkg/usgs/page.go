package usgs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"riverwatch-gauge-map/pkg/backoff"
	"riverwatch-gauge-map/pkg/gauges"
	"riverwatch-gauge-map/pkg/geo"
)

// ======================
// Single page fetching
// ======================

// PageRequest identifies one /items call: either a fresh bbox query or a
// server-provided next-page URL from a previous response.
type PageRequest struct {
	BBox    geo.BBox
	Limit   int
	Filter  string
	PageURL string // when set, used verbatim instead of building a query
}

// Page is one decoded response page.
type Page struct {
	Locations []gauges.Location
	Matched   *int   // server-reported total match count, when present
	Returned  int    // raw feature count before malformed rows were dropped
	NextURL   string // empty when this was the last page
}

// featureCollection mirrors the OGC API envelope. Feature properties stay
// raw maps because the upstream has renamed fields across versions; we
// probe a list of known keys instead of trusting one schema.
type featureCollection struct {
	Features []struct {
		ID         json.RawMessage `json:"id"`
		Properties map[string]any  `json:"properties"`
		Geometry   struct {
			Coordinates []json.Number `json:"coordinates"`
		} `json:"geometry"`
	} `json:"features"`
	NumberMatched json.RawMessage `json:"numberMatched"`
	Links         []struct {
		Rel  string `json:"rel"`
		Href string `json:"href"`
	} `json:"links"`
}

// FetchPage performs exactly one items request with no retry of its own;
// retry policy belongs to the caller (backoff.Do or the retry queue), so
// attempts are never silently multiplied.
func (c *Client) FetchPage(ctx context.Context, req PageRequest) (Page, error) {
	pageURL := req.PageURL
	if pageURL == "" {
		if !req.BBox.Valid() {
			return Page{}, fmt.Errorf("invalid bounding box %v", req.BBox)
		}
		limit := req.Limit
		if limit <= 0 {
			limit = 500
		}
		pageURL = c.itemsURL(req.BBox.String(), limit, req.Filter)
	}

	body, err := c.get(ctx, pageURL)
	if err != nil {
		return Page{}, err
	}

	var fc featureCollection
	if err := json.Unmarshal(body, &fc); err != nil {
		return Page{}, fmt.Errorf("decode items response: %w", err)
	}

	page := Page{Returned: len(fc.Features)}
	if total, ok := decodeInt(fc.NumberMatched); ok {
		page.Matched = &total
	}
	for _, link := range fc.Links {
		if strings.EqualFold(link.Rel, "next") && link.Href != "" {
			page.NextURL = link.Href
			break
		}
	}

	for _, f := range fc.Features {
		loc, ok := c.decodeLocation(f.ID, f.Properties, f.Geometry.Coordinates)
		if !ok {
			continue
		}
		page.Locations = append(page.Locations, loc)
	}
	return page, nil
}

// decodeLocation turns one raw feature into a Location, dropping rows with
// no usable identity or coordinates. Drops are logged, not fatal.
func (c *Client) decodeLocation(rawID json.RawMessage, props map[string]any, coords []json.Number) (gauges.Location, bool) {
	id := firstString(props, "monitoring_location_number", "monitoring_location_id", "site_no", "id")
	if id == "" {
		id = decodeStringRaw(rawID)
	}
	if id == "" {
		c.logForDrop("usgs: dropping feature without id")
		return gauges.Location{}, false
	}

	if len(coords) < 2 {
		c.logForDrop("usgs: dropping %s: no geometry", id)
		return gauges.Location{}, false
	}
	lon, errLon := coords[0].Float64()
	lat, errLat := coords[1].Float64()
	if errLon != nil || errLat != nil || !geo.ValidCoordinates(lon, lat) {
		c.logForDrop("usgs: dropping %s: bad coordinates %v,%v", id, coords[0], coords[1])
		return gauges.Location{}, false
	}

	name := firstString(props, "monitoring_location_name", "station_nm", "name")
	if name == "" {
		name = id
	}
	code := firstString(props, "site_type_code", "monitoring_location_type", "site_tp_cd")

	return gauges.Location{
		ID:       id,
		Name:     name,
		Lon:      lon,
		Lat:      lat,
		SiteType: gauges.SiteTypeFromCode(code),
	}, true
}

// ====================
// Preflight counting
// ====================

// PreflightResult reports whether a viewport is tractable for discrete
// markers. Total is nil when the count exceeds the threshold: computing
// it exactly would need an unbounded scan, and nothing downstream wants
// more precision than "too many".
type PreflightResult struct {
	Total   *int `json:"total"`
	Exceeds bool `json:"exceedsThreshold"`
}

// PreflightCount asks for threshold+1 items in one bounded request.
// Transient failures retry with exponential backoff; an error from this
// method means the count is UNKNOWN, and callers must treat it that way,
// never as "zero features, safe to render empty".
func (c *Client) PreflightCount(ctx context.Context, bbox geo.BBox, threshold int, filter string) (PreflightResult, error) {
	if threshold <= 0 {
		return PreflightResult{}, fmt.Errorf("threshold must be positive, got %d", threshold)
	}
	var page Page
	err := backoff.Do(ctx, backoff.DefaultPolicy, func(ctx context.Context) error {
		var err error
		page, err = c.FetchPage(ctx, PageRequest{BBox: bbox, Limit: threshold + 1, Filter: filter})
		return err
	})
	if err != nil {
		return PreflightResult{}, fmt.Errorf("preflight count: %w", err)
	}
	if page.Returned >= threshold+1 {
		return PreflightResult{Exceeds: true}, nil
	}
	total := page.Returned
	return PreflightResult{Total: &total}, nil
}

// ================
// Decode helpers
// ================

// firstString probes a list of known property names, tolerating numbers
// where older upstream versions serialized ids numerically.
func firstString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		v, ok := m[key]
		if !ok {
			continue
		}
		switch x := v.(type) {
		case string:
			if s := strings.TrimSpace(x); s != "" {
				return s
			}
		case json.Number:
			return x.String()
		case float64:
			return strings.TrimSuffix(fmt.Sprintf("%.0f", x), ".")
		}
	}
	return ""
}

func decodeStringRaw(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}
