// Package gauges holds the river-gauge domain model: monitoring locations
// as the feature source reports them and stations enriched with their
// latest gauge-height reading. Enrichment is strictly one way: a Station
// is derived from a Location, never the reverse.
package gauges

import (
	"math"
	"strings"
	"time"
)

// ================
// Site type model
// ================

// SiteType classifies a monitoring location. The upstream service reports
// dozens of site-type codes; the map only distinguishes the surface-water
// families it renders differently.
type SiteType string

const (
	SiteStream  SiteType = "Stream"
	SiteLake    SiteType = "Lake"
	SiteEstuary SiteType = "Estuary"
	SiteOther   SiteType = "Other"
)

// SiteTypeFromCode maps a USGS site-type code onto our enum. The source
// data model evolved several inconsistent allowlists; we settle on one:
// the ST family is a stream, LK a lake, ES an estuary, and every other
// code, including an absent one, is Other rather than an error, so a
// misconfigured upstream row can never abort a page.
func SiteTypeFromCode(code string) SiteType {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "ST", "ST-CA", "ST-DCH", "ST-TS":
		return SiteStream
	case "LK":
		return SiteLake
	case "ES":
		return SiteEstuary
	default:
		return SiteOther
	}
}

// SurfaceWater reports whether the site type belongs to the canonical
// surface-water allowlist the map renders by default.
func (s SiteType) SurfaceWater() bool {
	switch s {
	case SiteStream, SiteLake, SiteEstuary:
		return true
	}
	return false
}

// ================
// Feature records
// ================

// Location is a monitoring location as fetched from the feature source.
// Identity is the site ID; deduplication across result pages keys on it.
type Location struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Lon      float64  `json:"lon"`
	Lat      float64  `json:"lat"`
	SiteType SiteType `json:"siteType"`
}

// Station is a Location enriched with its latest gauge-height reading.
// LatestHeight stays nil until the enrichment poller has seen the site.
type Station struct {
	Location
	LatestHeight *float64  `json:"latestHeight,omitempty"`
	Level        Level     `json:"level"`
	LastUpdated  time.Time `json:"lastUpdated,omitzero"`
}

// Enrich returns a Station carrying the given reading. A NaN height is
// treated as missing so a bad upstream value degrades to "unknown" instead
// of poisoning the record.
func Enrich(loc Location, height float64, at time.Time) Station {
	st := Station{Location: loc, Level: LevelUnknown}
	if !math.IsNaN(height) {
		h := height
		st.LatestHeight = &h
		st.Level = LevelFor(height)
		st.LastUpdated = at
	}
	return st
}
