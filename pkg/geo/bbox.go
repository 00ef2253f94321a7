package geo

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// =====================
// Bounding box handling
// =====================

// DefaultGridResolution is the snap grid applied to viewport boxes before
// they become cache keys. One thousandth of a degree is roughly a hundred
// metres, coarse enough to collapse the sub-pixel jitter map libraries
// produce while panning, fine enough that two genuinely different
// viewports never share a key.
const DefaultGridResolution = 1e-3

// BBox is an axis-aligned box in WGS84 degrees, ordered west/south/east/north.
type BBox struct {
	MinLon float64 `json:"minLon"`
	MinLat float64 `json:"minLat"`
	MaxLon float64 `json:"maxLon"`
	MaxLat float64 `json:"maxLat"`
}

// Valid reports whether the box is ordered and inside coordinate ranges.
// We keep the check total so callers can gate on it without pre-validation.
func (b BBox) Valid() bool {
	if math.IsNaN(b.MinLon) || math.IsNaN(b.MinLat) || math.IsNaN(b.MaxLon) || math.IsNaN(b.MaxLat) {
		return false
	}
	if b.MinLon > b.MaxLon || b.MinLat > b.MaxLat {
		return false
	}
	return b.MinLon >= -180 && b.MaxLon <= 180 && b.MinLat >= -90 && b.MaxLat <= 90
}

// Contains reports whether the point lies inside the box, borders included.
func (b BBox) Contains(lon, lat float64) bool {
	return lon >= b.MinLon && lon <= b.MaxLon && lat >= b.MinLat && lat <= b.MaxLat
}

// String renders the box in the comma-separated order OGC APIs expect.
func (b BBox) String() string {
	return fmt.Sprintf("%s,%s,%s,%s",
		formatCoord(b.MinLon), formatCoord(b.MinLat),
		formatCoord(b.MaxLon), formatCoord(b.MaxLat))
}

// SnapToGrid rounds every edge of the box to the given grid resolution.
// The operation is idempotent: snapping an already snapped box returns the
// same value, and two boxes closer than half a cell land on the same grid
// point. That property is what makes the result usable as a cache key.
func SnapToGrid(b BBox, res float64) BBox {
	if res <= 0 {
		res = DefaultGridResolution
	}
	return BBox{
		MinLon: snap(b.MinLon, res),
		MinLat: snap(b.MinLat, res),
		MaxLon: snap(b.MaxLon, res),
		MaxLat: snap(b.MaxLat, res),
	}
}

func snap(v, res float64) float64 {
	return math.Round(v/res) * res
}

// ValidCoordinates reports whether a single point is a plausible WGS84
// location. Malformed upstream features are dropped with this check rather
// than aborting a whole page.
func ValidCoordinates(lon, lat float64) bool {
	if math.IsNaN(lon) || math.IsNaN(lat) {
		return false
	}
	if lon == 0 && lat == 0 {
		// Null island almost always means a missing fix upstream.
		return false
	}
	return lon >= -180 && lon <= 180 && lat >= -90 && lat <= 90
}

// CacheKey builds the canonical key for a bbox-scoped request. Every
// parameter that changes the upstream answer has to participate, otherwise
// two different queries could contaminate each other through the cache.
func CacheKey(b BBox, limit int, filter string) string {
	var sb strings.Builder
	sb.WriteString("bbox=")
	sb.WriteString(b.String())
	sb.WriteString("&limit=")
	sb.WriteString(strconv.Itoa(limit))
	if filter != "" {
		sb.WriteString("&filter=")
		sb.WriteString(filter)
	}
	return sb.String()
}

// formatCoord trims trailing zeros so snapped boxes produce stable short
// keys regardless of how the float arithmetic rounded them.
func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
