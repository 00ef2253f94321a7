// Package markers owns the rendered-marker state for one map instance and
// reconciles it incrementally against whatever set of stations the load
// pipeline most recently produced. Markers are never torn down wholesale
// on a viewport change; they are diffed, so panning a map with hundreds of
// gauges does not flicker or churn the renderer.
package markers

import "riverwatch-gauge-map/pkg/gauges"

// MarkerState is everything a rendering engine needs to draw one gauge
// marker. It is deliberately plain data so sinks can serialize it straight
// onto whatever wire or API they wrap.
type MarkerState struct {
	Lon    float64      `json:"lon"`
	Lat    float64      `json:"lat"`
	Label  string       `json:"label"`
	Color  string       `json:"color"`
	Level  gauges.Level `json:"level"`
	Height *float64     `json:"height,omitempty"`
}

// DensityPoint is one weighted sample of the heatmap overlay used when a
// viewport holds too many gauges to render discretely.
type DensityPoint struct {
	Lon    float64 `json:"lon"`
	Lat    float64 `json:"lat"`
	Weight float64 `json:"weight"`
}

// Sink is the narrow boundary to the rendering engine: Leaflet over SSE
// in this repository, anything with markers and raster overlays in
// principle. The reconciler only ever needs these five operations, so the
// engine's real API surface never leaks into the algorithm.
type Sink interface {
	// UpsertMarker creates the marker if the id is new and updates it in
	// place otherwise. Implementations must not destroy and recreate on
	// update; that is the whole point of reconciliation.
	UpsertMarker(id string, state MarkerState)
	// RemoveMarker detaches and drops the marker. Unknown ids are a no-op.
	RemoveMarker(id string)
	// SetDensity replaces the density overlay with the given sample.
	// At most one overlay is ever live.
	SetDensity(points []DensityPoint)
	// ClearDensity removes the overlay if one is live.
	ClearDensity()
	// Clear removes every marker and the overlay. Used on teardown and
	// when switching to density mode.
	Clear()
}

// StateFor renders a station into its marker state.
func StateFor(st gauges.Station) MarkerState {
	return MarkerState{
		Lon:    st.Lon,
		Lat:    st.Lat,
		Label:  st.Name,
		Color:  st.Level.Color(),
		Level:  st.Level,
		Height: st.LatestHeight,
	}
}

// equalState reports whether two marker states would render identically,
// so converged reconciliations become no-ops instead of redundant sink
// calls.
func equalState(a, b MarkerState) bool {
	if a.Lon != b.Lon || a.Lat != b.Lat || a.Label != b.Label || a.Color != b.Color || a.Level != b.Level {
		return false
	}
	switch {
	case a.Height == nil && b.Height == nil:
		return true
	case a.Height == nil || b.Height == nil:
		return false
	default:
		return *a.Height == *b.Height
	}
}
