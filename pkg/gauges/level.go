package gauges

import "math"

// =================
// Water level bands
// =================

// Level is an ordered banding of gauge height in feet. The cutoffs are
// fixed; the function over them is total, so a missing or NaN height maps
// to LevelUnknown instead of panicking somewhere deep in a render path.
type Level string

const (
	LevelUnknown  Level = "unknown"
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Band cutoffs in feet. Heights below lowMax are low, below mediumMax
// medium, below highMax high, everything at or above highMax critical.
const (
	lowMax    = 2.0
	mediumMax = 5.0
	highMax   = 10.0
)

// LevelFor bands a gauge height. Negative heights are legitimate (gauges
// read below their datum during droughts) and band as low.
func LevelFor(height float64) Level {
	switch {
	case math.IsNaN(height):
		return LevelUnknown
	case height < lowMax:
		return LevelLow
	case height < mediumMax:
		return LevelMedium
	case height < highMax:
		return LevelHigh
	default:
		return LevelCritical
	}
}

// Color returns the display colour for a band so the map markers and
// the legend agree on the palette.
func (l Level) Color() string {
	switch l {
	case LevelLow:
		return "#2e7d32"
	case LevelMedium:
		return "#f9a825"
	case LevelHigh:
		return "#ef6c00"
	case LevelCritical:
		return "#c62828"
	default:
		return "#9e9e9e"
	}
}

// Rank orders bands so callers can compare severity without string
// comparisons. Unknown ranks lowest.
func (l Level) Rank() int {
	switch l {
	case LevelLow:
		return 1
	case LevelMedium:
		return 2
	case LevelHigh:
		return 3
	case LevelCritical:
		return 4
	default:
		return 0
	}
}
