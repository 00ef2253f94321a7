package gauges

import (
	"math"
	"testing"
	"time"
)

func TestLevelForBandCutoffs(t *testing.T) {
	cases := []struct {
		height float64
		want   Level
	}{
		{1.9, LevelLow},
		{2.0, LevelMedium},
		{4.999, LevelMedium},
		{5.0, LevelHigh},
		{9.999, LevelHigh},
		{10.0, LevelCritical},
		{-0.5, LevelLow},
		{42.0, LevelCritical},
	}
	for _, tc := range cases {
		if got := LevelFor(tc.height); got != tc.want {
			t.Fatalf("LevelFor(%v) = %s, want %s", tc.height, got, tc.want)
		}
	}
}

func TestLevelForNaNIsUnknown(t *testing.T) {
	if got := LevelFor(math.NaN()); got != LevelUnknown {
		t.Fatalf("LevelFor(NaN) = %s, want %s", got, LevelUnknown)
	}
}

func TestLevelOrdering(t *testing.T) {
	order := []Level{LevelUnknown, LevelLow, LevelMedium, LevelHigh, LevelCritical}
	for i := 1; i < len(order); i++ {
		if order[i-1].Rank() >= order[i].Rank() {
			t.Fatalf("%s should rank below %s", order[i-1], order[i])
		}
	}
}

func TestSiteTypeFromCode(t *testing.T) {
	cases := []struct {
		code string
		want SiteType
	}{
		{"ST", SiteStream},
		{"st-ca", SiteStream},
		{"ST-DCH", SiteStream},
		{"LK", SiteLake},
		{"ES", SiteEstuary},
		{"GW", SiteOther},
		{"", SiteOther},
		{"  st  ", SiteStream},
	}
	for _, tc := range cases {
		if got := SiteTypeFromCode(tc.code); got != tc.want {
			t.Fatalf("SiteTypeFromCode(%q) = %s, want %s", tc.code, got, tc.want)
		}
	}
}

func TestSurfaceWaterAllowlist(t *testing.T) {
	for _, st := range []SiteType{SiteStream, SiteLake, SiteEstuary} {
		if !st.SurfaceWater() {
			t.Fatalf("%s should count as surface water", st)
		}
	}
	if SiteOther.SurfaceWater() {
		t.Fatal("Other must not count as surface water")
	}
}

func TestEnrich(t *testing.T) {
	loc := Location{ID: "07094500", Name: "Arkansas River", Lon: -105.2, Lat: 38.5, SiteType: SiteStream}
	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	st := Enrich(loc, 6.2, at)
	if st.LatestHeight == nil || *st.LatestHeight != 6.2 {
		t.Fatalf("unexpected height: %+v", st.LatestHeight)
	}
	if st.Level != LevelHigh || !st.LastUpdated.Equal(at) {
		t.Fatalf("unexpected enrichment: %+v", st)
	}

	missing := Enrich(loc, math.NaN(), at)
	if missing.LatestHeight != nil || missing.Level != LevelUnknown || !missing.LastUpdated.IsZero() {
		t.Fatalf("NaN height should leave station unknown: %+v", missing)
	}
}
