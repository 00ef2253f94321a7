package usgs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// =========================
// Latest gauge height reads
// =========================

// gaugeHeightParameter is the USGS parameter code for gauge height, feet.
const gaugeHeightParameter = "00065"

// maxSitesPerReadingsCall keeps the sites list inside the service's URL
// limits; callers batch larger id sets.
const maxSitesPerReadingsCall = 100

// Reading is the newest gauge-height observation for one site.
type Reading struct {
	SiteID string
	Height float64
	At     time.Time
}

// ivEnvelope mirrors the instantaneous-values response deeply enough to
// pull out the latest value per site. Everything else is ignored.
type ivEnvelope struct {
	Value struct {
		TimeSeries []struct {
			SourceInfo struct {
				SiteCode []struct {
					Value string `json:"value"`
				} `json:"siteCode"`
			} `json:"sourceInfo"`
			Values []struct {
				Value []struct {
					Value    string `json:"value"`
					DateTime string `json:"dateTime"`
				} `json:"value"`
			} `json:"values"`
		} `json:"timeSeries"`
	} `json:"value"`
}

// FetchLatestReadings returns the newest gauge-height reading for each of
// the given sites. Sites with no current reading are simply absent from
// the result; sites with unparsable values are dropped and logged.
func (c *Client) FetchLatestReadings(ctx context.Context, siteIDs []string) (map[string]Reading, error) {
	out := make(map[string]Reading, len(siteIDs))
	for start := 0; start < len(siteIDs); start += maxSitesPerReadingsCall {
		end := start + maxSitesPerReadingsCall
		if end > len(siteIDs) {
			end = len(siteIDs)
		}
		if err := c.fetchReadingsBatch(ctx, siteIDs[start:end], out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (c *Client) fetchReadingsBatch(ctx context.Context, siteIDs []string, out map[string]Reading) error {
	if len(siteIDs) == 0 {
		return nil
	}
	endpoint, err := url.Parse(c.ivBaseURL)
	if err != nil {
		return fmt.Errorf("parse iv url: %w", err)
	}
	q := endpoint.Query()
	q.Set("format", "json")
	q.Set("sites", strings.Join(siteIDs, ","))
	q.Set("parameterCd", gaugeHeightParameter)
	q.Set("siteStatus", "active")
	endpoint.RawQuery = q.Encode()

	body, err := c.get(ctx, endpoint.String())
	if err != nil {
		return fmt.Errorf("fetch readings: %w", err)
	}

	var env ivEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode readings: %w", err)
	}

	for _, series := range env.Value.TimeSeries {
		if len(series.SourceInfo.SiteCode) == 0 {
			continue
		}
		site := strings.TrimSpace(series.SourceInfo.SiteCode[0].Value)
		if site == "" {
			continue
		}
		var newest *Reading
		for _, block := range series.Values {
			for _, v := range block.Value {
				height, err := strconv.ParseFloat(strings.TrimSpace(v.Value), 64)
				if err != nil {
					c.logForDrop("usgs: unparsable reading for %s: %q", site, v.Value)
					continue
				}
				// The service marks missing data with large negative
				// sentinels; anything below any plausible gauge datum is
				// noise, not water.
				if height <= -100000 {
					continue
				}
				at, err := time.Parse(time.RFC3339, strings.TrimSpace(v.DateTime))
				if err != nil {
					if at2, err2 := time.Parse("2006-01-02T15:04:05.000-07:00", strings.TrimSpace(v.DateTime)); err2 == nil {
						at = at2
					} else {
						c.logForDrop("usgs: unparsable reading time for %s: %q", site, v.DateTime)
						continue
					}
				}
				if newest == nil || at.After(newest.At) {
					newest = &Reading{SiteID: site, Height: height, At: at}
				}
			}
		}
		if newest != nil {
			out[site] = *newest
		}
	}
	return nil
}
