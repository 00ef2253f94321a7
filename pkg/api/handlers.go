// Package api is the HTTP surface of the gauge map: the embedded map
// page, per-session pipeline control over SSE, the persistent station
// cache, tile URLs and shareable viewport links.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"riverwatch-gauge-map/pkg/database"
	"riverwatch-gauge-map/pkg/gauges"
	"riverwatch-gauge-map/pkg/geo"
	"riverwatch-gauge-map/pkg/markers"
	"riverwatch-gauge-map/pkg/pipeline"
	"riverwatch-gauge-map/pkg/requestcache"
	"riverwatch-gauge-map/pkg/retryqueue"
	"riverwatch-gauge-map/pkg/tiles"
	"riverwatch-gauge-map/pkg/usgs"
)

// =======================
// Public API entry points
// =======================

// Config wires the handler's collaborators together. Caches are created
// internally and shared across sessions so two maps over the same
// viewport coalesce into one upstream call.
type Config struct {
	DB     *database.Database
	Source pipeline.Source
	Tiles  *tiles.Client
	Queue  *retryqueue.Queue

	MapPage []byte // embedded map page served at /
	BaseURL string // external base for share links, e.g. https://gauges.example

	MarkerThreshold int
	Debounce        time.Duration
	PageLimit       int
	Filter          string
	SessionIdle     time.Duration

	Logf func(string, ...any)
}

// Handler translates HTTP requests into the asynchronous building blocks
// behind the scenes and keeps routes small and declarative.
type Handler struct {
	cfg        Config
	sessions   *registry
	preflights *requestcache.Cache[usgs.PreflightResult]
	features   *requestcache.Cache[[]gauges.Location]
}

// NewHandler constructs the handler and its session registry.
func NewHandler(cfg Config) *Handler {
	h := &Handler{
		cfg:        cfg,
		preflights: requestcache.New[usgs.PreflightResult](0),
		features:   requestcache.New[[]gauges.Location](0),
	}
	h.sessions = newRegistry(h.newSession, cfg.SessionIdle)
	return h
}

// Close tears down every session and the shared caches.
func (h *Handler) Close() {
	h.sessions.close()
	h.preflights.Close()
	h.features.Close()
}

// newSession builds the sink → reconciler → controller chain for one
// browser map instance.
func (h *Handler) newSession(id string) *session {
	sink := newEventSink(0)
	rec := markers.New(sink, markers.Config{Logf: h.cfg.Logf})
	// A typed nil *database.Database must not become a non-nil Store.
	var store pipeline.Store
	if h.cfg.DB != nil {
		store = h.cfg.DB
	}
	ctl := pipeline.New(h.cfg.Source, rec, pipeline.Config{
		Threshold:      h.cfg.MarkerThreshold,
		Debounce:       h.cfg.Debounce,
		PageLimit:      h.cfg.PageLimit,
		Filter:         h.cfg.Filter,
		Queue:          h.cfg.Queue,
		Store:          store,
		PreflightCache: h.preflights,
		FeatureCache:   h.features,
		Logf:           h.cfg.Logf,
	})
	return &session{id: id, sink: sink, rec: rec, ctl: ctl, done: make(chan struct{})}
}

// Register attaches routes to the provided mux. Plain prefix routing; no
// clever router that could obscure how pages are served.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/", h.handleIndex)
	mux.HandleFunc("/api", h.handleOverview)
	mux.HandleFunc("/api/session", h.handleSessionCreate)
	mux.HandleFunc("/api/session/", h.handleSession)
	mux.HandleFunc("/api/stations", h.handleStations)
	mux.HandleFunc("/api/stations/", h.handleReadings)
	mux.HandleFunc("/api/tiles", h.handleTiles)
	mux.HandleFunc("/api/shortlink", h.handleShortlink)
	mux.HandleFunc("/s/", h.handleResolve)
	mux.HandleFunc("/qrpng", h.handleQR)
}

// handleIndex serves the embedded map page.
func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(h.cfg.MapPage)
}

// handleOverview publishes machine-readable docs so developers understand
// which endpoints to call.
func (h *Handler) handleOverview(w http.ResponseWriter, r *http.Request) {
	overview := struct {
		Endpoints map[string]any `json:"endpoints"`
	}{
		Endpoints: map[string]any{
			"createSession": map[string]any{
				"method":      "POST",
				"path":        "/api/session",
				"description": "Creates a map session; the response carries the SSE events path.",
			},
			"settleViewport": map[string]any{
				"method":      "POST",
				"path":        "/api/session/{id}/viewport",
				"body":        []string{"minLon", "minLat", "maxLon", "maxLat"},
				"description": "Reports a settled viewport. Loads are debounced and superseded by newer settles.",
			},
			"events": map[string]any{
				"method":      "GET",
				"path":        "/api/session/{id}/events",
				"description": "SSE stream of marker operations for the session's map.",
			},
			"sessionStatus": map[string]any{
				"method":      "GET",
				"path":        "/api/session/{id}/status",
				"description": "Current load state: markers, density, loading, count-unavailable or failed.",
			},
			"selectStation": map[string]any{
				"method":      "POST",
				"path":        "/api/session/{id}/select",
				"body":        []string{"id"},
				"description": "Reports a marker click; ignored when the marker is no longer rendered.",
			},
			"cachedStations": map[string]any{
				"method":      "GET",
				"path":        "/api/stations",
				"query":       []string{"bbox"},
				"description": "Last known stations inside bbox (minLon,minLat,maxLon,maxLat) from the persistent cache.",
			},
			"stationReadings": map[string]any{
				"method":      "GET",
				"path":        "/api/stations/{id}/readings",
				"query":       []string{"hours", "limit"},
				"description": "Gauge-height history for one station, newest first.",
			},
			"tileURL": map[string]any{
				"method":      "GET",
				"path":        "/api/tiles",
				"query":       []string{"dataset", "year", "month"},
				"description": "XYZ tile URL template for the satellite overlay.",
			},
			"shortlink": map[string]any{
				"method":      "GET, POST",
				"path":        "/api/shortlink",
				"query":       []string{"url"},
				"description": "GET previews a share code for a viewport URL; POST persists it.",
			},
		},
	}
	h.respondJSON(w, overview)
}

// ==================
// Session endpoints
// ==================

func (h *Handler) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	sess, err := h.sessions.create(r.Context())
	if err != nil {
		http.Error(w, "session create", http.StatusServiceUnavailable)
		return
	}
	h.respondJSON(w, map[string]string{
		"id":     sess.id,
		"events": "/api/session/" + sess.id + "/events",
	})
}

// handleSession dispatches /api/session/{id}/{action}.
func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/session/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.NotFound(w, r)
		return
	}
	sess := h.sessions.lookup(r.Context(), id)
	if sess == nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	switch {
	case action == "viewport" && r.Method == http.MethodPost:
		h.handleViewport(w, r, sess)
	case action == "events" && r.Method == http.MethodGet:
		h.handleEvents(w, r, sess)
	case action == "status" && r.Method == http.MethodGet:
		h.handleStatus(w, r, sess)
	case action == "select" && r.Method == http.MethodPost:
		h.handleSelect(w, r, sess)
	case action == "" && r.Method == http.MethodDelete:
		h.sessions.remove(sess.id)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) handleViewport(w http.ResponseWriter, r *http.Request, sess *session) {
	var body struct {
		MinLon float64 `json:"minLon"`
		MinLat float64 `json:"minLat"`
		MaxLon float64 `json:"maxLon"`
		MaxLat float64 `json:"maxLat"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad viewport body", http.StatusBadRequest)
		return
	}
	box := geo.BBox{MinLon: body.MinLon, MinLat: body.MinLat, MaxLon: body.MaxLon, MaxLat: body.MaxLat}
	if err := sess.ctl.ViewportSettled(r.Context(), box); err != nil {
		http.Error(w, "invalid viewport", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request, sess *session) {
	status, err := sess.ctl.Snapshot(r.Context())
	if err != nil {
		http.Error(w, "session closed", http.StatusGone)
		return
	}
	h.respondJSON(w, status)
}

func (h *Handler) handleSelect(w http.ResponseWriter, r *http.Request, sess *session) {
	var body struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ID == "" {
		http.Error(w, "bad select body", http.StatusBadRequest)
		return
	}
	if err := sess.rec.Select(r.Context(), body.ID); err != nil {
		http.Error(w, "session closed", http.StatusGone)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleEvents streams marker operations as Server-Sent Events. One
// stream per session; if the browser falls too far behind, the stream
// ends and the page starts a fresh session on reconnect.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request, sess *session) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	fmt.Fprintf(w, "data: {\"kind\":\"hello\",\"session\":%q}\n\n", sess.id)
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sess.done:
			return
		case <-sess.sink.stalled:
			return
		case <-heartbeat.C:
			// Comment lines keep proxies from cutting the stream and
			// double as the session's keepalive.
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
			h.sessions.lookup(r.Context(), sess.id)
		case ev := <-sess.sink.events:
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

// ====================
// Station cache routes
// ====================

// handleStations answers bbox queries from the persistent cache. Rows
// stream out of the database channel by channel; the handler folds them
// into one JSON answer with staleness visible per station.
func (h *Handler) handleStations(w http.ResponseWriter, r *http.Request) {
	box, err := parseBBoxParam(r.URL.Query().Get("bbox"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if h.cfg.DB == nil {
		http.Error(w, "station cache disabled", http.StatusServiceUnavailable)
		return
	}

	ctx := r.Context()
	rows, errCh := h.cfg.DB.StreamStationsByBounds(ctx, box)
	stations := make([]database.CachedStation, 0, 64)
	for st := range rows {
		stations = append(stations, st)
	}
	if err := <-errCh; err != nil {
		http.Error(w, "station query error", http.StatusInternalServerError)
		if h.cfg.Logf != nil {
			h.cfg.Logf("station query error: %v", err)
		}
		return
	}

	h.respondJSON(w, struct {
		BBox     string                   `json:"bbox"`
		Count    int                      `json:"count"`
		Stations []database.CachedStation `json:"stations"`
	}{
		BBox:     box.String(),
		Count:    len(stations),
		Stations: stations,
	})
}

// handleReadings serves /api/stations/{id}/readings for the chart panel.
func (h *Handler) handleReadings(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/stations/")
	siteID, action, _ := strings.Cut(rest, "/")
	if siteID == "" || action != "readings" {
		http.NotFound(w, r)
		return
	}
	if h.cfg.DB == nil {
		http.Error(w, "station cache disabled", http.StatusServiceUnavailable)
		return
	}

	q := r.URL.Query()
	hours := clampInt(parseIntDefault(q.Get("hours"), 72), 1, 24*30)
	limit := clampInt(parseIntDefault(q.Get("limit"), 500), 1, 5000)
	since := time.Now().Add(-time.Duration(hours) * time.Hour)

	readings, err := h.cfg.DB.ReadingsForStation(r.Context(), siteID, since, limit)
	if err != nil {
		http.Error(w, "readings error", http.StatusInternalServerError)
		if h.cfg.Logf != nil {
			h.cfg.Logf("readings error for %s: %v", siteID, err)
		}
		return
	}

	h.respondJSON(w, struct {
		SiteID   string                `json:"siteId"`
		Hours    int                   `json:"hours"`
		Readings []database.ReadingRow `json:"readings"`
	}{
		SiteID:   siteID,
		Hours:    hours,
		Readings: readings,
	})
}

// ==============
// Overlay routes
// ==============

func (h *Handler) handleTiles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	dataset := q.Get("dataset")
	if dataset == "" {
		dataset = "surface-water"
	}
	now := time.Now()
	year := parseIntDefault(q.Get("year"), now.Year())
	month := parseIntDefault(q.Get("month"), int(now.Month()))

	template, err := h.cfg.Tiles.FetchTileURL(r.Context(), dataset, year, month)
	if errors.Is(err, tiles.ErrDisabled) {
		http.Error(w, "tile proxy disabled", http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		http.Error(w, "tile url unavailable", http.StatusBadGateway)
		if h.cfg.Logf != nil {
			h.cfg.Logf("tile url error: %v", err)
		}
		return
	}

	h.respondJSON(w, map[string]any{
		"dataset":   dataset,
		"year":      year,
		"month":     month,
		"urlFormat": template,
	})
}

// ==================
// Share-link routes
// ==================

// handleShortlink previews (GET) or persists (POST) a share code for a
// viewport URL.
func (h *Handler) handleShortlink(w http.ResponseWriter, r *http.Request) {
	if h.cfg.DB == nil {
		http.Error(w, "share links disabled", http.StatusServiceUnavailable)
		return
	}

	switch r.Method {
	case http.MethodGet:
		target := r.URL.Query().Get("url")
		code, stored, err := h.cfg.DB.PreviewShortLink(r.Context(), target, 0)
		if err != nil {
			http.Error(w, "shortlink preview", http.StatusBadRequest)
			return
		}
		h.respondJSON(w, map[string]any{
			"code":   code,
			"stored": stored,
			"short":  h.shortURL(code),
		})

	case http.MethodPost:
		var body struct {
			Target string `json:"target"`
			Code   string `json:"code"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad shortlink body", http.StatusBadRequest)
			return
		}
		code, err := h.cfg.DB.PersistShortLink(r.Context(), body.Target, body.Code, time.Now(), 0)
		if err != nil {
			http.Error(w, "shortlink persist", http.StatusBadRequest)
			return
		}
		h.respondJSON(w, map[string]any{
			"code":  code,
			"short": h.shortURL(code),
		})

	default:
		http.Error(w, "GET or POST required", http.StatusMethodNotAllowed)
	}
}

// handleResolve redirects /s/{code} to the stored viewport URL.
func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	code := strings.TrimPrefix(r.URL.Path, "/s/")
	if code == "" || h.cfg.DB == nil {
		http.NotFound(w, r)
		return
	}
	target, err := h.cfg.DB.ResolveShortLink(r.Context(), code)
	if err != nil {
		http.Error(w, "resolve error", http.StatusInternalServerError)
		return
	}
	if target == "" {
		http.NotFound(w, r)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// handleQR renders the QR image for a share code.
func (h *Handler) handleQR(w http.ResponseWriter, r *http.Request) {
	code := strings.TrimSpace(r.URL.Query().Get("code"))
	if code == "" {
		http.Error(w, "code required", http.StatusBadRequest)
		return
	}
	png, err := qrcode.Encode(h.shortURL(code), qrcode.Medium, 256)
	if err != nil {
		http.Error(w, "qr encode", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	_, _ = w.Write(png)
}

func (h *Handler) shortURL(code string) string {
	base := strings.TrimRight(h.cfg.BaseURL, "/")
	return base + "/s/" + code
}

// =====================
// Utility helpers
// =====================

func (h *Handler) respondJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// parseBBoxParam parses "minLon,minLat,maxLon,maxLat".
func parseBBoxParam(raw string) (geo.BBox, error) {
	parts := strings.Split(strings.TrimSpace(raw), ",")
	if len(parts) != 4 {
		return geo.BBox{}, fmt.Errorf("bbox must be minLon,minLat,maxLon,maxLat")
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return geo.BBox{}, fmt.Errorf("bbox component %d: %w", i, err)
		}
		vals[i] = v
	}
	box := geo.BBox{MinLon: vals[0], MinLat: vals[1], MaxLon: vals[2], MaxLat: vals[3]}
	if !box.Valid() {
		return geo.BBox{}, fmt.Errorf("invalid bbox %s", raw)
	}
	return box, nil
}

func parseIntDefault(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
