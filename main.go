package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"embed"
	"errors"
	"flag"
	"fmt"
	"html/template"
	"io/fs"
	"log"
	"net"
	"net/http"
	"os"
	"runtime"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"riverwatch-gauge-map/pkg/api"
	"riverwatch-gauge-map/pkg/database"
	"riverwatch-gauge-map/pkg/enrichment"
	"riverwatch-gauge-map/pkg/retryqueue"
	"riverwatch-gauge-map/pkg/tiles"
	"riverwatch-gauge-map/pkg/usgs"
)

//go:embed public_html/*
var content embed.FS

var domain = flag.String("domain", "", "Use 80 and 443 ports. Automatic HTTPS cert via Let's Encrypt.")
var dbType = flag.String("db-type", "sqlite", "Type of the database driver: genji, sqlite, or pgx (postgresql)")
var dbPath = flag.String("db-path", "", "Path to the database file (defaults to the current folder, applicable for genji, sqlite drivers.)")
var dbConn = flag.String("db-conn", "", "Full connection string (applicable for pgx driver, overrides host/port flags)")
var dbHost = flag.String("db-host", "127.0.0.1", "Database host (applicable for pgx driver)")
var dbPort = flag.Int("db-port", 5432, "Database port (applicable for pgx driver)")
var dbUser = flag.String("db-user", "postgres", "Database user (applicable for pgx driver)")
var dbPass = flag.String("db-pass", "", "Database password (applicable for pgx driver)")
var dbName = flag.String("db-name", "riverwatch", "Database name (applicable for pgx driver)")
var pgSSLMode = flag.String("pg-ssl-mode", "prefer", "PostgreSQL SSL mode: disable, allow, prefer, require, verify-ca, or verify-full")
var port = flag.Int("port", 8765, "Port for running the server")
var version = flag.Bool("version", false, "Show the application version")
var baseURL = flag.String("base-url", "", "External base URL for share links (defaults to the domain or localhost)")
var defaultLat = flag.Float64("default-lat", 38.8895, "Default map latitude")
var defaultLon = flag.Float64("default-lon", -77.0353, "Default map longitude")
var defaultZoom = flag.Int("default-zoom", 9, "Default map zoom")
var usgsURL = flag.String("usgs-url", "", "Override the USGS monitoring-locations collection URL")
var usgsIVURL = flag.String("usgs-iv-url", "", "Override the USGS instantaneous-values service URL")
var tileProxyURL = flag.String("tile-proxy-url", "", "Imagery tile proxy endpoint (empty disables the imagery layer)")
var markerThreshold = flag.Int("marker-threshold", 1000, "Station count above which the map falls back to the density overlay")
var pageLimit = flag.Int("page-limit", 500, "Stations requested per upstream page")
var debounce = flag.Duration("debounce", 400*time.Millisecond, "Viewport settle debounce before a load starts")
var retryBudget = flag.Int("retry-budget", 60, "Upstream attempts allowed per rolling minute")
var enrichInterval = flag.Duration("enrich-interval", 15*time.Minute, "How often cached stations get fresh gauge heights")

// CompileVersion is stamped by the build; "dev" means a local build.
var CompileVersion = "dev"

// withServerHeader wraps any http.Handler, adding a
// "Server: riverwatch-gauge-map/<CompileVersion>" header.
//
// A HEAD request to "/" is answered 200 OK with no body so load
// balancers can probe liveness cheaply.
func withServerHeader(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "riverwatch-gauge-map/"+CompileVersion)

		if r.Method == http.MethodHead && r.URL.Path == "/" {
			w.WriteHeader(http.StatusOK)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// serveWithDomain runs:
//   - :80  — ACME HTTP-01 + 301 redirect to https://<domain>/…
//   - :443 — HTTPS with automatic Let's Encrypt certificates.
//
// If autocert cannot issue a cert for a given host/SNI the server still
// hands out the previously obtained fallback cert, which silences the
// "host not configured" noise for bare-IP clients.
//
// Compatibility: TLS >= 1.0, ALPN h2/http1.1/http1.0.
// All errors are only logged.
func serveWithDomain(domain string, handler http.Handler) {
	// ----------- ACME manager -----------
	certMgr := &autocert.Manager{
		Prompt: autocert.AcceptTOS,
		Cache:  autocert.DirCache("certs"),
		HostPolicy: func(ctx context.Context, host string) error {
			// Allow the bare domain and www.<domain>
			if host == domain || host == "www."+domain {
				return nil
			}
			// An IP address? Don't block it, just don't request a cert.
			if net.ParseIP(host) != nil {
				return nil
			}
			return errors.New("acme/autocert: host not configured")
		},
	}

	// ----------- :80 (challenge + redirect) -----------
	go func() {
		mux80 := http.NewServeMux()
		mux80.Handle("/.well-known/acme-challenge/", certMgr.HTTPHandler(nil))
		mux80.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			target := "https://" + domain + r.URL.RequestURI()
			http.Redirect(w, r, target, http.StatusMovedPermanently)
		})

		log.Printf("HTTP  server (ACME+redirect) ➜ :80")
		if err := (&http.Server{
			Addr:              ":80",
			Handler:           mux80,
			ReadHeaderTimeout: 10 * time.Second,
		}).ListenAndServe(); err != nil {
			log.Printf("HTTP  server error: %v", err)
		}
	}()

	// ----------- daily certificate check -----------
	go func() {
		t := time.NewTicker(24 * time.Hour)
		defer t.Stop()
		for range t.C {
			if _, err := certMgr.GetCertificate(&tls.ClientHelloInfo{ServerName: domain}); err != nil {
				log.Printf("autocert renewal check: %v", err)
			}
		}
	}()

	// ----------- :443 (HTTPS) -----------
	tlsCfg := certMgr.TLSConfig()
	tlsCfg.MinVersion = tls.VersionTLS10
	tlsCfg.NextProtos = append([]string{"http/1.0"}, tlsCfg.NextProtos...)

	// Fallback certificate for IPs / odd SNI values.
	var defaultCert *tls.Certificate
	go func() {
		for defaultCert == nil {
			if c, err := certMgr.GetCertificate(&tls.ClientHelloInfo{ServerName: domain}); err == nil {
				defaultCert = c
			}
			time.Sleep(time.Minute)
		}
	}()
	tlsCfg.GetCertificate = func(chi *tls.ClientHelloInfo) (*tls.Certificate, error) {
		c, err := certMgr.GetCertificate(chi)
		if err == nil {
			return c, nil
		}
		if defaultCert != nil {
			return defaultCert, nil
		}
		return nil, err
	}

	log.Printf("HTTPS server for %s ➜ :443 (TLS ≥1.0, ALPN h2/http1.1/1.0)", domain)
	if err := (&http.Server{
		Addr:              ":443",
		Handler:           handler,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
	}).ListenAndServeTLS("", ""); err != nil {
		log.Printf("HTTPS server error: %v", err)
	}
}

// renderMapPage executes the embedded map template once at startup with
// the configured defaults so every request serves pre-rendered bytes.
func renderMapPage() ([]byte, error) {
	tpl, err := template.ParseFS(content, "public_html/map.html")
	if err != nil {
		return nil, fmt.Errorf("parse map page: %w", err)
	}
	var buf bytes.Buffer
	err = tpl.Execute(&buf, map[string]any{
		"Lat":     *defaultLat,
		"Lon":     *defaultLon,
		"Zoom":    *defaultZoom,
		"Version": CompileVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("render map page: %w", err)
	}
	return buf.Bytes(), nil
}

// =====================
// MAIN
// =====================

// main parses flags, initialises the DB & routes, then either
// (a) serves plain HTTP on a custom port, or
// (b) if -domain is given, serves ACME-backed HTTPS on 443 plus
// an ACME/redirect helper on 80.
//
// If any web server returns an error it is only logged; the
// application continues running. A final `select{}` keeps the
// main goroutine alive without resorting to mutexes.
func main() {
	flag.Parse()

	if *version {
		fmt.Printf("riverwatch-gauge-map version %s\n", CompileVersion)
		return
	}

	// Privilege warning for :80 / :443.
	if *domain != "" && runtime.GOOS != "windows" && os.Geteuid() != 0 {
		log.Println("⚠  Binding to :80 / :443 requires super-user rights; run with sudo or as root.")
	}

	// Database.
	db, err := database.NewDatabase(database.Config{
		DBType:    *dbType,
		DBPath:    *dbPath,
		DBConn:    *dbConn,
		DBHost:    *dbHost,
		DBPort:    *dbPort,
		DBUser:    *dbUser,
		DBPass:    *dbPass,
		DBName:    *dbName,
		PGSSLMode: *pgSSLMode,
		Port:      *port,
	})
	if err != nil {
		log.Fatalf("DB init: %v", err)
	}
	if err := db.InitSchema(); err != nil {
		log.Fatalf("DB schema: %v", err)
	}

	// Upstream clients and the shared rate-limited retry queue.
	source := usgs.NewClient(usgs.Config{
		BaseURL:   *usgsURL,
		IVBaseURL: *usgsIVURL,
		Logf:      log.Printf,
	})
	queue := retryqueue.New(retryqueue.Config{
		BudgetPerWindow: *retryBudget,
		Window:          time.Minute,
		Logf:            log.Printf,
	})
	imagery := tiles.NewClient(tiles.Config{
		BaseURL: *tileProxyURL,
		Logf:    log.Printf,
	})

	// Background refresh of cached gauge heights.
	ctxBG, cancelBG := context.WithCancel(context.Background())
	defer cancelBG()
	enrichment.Start(ctxBG, enrichment.Config{
		Source:   source,
		Store:    db,
		Interval: *enrichInterval,
		Logf:     log.Printf,
	})

	// Routes and static assets.
	mapPage, err := renderMapPage()
	if err != nil {
		log.Fatalf("map page: %v", err)
	}
	external := *baseURL
	if external == "" {
		if *domain != "" {
			external = "https://" + *domain
		} else {
			external = fmt.Sprintf("http://localhost:%d", *port)
		}
	}

	handler := api.NewHandler(api.Config{
		DB:              db,
		Source:          source,
		Tiles:           imagery,
		Queue:           queue,
		MapPage:         mapPage,
		BaseURL:         external,
		MarkerThreshold: *markerThreshold,
		Debounce:        *debounce,
		PageLimit:       *pageLimit,
		Logf:            log.Printf,
	})

	mux := http.NewServeMux()
	handler.Register(mux)
	staticFS, err := fs.Sub(content, "public_html")
	if err != nil {
		log.Fatalf("static fs: %v", err)
	}
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticFS))))

	rootHandler := withServerHeader(mux)

	// HTTP/HTTPS servers.
	if *domain != "" {
		go serveWithDomain(*domain, rootHandler)
	} else {
		addr := fmt.Sprintf(":%d", *port)
		go func() {
			log.Printf("HTTP server ➜ http://localhost%s", addr)
			if err := http.ListenAndServe(addr, rootHandler); err != nil {
				log.Printf("HTTP server error: %v", err)
			}
		}()
	}

	// Keep the main goroutine alive.
	select {}
}
