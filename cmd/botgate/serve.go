package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"botgate/gate-service/internal/admin"
	"botgate/gate-service/internal/challenge"
	"botgate/gate-service/internal/circuitbreaker"
	"botgate/gate-service/internal/config"
	"botgate/gate-service/internal/gate"
	"botgate/gate-service/internal/httputil"
	"botgate/gate-service/internal/metrics"
	"botgate/gate-service/internal/proxy"
	"botgate/gate-service/internal/rate"
	"botgate/gate-service/internal/routes"
	"botgate/gate-service/internal/settings"
	"botgate/gate-service/internal/token"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gate in front of the configured upstream",
	RunE:  serveMain,
}

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain(mw1, mw2)(h) => mw1(mw2(h))
func Chain(middlewares ...Middleware) Middleware {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// withCommonHeaders is applied to responses the gate produces itself, never
// to proxied content.
func withCommonHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		if strings.HasPrefix(r.URL.Path, "/admin/stats") || strings.HasPrefix(r.URL.Path, "/metrics") ||
			strings.HasPrefix(r.URL.Path, "/healthz") || strings.HasPrefix(r.URL.Path, "/readyz") {
			w.Header().Set("Content-Security-Policy", "default-src 'none'; connect-src 'self'; frame-ancestors 'none'")
		}
		next.ServeHTTP(w, r)
	})
}

// app holds the wired components behind the HTTP surface.
type app struct {
	cfg     *config.Config
	store   *settings.Store
	table   *routes.Table
	gate    *gate.Middleware
	page    *challenge.Handler
	proxy   *proxy.Handler
	keyring *token.Keyring
	started time.Time
}

func newApp(cfg *config.Config, store *settings.Store) (*app, error) {
	kr, err := newKeyring(cfg)
	if err != nil {
		return nil, err
	}
	// Per-request readers go through the breaker; readiness and the
	// settings API talk to the store directly.
	reader := settings.Guarded(store, circuitbreaker.New("settings", circuitbreaker.DefaultConfig()))
	table := routes.New(cfg)
	mw, err := gate.NewMiddleware(cfg, table, reader)
	if err != nil {
		return nil, err
	}
	ph, err := proxy.NewHandler(cfg)
	if err != nil {
		return nil, err
	}
	guard := rate.NewGuard(float64(cfg.Guard.ChallengeRPSLimit), cfg.Guard.WindowSec, cfg.Guard.RetryAfterSec)
	return &app{
		cfg:     cfg,
		store:   store,
		table:   table,
		gate:    mw,
		page:    challenge.NewHandler(cfg, reader, guard),
		proxy:   ph,
		keyring: kr,
		started: time.Now(),
	}, nil
}

// Handler is the complete HTTP surface.
func (a *app) Handler(gatherer prometheus.Gatherer) http.Handler {
	requireAdmin := admin.RequireAdmin(a.keyring)
	own := Middleware(withCommonHeaders)

	settingsAPI := own(requireAdmin(admin.NewSettingsHandler(a.store)))
	page := own(a.page)

	// Everything under the site goes through the gate; the gate lets the
	// challenge page and the settings API through on its own.
	site := a.gate.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		match, _ := a.table.Resolve(r.URL.Path)
		switch match.Name {
		case config.ChallengeRouteName:
			page.ServeHTTP(w, r)
		case config.SettingsRouteName:
			settingsAPI.ServeHTTP(w, r)
		default:
			a.proxy.ServeHTTP(w, r)
		}
	}))

	mux := http.NewServeMux()
	mux.Handle("/healthz", own(http.HandlerFunc(a.handleHealth)))
	mux.Handle("/readyz", own(http.HandlerFunc(a.handleReady)))
	mux.Handle("/metrics", own(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	mux.Handle("/admin/stats", own(requireAdmin(metrics.StatsHandler(gatherer, a.started))))
	mux.Handle("/", site)

	return Chain(httputil.RequestIDMiddleware(log.Logger))(mux)
}

type healthStatus struct {
	Status     string            `json:"status"` // "ok" | "degraded"
	Components map[string]string `json:"components"`
}

func (a *app) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, healthStatus{
		Status:     "ok",
		Components: map[string]string{"proxy": "ok", "gate": "ok"},
	})
}

// handleReady reports degraded when the settings store cannot be read or
// has never been installed.
func (a *app) handleReady(w http.ResponseWriter, r *http.Request) {
	status := healthStatus{Status: "ok", Components: map[string]string{"proxy": "ok"}}
	code := http.StatusOK
	snap, err := a.store.Snapshot(r.Context())
	switch {
	case err != nil:
		status.Components["settings"] = "unavailable"
	case snap.Salt == "":
		status.Components["settings"] = "not_installed"
	default:
		status.Components["settings"] = "ok"
	}
	if status.Components["settings"] != "ok" {
		status.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, code, status)
}

func serveMain(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}
	log.Info().Str("config", path).Str("listen", cfg.Server.Listen).
		Str("upstream", cfg.App.Upstream).Str("challenge", cfg.ChallengeURL()).Msg("starting botgate")

	metrics.MustRegister()

	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if snap, err := store.Snapshot(cmd.Context()); err != nil {
		log.Warn().Err(err).Msg("settings store not readable at startup")
	} else if snap.Salt == "" {
		log.Warn().Msg("no salt configured; run `botgate install` to seed the settings store")
	}

	a, err := newApp(cfg, store)
	if err != nil {
		return err
	}
	if a.keyring == nil {
		log.Warn().Msg("admin.keys empty; settings API and /admin/stats are disabled")
	}

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           a.Handler(prometheus.DefaultGatherer),
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutMs) * time.Millisecond,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadTimeoutMs) * time.Millisecond,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutMs) * time.Millisecond,
		IdleTimeout:       120 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		if cfg.Server.TLSEnabled {
			log.Info().Str("addr", srv.Addr).Msg("listening (TLS)")
			serverErrors <- srv.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
			return
		}
		log.Info().Str("addr", srv.Addr).Msg("listening")
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-cmd.Context().Done():
		log.Info().Msg("received shutdown signal")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.proxy.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("proxy shutdown error")
	}
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown failed, forcing close")
		srv.Close()
	}
	log.Info().Msg("shutdown complete")
	return nil
}
