// Package challenge serves the interstitial page that hands a visitor a
// fresh token and, after a short delay, sets the challenge cookie.
package challenge

import (
	"net/http"
	"strconv"
	"time"

	"botgate/gate-service/internal/config"
	"botgate/gate-service/internal/httputil"
	"botgate/gate-service/internal/metrics"
	"botgate/gate-service/internal/rate"
	"botgate/gate-service/internal/settings"
	"botgate/gate-service/internal/token"
)

type Handler struct {
	store      settings.Reader
	guard      *rate.Guard
	basePath   string
	cookieName string
	securePort string
	now        func() time.Time
}

// NewHandler wires the page. guard may be nil.
func NewHandler(cfg *config.Config, store settings.Reader, guard *rate.Guard) *Handler {
	return &Handler{
		store:      store,
		guard:      guard,
		basePath:   cfg.App.BasePath,
		cookieName: cfg.CookieName(),
		securePort: cfg.Server.SecurePort,
		now:        time.Now,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := httputil.GetLogger(r.Context())

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ip := httputil.ClientIP(r)
	if ok, retryAfter := h.guard.Allow(ip); !ok {
		logger.Warn().Dur("retry_after", retryAfter).Msg("challenge page rate limit exceeded")
		metrics.RateLimitHits.WithLabelValues("challenge_page").Inc()
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter/time.Second)))
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	snap, err := h.store.Snapshot(r.Context())
	if err != nil {
		metrics.SettingsErrors.WithLabelValues("snapshot").Inc()
		logger.Error().Err(err).Msg("settings unavailable; cannot issue challenge")
		w.Header().Set("Retry-After", "5")
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}

	pc := h.pageContext(r, snap)
	body, err := Render(pc)
	if err != nil {
		logger.Error().Err(err).Msg("render challenge page")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	hdr := w.Header()
	hdr.Set("Cache-Control", "no-store, no-cache, must-revalidate")
	hdr.Set("Pragma", "no-cache")
	hdr.Set("Content-Type", "text/html; charset=utf-8")
	hdr.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		w.Write(body)
	}
	metrics.ChallengeRendered.Inc()
}

// pageContext mints a fresh token and collects what the page script needs.
func (h *Handler) pageContext(r *http.Request, snap settings.Snapshot) PageContext {
	raw := r.URL.Query().Get("redirect_url")
	redirectURL, ok := ValidateRedirectURL(raw, h.basePath)
	if !ok && raw != "" {
		httputil.GetLogger(r.Context()).Debug().Str("redirect_url", raw).Msg("redirect target rejected")
	}
	return PageContext{
		Token:                 token.Issue(snap.Salt, h.now()),
		DelaySeconds:          snap.DelaySeconds,
		CookieLifetimeSeconds: snap.CookieLifetimeSeconds(),
		RedirectURL:           redirectURL,
		IsHTTPS:               httputil.IsHTTPS(r, h.securePort),
		DetectHeadless:        snap.DetectHeadless,
		CookieName:            h.cookieName,
		CookiePath:            DefaultTarget(h.basePath),
	}
}
