package gate

import (
	"net/http"
	"time"

	"botgate/gate-service/internal/config"
	"botgate/gate-service/internal/httputil"
	"botgate/gate-service/internal/metrics"
	"botgate/gate-service/internal/routes"
	"botgate/gate-service/internal/settings"
	"botgate/gate-service/internal/util"
)

// Middleware applies Decide to live HTTP traffic.
type Middleware struct {
	gate       *Gate
	table      *routes.Table
	store      settings.Reader
	cookieName string

	// fallbackSalt was never used to issue a token, so a store outage
	// can only make the gate stricter.
	fallbackSalt string
	logKey       []byte
	now          func() time.Time
}

// NewMiddleware reads settings from store on every request.
func NewMiddleware(cfg *config.Config, table *routes.Table, store settings.Reader) (*Middleware, error) {
	salt, err := settings.GenerateSalt()
	if err != nil {
		return nil, err
	}
	return &Middleware{
		gate:         New(config.ChallengeRouteName, cfg.ChallengeURL()),
		table:        table,
		store:        store,
		cookieName:   cfg.CookieName(),
		fallbackSalt: salt,
		logKey:       []byte(salt),
		now:          time.Now,
	}, nil
}

// Describe builds the descriptor for r.
func (m *Middleware) Describe(r *http.Request) RequestDescriptor {
	d := RequestDescriptor{
		Interactive: true,
		Path:        r.URL.Path,
		BasePath:    m.table.BasePath(),
		Header:      r.Header,
		DirectAddr:  httputil.RemoteHost(r.RemoteAddr),
		TLS:         r.TLS != nil,
		RequestURI:  r.URL.RequestURI(),
	}
	if match, ok := m.table.Resolve(r.URL.Path); ok {
		d.Route = &match
	}
	if c, err := r.Cookie(m.cookieName); err == nil {
		d.Cookie = c.Value
	}
	return d
}

// snapshot reads the settings fresh. On failure it returns defaults keyed
// with the private fallback salt.
func (m *Middleware) snapshot(r *http.Request) settings.Snapshot {
	snap, err := m.store.Snapshot(r.Context())
	if err != nil {
		metrics.SettingsErrors.WithLabelValues("snapshot").Inc()
		httputil.GetLogger(r.Context()).Error().Err(err).Msg("settings unavailable; challenging with defaults")
		snap = settings.Defaults()
		snap.Salt = m.fallbackSalt
	}
	return snap
}

// Wrap passes allowed requests to next and answers the rest with a redirect
// to the challenge page.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		desc := m.Describe(r)
		dec := m.gate.Decide(desc, m.snapshot(r), m.now())
		metrics.GateDuration.Observe(time.Since(start).Seconds())
		metrics.GateDecision.WithLabelValues(dec.Action.String(), string(dec.Reason)).Inc()

		logger := httputil.GetLogger(r.Context())
		ev := logger.Debug().
			Str("action", dec.Action.String()).
			Str("reason", string(dec.Reason))
		if desc.Route != nil {
			ev = ev.Str("route", desc.Route.Name)
		}
		if dec.ClientIP != "" {
			ev = ev.Str("client", util.AnonymizeIP(dec.ClientIP, m.logKey))
		}
		ev.Msg("gate decision")

		if dec.Action == Redirect {
			w.Header().Set("Location", dec.Location)
			w.WriteHeader(dec.StatusCode)
			return
		}
		next.ServeHTTP(w, r)
	})
}
