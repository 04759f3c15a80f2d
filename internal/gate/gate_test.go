package gate

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"botgate/gate-service/internal/config"
	"botgate/gate-service/internal/routes"
	"botgate/gate-service/internal/settings"
	"botgate/gate-service/internal/token"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Unix(1_700_000_000, 0)

func snapshot() settings.Snapshot {
	s := settings.Defaults()
	s.Salt = "test-salt"
	s.ExceptionPaths = []string{"/feed", ""}
	s.ExceptionIPs = []string{"10.0.0.0/8", "2001:db8::/32", "not-a-cidr/8", ""}
	return s
}

func site() *routes.Match { return &routes.Match{Name: "site"} }

func base() RequestDescriptor {
	return RequestDescriptor{
		Interactive: true,
		Route:       site(),
		Path:        "/items/1",
		Header:      http.Header{},
		DirectAddr:  "192.0.2.10",
		RequestURI:  "/items/1?page=2",
	}
}

func TestDecide(t *testing.T) {
	g := New(config.ChallengeRouteName, "/bot-challenge")
	cfg := snapshot()
	valid := token.Issue(cfg.Salt, now.Add(-time.Hour))

	tests := []struct {
		name   string
		mutate func(*RequestDescriptor)
		action Action
		reason Reason
	}{
		{"non interactive", func(d *RequestDescriptor) { d.Interactive = false }, Allow, ReasonNonInteractive},
		{"no route", func(d *RequestDescriptor) { d.Route = nil }, Allow, ReasonNoRoute},
		{"login excluded", func(d *RequestDescriptor) { d.Route = &routes.Match{Name: "login"} }, Allow, ReasonExcludedRoute},
		{"maintenance excluded", func(d *RequestDescriptor) { d.Route = &routes.Match{Name: "maintenance"} }, Allow, ReasonExcludedRoute},
		{"challenge route excluded", func(d *RequestDescriptor) { d.Route = &routes.Match{Name: config.ChallengeRouteName} }, Allow, ReasonExcludedRoute},
		{"api route", func(d *RequestDescriptor) { d.Route = &routes.Match{Name: "api", API: true} }, Allow, ReasonAPIRoute},
		{"admin route", func(d *RequestDescriptor) { d.Route = &routes.Match{Name: "admin", Admin: true} }, Allow, ReasonAdminRoute},
		{"exception path", func(d *RequestDescriptor) { d.Path = "/feed/rss" }, Allow, ReasonExceptionPath},
		{"exception path under base", func(d *RequestDescriptor) {
			d.BasePath = "/omeka"
			d.Path = "/omeka/feed"
		}, Allow, ReasonExceptionPath},
		{"exception v4 via xff", func(d *RequestDescriptor) { d.Header.Set("X-Forwarded-For", "10.1.2.3, 192.0.2.1") }, Allow, ReasonExceptionIP},
		{"exception v6 direct", func(d *RequestDescriptor) { d.DirectAddr = "2001:db8::42" }, Allow, ReasonExceptionIP},
		{"valid cookie", func(d *RequestDescriptor) { d.Cookie = valid }, Allow, ReasonValidToken},
		{"no cookie", func(d *RequestDescriptor) {}, Redirect, ReasonChallenge},
		{"garbage cookie", func(d *RequestDescriptor) { d.Cookie = "garbage" }, Redirect, ReasonChallenge},
		{"expired cookie", func(d *RequestDescriptor) {
			d.Cookie = token.Issue(cfg.Salt, now.Add(-time.Duration(cfg.CookieLifetimeSeconds()+1)*time.Second))
		}, Redirect, ReasonChallenge},
		{"cookie from another salt", func(d *RequestDescriptor) { d.Cookie = token.Issue("other", now) }, Redirect, ReasonChallenge},
		{"malformed xff not exempt", func(d *RequestDescriptor) { d.Header.Set("X-Forwarded-For", "10.x.y.z") }, Redirect, ReasonChallenge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := base()
			tt.mutate(&d)
			got := g.Decide(d, cfg, now)
			assert.Equal(t, tt.action, got.Action)
			assert.Equal(t, tt.reason, got.Reason)
		})
	}
}

func TestDecide_RedirectLocation(t *testing.T) {
	g := New(config.ChallengeRouteName, "/omeka/bot-challenge")
	d := base()
	d.RequestURI = "/omeka/items/1?q=a b&x=1"

	got := g.Decide(d, snapshot(), now)
	require.Equal(t, Redirect, got.Action)
	assert.Equal(t, http.StatusFound, got.StatusCode)
	assert.Equal(t, "192.0.2.10", got.ClientIP)

	u, err := url.Parse(got.Location)
	require.NoError(t, err)
	assert.Equal(t, "/omeka/bot-challenge", u.Path)
	assert.Equal(t, "/omeka/items/1?q=a b&x=1", u.Query().Get("redirect_url"))
	assert.Equal(t, "/omeka/bot-challenge?redirect_url=%2Fomeka%2Fitems%2F1%3Fq%3Da+b%26x%3D1", got.Location)
}

func TestDecide_ExclusionOrder(t *testing.T) {
	g := New(config.ChallengeRouteName, "/bot-challenge")
	d := base()
	d.Route = &routes.Match{Name: "login", API: true, Admin: true}
	d.Path = "/feed"
	assert.Equal(t, ReasonExcludedRoute, g.Decide(d, snapshot(), now).Reason)

	d.Route = &routes.Match{Name: "x", API: true, Admin: true}
	assert.Equal(t, ReasonAPIRoute, g.Decide(d, snapshot(), now).Reason)
}

func TestDecide_EmptySaltStillVerifies(t *testing.T) {
	g := New(config.ChallengeRouteName, "/bot-challenge")
	cfg := snapshot()
	cfg.Salt = ""
	d := base()
	d.Cookie = token.Issue("", now)
	assert.Equal(t, Allow, g.Decide(d, cfg, now).Action)
}

// ---- middleware ----

type brokenStore struct{}

func (brokenStore) Snapshot(context.Context) (settings.Snapshot, error) {
	return settings.Snapshot{}, errors.New("db locked")
}

func newMiddleware(t *testing.T, store settings.Reader) (*Middleware, *config.Config) {
	t.Helper()
	cfg, err := config.Parse([]byte(`{}`))
	require.NoError(t, err)
	m, err := NewMiddleware(cfg, routes.New(cfg), store)
	require.NoError(t, err)
	m.now = func() time.Time { return now }
	return m, cfg
}

var upstream = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusTeapot)
})

func TestMiddleware_EndToEnd(t *testing.T) {
	snap := snapshot()
	m, cfg := newMiddleware(t, settings.Static(snap))
	h := m.Wrap(upstream)

	// excluded route without cookie
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/login", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	// normal route without cookie
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/items/1?x=y", nil))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/bot-challenge?redirect_url=%2Fitems%2F1%3Fx%3Dy", rec.Header().Get("Location"))
	assert.Empty(t, rec.Header().Values("Set-Cookie"), "the gate never sets cookies")

	// same request with a valid cookie
	req := httptest.NewRequest(http.MethodGet, "/items/1?x=y", nil)
	req.AddCookie(&http.Cookie{Name: cfg.CookieName(), Value: token.Issue(snap.Salt, now)})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTeapot, rec.Code)

	// same request from an exception range, no cookie
	req = httptest.NewRequest(http.MethodGet, "/items/1?x=y", nil)
	req.RemoteAddr = "10.20.30.40:5555"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTeapot, rec.Code)

	// the challenge page itself passes through
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/bot-challenge?redirect_url=/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestMiddleware_SettingsFromStoreAreReadFresh(t *testing.T) {
	ctx := context.Background()
	store := settings.NewStore(settings.NewMemoryBackend())
	_, err := store.Install(ctx)
	require.NoError(t, err)
	m, _ := newMiddleware(t, store)
	h := m.Wrap(upstream)

	req := func() int {
		r := httptest.NewRequest(http.MethodGet, "/items/1", nil)
		r.RemoteAddr = "198.51.100.7:1000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		return rec.Code
	}
	assert.Equal(t, http.StatusFound, req())

	_, err = store.Update(ctx, settings.Form{Delay: 5, CookieLifetime: 90, ExceptionIPs: []string{"198.51.100.0/24"}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusTeapot, req())
}

func TestMiddleware_StoreFailureChallenges(t *testing.T) {
	m, cfg := newMiddleware(t, brokenStore{})
	h := m.Wrap(upstream)

	// a token minted with an empty salt must not pass while the store is down
	req := httptest.NewRequest(http.MethodGet, "/items/1", nil)
	req.AddCookie(&http.Cookie{Name: cfg.CookieName(), Value: token.Issue("", now)})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusFound, rec.Code)

	// default exception paths still apply
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api-local/x", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestDescribe_TLSDoesNotChangeDecision(t *testing.T) {
	m, _ := newMiddleware(t, settings.Static(snapshot()))
	req := httptest.NewRequest(http.MethodGet, "https://example.org/items/1", nil)
	desc := m.Describe(req)
	require.True(t, desc.TLS)

	plain := desc
	plain.TLS = false
	g := New(config.ChallengeRouteName, "/bot-challenge")
	assert.Equal(t, g.Decide(plain, snapshot(), now), g.Decide(desc, snapshot(), now))
}
