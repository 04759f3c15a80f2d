// Package gate decides, per request, whether a visitor passes through or is
// sent to the challenge page first.
package gate

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"botgate/gate-service/internal/httputil"
	"botgate/gate-service/internal/routes"
	"botgate/gate-service/internal/settings"
	"botgate/gate-service/internal/token"
	"botgate/gate-service/internal/util"
)

// Action is what the gate does with a request.
type Action int

const (
	Allow Action = iota
	Redirect
)

func (a Action) String() string {
	if a == Redirect {
		return "redirect"
	}
	return "allow"
}

// Reason labels why a decision was reached. Values are stable; they appear
// in logs and metrics.
type Reason string

const (
	ReasonNonInteractive Reason = "non_interactive"
	ReasonNoRoute        Reason = "no_route"
	ReasonExcludedRoute  Reason = "excluded_route"
	ReasonAPIRoute       Reason = "api_route"
	ReasonAdminRoute     Reason = "admin_route"
	ReasonExceptionPath  Reason = "exception_path"
	ReasonExceptionIP    Reason = "exception_ip"
	ReasonValidToken     Reason = "valid_token"
	ReasonChallenge      Reason = "challenge"
)

// RequestDescriptor describes one inbound request to the gate.
type RequestDescriptor struct {
	Interactive bool
	Route       *routes.Match // nil when no route resolved
	Path        string        // raw URI path, base path included
	BasePath    string
	Header      http.Header // X-Forwarded-For, X-Real-IP, X-Forwarded-Proto
	DirectAddr  string      // socket peer, port stripped
	TLS         bool        // not used by Decide; HTTPS matters only to the challenge page
	Cookie      string      // challenge cookie value, "" when absent
	RequestURI  string      // path and query, for the redirect back
}

// Decision is the outcome of Decide. Location and StatusCode are set only
// for Redirect.
type Decision struct {
	Action     Action
	Location   string
	StatusCode int
	Reason     Reason
	ClientIP   string // set once the exception-IP check has run
}

// Gate holds the static part of the decision: where the challenge lives and
// which routes never get challenged.
type Gate struct {
	challengeURL string
	excluded     map[string]struct{}
}

// ExcludedRoutes never see the challenge: account flows, maintenance and
// setup, and the challenge page itself.
var ExcludedRoutes = []string{
	"install", "migrate", "maintenance",
	"login", "logout", "create-password", "forgot-password",
}

// New builds a gate that sends challenged visitors to challengeURL and never
// challenges the route named challengeRouteName.
func New(challengeRouteName, challengeURL string) *Gate {
	g := &Gate{
		challengeURL: challengeURL,
		excluded:     make(map[string]struct{}, len(ExcludedRoutes)+1),
	}
	for _, name := range ExcludedRoutes {
		g.excluded[name] = struct{}{}
	}
	g.excluded[challengeRouteName] = struct{}{}
	return g
}

// Decide runs the exclusion checks in order and falls through to the cookie
// check. It never fails: anything malformed counts as "not excluded".
func (g *Gate) Decide(req RequestDescriptor, cfg settings.Snapshot, now time.Time) Decision {
	if !req.Interactive {
		return allow(ReasonNonInteractive)
	}
	if req.Route == nil {
		return allow(ReasonNoRoute)
	}
	if _, ok := g.excluded[req.Route.Name]; ok {
		return allow(ReasonExcludedRoute)
	}
	if req.Route.API {
		return allow(ReasonAPIRoute)
	}
	if req.Route.Admin {
		return allow(ReasonAdminRoute)
	}

	rel := req.Path
	if req.BasePath != "" && strings.HasPrefix(rel, req.BasePath) {
		rel = rel[len(req.BasePath):]
	}
	for _, prefix := range cfg.ExceptionPaths {
		if prefix != "" && strings.HasPrefix(rel, prefix) {
			return allow(ReasonExceptionPath)
		}
	}

	ip := httputil.ResolveClientIP(req.Header, req.DirectAddr)
	for _, cidr := range cfg.ExceptionIPs {
		if cidr != "" && util.InRange(ip, cidr) {
			d := allow(ReasonExceptionIP)
			d.ClientIP = ip
			return d
		}
	}

	if token.Verify(req.Cookie, cfg.Salt, now, cfg.CookieLifetimeSeconds()) {
		d := allow(ReasonValidToken)
		d.ClientIP = ip
		return d
	}

	return Decision{
		Action:     Redirect,
		Location:   g.challengeURL + "?redirect_url=" + url.QueryEscape(req.RequestURI),
		StatusCode: http.StatusFound,
		Reason:     ReasonChallenge,
		ClientIP:   ip,
	}
}

func allow(r Reason) Decision {
	return Decision{Action: Allow, Reason: r}
}
