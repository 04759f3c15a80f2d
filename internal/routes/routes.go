// Package routes maps request paths to named routes and their flags.
package routes

import (
	"regexp"
	"strings"

	"botgate/gate-service/internal/config"
)

// Match is the route resolved for a request.
type Match struct {
	Name  string
	API   bool
	Admin bool
}

type rule struct {
	Match
	re *regexp.Regexp
}

// Table resolves paths in rule order; first match wins.
type Table struct {
	basePath string
	rules    []rule
}

// New builds the table from cfg. The challenge page and the settings API are
// registered ahead of the configured rules so they always resolve to their
// own names.
func New(cfg *config.Config) *Table {
	t := &Table{basePath: cfg.App.BasePath}
	t.rules = append(t.rules,
		rule{
			Match: Match{Name: config.ChallengeRouteName},
			re:    exact(cfg.App.ChallengePath),
		},
		rule{
			Match: Match{Name: config.SettingsRouteName, Admin: true},
			re:    exact(cfg.App.SettingsPath),
		},
	)
	for _, r := range cfg.Routes {
		t.rules = append(t.rules, rule{
			Match: Match{Name: r.Name, API: r.API, Admin: r.Admin},
			re:    r.Re,
		})
	}
	return t
}

func exact(path string) *regexp.Regexp {
	return regexp.MustCompile("^" + regexp.QuoteMeta(strings.TrimRight(path, "/")) + "/?$")
}

// BasePath is the prefix the application is mounted under ("" at root).
func (t *Table) BasePath() string {
	return t.basePath
}

// StripBase removes the base path from p. ok is false when p lies outside it.
func (t *Table) StripBase(p string) (string, bool) {
	if t.basePath == "" {
		return p, true
	}
	if p == t.basePath {
		return "/", true
	}
	if strings.HasPrefix(p, t.basePath+"/") {
		return p[len(t.basePath):], true
	}
	return "", false
}

// Resolve returns the route for an absolute request path.
func (t *Table) Resolve(p string) (Match, bool) {
	rel, ok := t.StripBase(p)
	if !ok {
		return Match{}, false
	}
	for _, r := range t.rules {
		if r.re != nil && r.re.MatchString(rel) {
			return r.Match, true
		}
	}
	return Match{}, false
}
