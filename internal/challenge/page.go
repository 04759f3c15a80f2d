package challenge

import (
	"bytes"
	_ "embed"
	"html/template"
)

//go:embed page.html.tmpl
var pageSource string

var pageTemplate = template.Must(template.New("challenge").Parse(pageSource))

// PageContext is the immutable input of one challenge page render.
type PageContext struct {
	Token                 string
	DelaySeconds          int
	CookieLifetimeSeconds int64
	RedirectURL           string
	IsHTTPS               bool
	DetectHeadless        bool
	CookieName            string
	CookiePath            string
}

// Render executes the page template into a buffer so a template failure
// never produces a half-written response.
func Render(pc PageContext) ([]byte, error) {
	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, pc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
