package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

type ServerCfg struct {
	Listen         string `yaml:"listen"`
	ReadTimeoutMs  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMs int    `yaml:"write_timeout_ms"`
	TLSEnabled     bool   `yaml:"tls_enabled"`
	TLSCertFile    string `yaml:"tls_cert_file"`
	TLSKeyFile     string `yaml:"tls_key_file"`
	SecurePort     string `yaml:"secure_port"` // a request on this local port counts as https
}

type AppCfg struct {
	BasePath       string `yaml:"base_path"`      // e.g. "/omeka"; "" when mounted at the root
	CookiePrefix   string `yaml:"cookie_prefix"`  // cookie is "<prefix>_bot_challenge"
	ChallengePath  string `yaml:"challenge_path"` // relative to base_path
	SettingsPath   string `yaml:"settings_path"`  // relative to base_path
	Upstream       string `yaml:"upstream"`       // application origin, e.g. http://127.0.0.1:8081
	ProxyTimeoutMs int    `yaml:"proxy_timeout_ms"`
}

// RouteRule names a family of paths and flags it for the gate.
type RouteRule struct {
	Name    string         `yaml:"name"`
	Pattern string         `yaml:"pattern"`
	API     bool           `yaml:"api"`
	Admin   bool           `yaml:"admin"`
	Re      *regexp.Regexp `yaml:"-"`
}

type SettingsCfg struct {
	DSN string `yaml:"dsn"` // sqlite file path; ":memory:" for throwaway instances
}

type AdminCfg struct {
	Alg        string            `yaml:"alg"`
	Keys       map[string]string `yaml:"keys"`
	CurrentKID string            `yaml:"current_kid"`
	Issuer     string            `yaml:"issuer"`
	SkewSec    int               `yaml:"skew_sec"`
}

type GuardCfg struct {
	ChallengeRPSLimit int `yaml:"challenge_rps_limit"` // page renders per second per address, averaged over window_sec; 0 disables
	WindowSec         int `yaml:"window_sec"`
	RetryAfterSec     int `yaml:"retry_after_sec"`
}

type LoggingCfg struct {
	Level string `yaml:"level"` // info|debug
}

type Config struct {
	Server   ServerCfg   `yaml:"server"`
	App      AppCfg      `yaml:"app"`
	Routes   []RouteRule `yaml:"routes"`
	Settings SettingsCfg `yaml:"settings"`
	Admin    AdminCfg    `yaml:"admin"`
	Guard    GuardCfg    `yaml:"guard"`
	Logging  LoggingCfg  `yaml:"logging"`
}

// Route names the gate and the router agree on.
const (
	ChallengeRouteName = "bot-challenge"
	SettingsRouteName  = "bot-challenge-settings"
)

// DefaultRoutes mirror a typical CMS layout: auth pages, an API tree, an
// authenticated admin tree, and a catch-all public site.
func DefaultRoutes() []RouteRule {
	return []RouteRule{
		{Name: "login", Pattern: `^/login/?$`},
		{Name: "logout", Pattern: `^/logout/?$`},
		{Name: "create-password", Pattern: `^/create-password(/|$)`},
		{Name: "forgot-password", Pattern: `^/forgot-password/?$`},
		{Name: "install", Pattern: `^/install(/|$)`},
		{Name: "migrate", Pattern: `^/migrate(/|$)`},
		{Name: "maintenance", Pattern: `^/maintenance/?$`},
		{Name: "api", Pattern: `^/api(/|$)`, API: true},
		{Name: "admin", Pattern: `^/admin(/|$)`, Admin: true},
		{Name: "site", Pattern: `^/`},
	}
}

// Load reads a YAML config file and fills defaults.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse decodes YAML bytes and fills defaults.
func Parse(b []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() error {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.ReadTimeoutMs == 0 {
		c.Server.ReadTimeoutMs = 5000
	}
	if c.Server.WriteTimeoutMs == 0 {
		c.Server.WriteTimeoutMs = 30000
	}
	if c.Server.SecurePort == "" {
		c.Server.SecurePort = "443"
	}
	c.App.BasePath = strings.TrimRight(c.App.BasePath, "/")
	if c.App.CookiePrefix == "" {
		c.App.CookiePrefix = "botgate"
	}
	if c.App.ChallengePath == "" {
		c.App.ChallengePath = "/bot-challenge"
	}
	if c.App.SettingsPath == "" {
		c.App.SettingsPath = "/admin/bot-challenge/settings"
	}
	if c.App.ProxyTimeoutMs == 0 {
		c.App.ProxyTimeoutMs = 30000
	}
	if len(c.Routes) == 0 {
		c.Routes = DefaultRoutes()
	}
	if c.Settings.DSN == "" {
		c.Settings.DSN = "./botgate.sqlite"
	}
	if c.Admin.Alg == "" {
		c.Admin.Alg = "HS256"
	}
	if c.Admin.Issuer == "" {
		c.Admin.Issuer = "botgate"
	}
	if c.Admin.SkewSec == 0 {
		c.Admin.SkewSec = 30
	}
	if c.Guard.WindowSec == 0 {
		c.Guard.WindowSec = 10
	}
	if c.Guard.RetryAfterSec == 0 {
		c.Guard.RetryAfterSec = 5
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	for i := range c.Routes {
		re, err := regexp.Compile(c.Routes[i].Pattern)
		if err != nil {
			return fmt.Errorf("invalid route pattern %q: %w", c.Routes[i].Pattern, err)
		}
		c.Routes[i].Re = re
	}
	return nil
}

// CookieName is the challenge cookie checked by the gate and set by the page.
func (c *Config) CookieName() string {
	return c.App.CookiePrefix + "_bot_challenge"
}

// ChallengeURL is the absolute path of the challenge page.
func (c *Config) ChallengeURL() string {
	return c.App.BasePath + c.App.ChallengePath
}

// SettingsURL is the absolute path of the settings API.
func (c *Config) SettingsURL() string {
	return c.App.BasePath + c.App.SettingsPath
}

func (c *Config) Validate() error {
	if !strings.HasPrefix(c.App.ChallengePath, "/") || c.App.ChallengePath == "/" {
		return errors.New("app.challenge_path must start with '/' and cannot be the whole site")
	}
	if !strings.HasPrefix(c.App.SettingsPath, "/") {
		return errors.New("app.settings_path must start with '/'")
	}
	if c.App.BasePath != "" && !strings.HasPrefix(c.App.BasePath, "/") {
		return errors.New("app.base_path must be empty or start with '/'")
	}
	if c.App.Upstream != "" {
		u, err := url.Parse(c.App.Upstream)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("app.upstream must be an absolute URL, got %q", c.App.Upstream)
		}
	}
	for _, r := range c.Routes {
		if r.Name == "" {
			return fmt.Errorf("route with pattern %q has no name", r.Pattern)
		}
	}
	if c.Guard.ChallengeRPSLimit < 0 {
		return errors.New("guard.challenge_rps_limit must be >= 0")
	}
	if c.Guard.WindowSec <= 0 {
		return errors.New("guard.window_sec must be > 0")
	}
	if c.Server.TLSEnabled && (c.Server.TLSCertFile == "" || c.Server.TLSKeyFile == "") {
		return errors.New("server.tls_cert_file and server.tls_key_file required when tls_enabled")
	}
	if len(c.Admin.Keys) > 0 {
		if _, ok := c.Admin.Keys[c.Admin.CurrentKID]; !ok {
			return errors.New("admin.current_kid not found in admin.keys")
		}
	}
	switch strings.ToLower(c.Logging.Level) {
	case "info", "debug", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q not one of info|debug|warn|error", c.Logging.Level)
	}
	return nil
}
