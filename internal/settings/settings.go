// Package settings holds the runtime configuration of the bot challenge:
// the HMAC salt, the challenge delay, the cookie lifetime and the exception
// lists. Values live in a key/value backend and are read fresh on every call
// to Store.Snapshot, so administrative changes apply to the next request.
package settings

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Setting keys.
const (
	KeySalt           = "salt"
	KeyDelay          = "delay"
	KeyCookieLifetime = "cookie_lifetime"
	KeyTestHeadless   = "test_headless"
	KeyExceptionPaths = "exception_paths"
	KeyExceptionIPs   = "exception_ips"
)

// Keys lists every key the store owns, in install order.
var Keys = []string{KeySalt, KeyDelay, KeyCookieLifetime, KeyTestHeadless, KeyExceptionPaths, KeyExceptionIPs}

const (
	MinDelay          = 1
	MaxDelay          = 30
	MinCookieLifetime = 1
	MaxCookieLifetime = 365

	secondsPerDay = 86400
)

// Snapshot is an immutable view of the settings for one request.
type Snapshot struct {
	Salt               string   `json:"salt"`
	DelaySeconds       int      `json:"delay"`
	CookieLifetimeDays int      `json:"cookie_lifetime"`
	DetectHeadless     bool     `json:"test_headless"`
	ExceptionPaths     []string `json:"exception_paths"`
	ExceptionIPs       []string `json:"exception_ips"`
}

// CookieLifetimeSeconds converts the configured lifetime for Max-Age and token expiry.
func (s Snapshot) CookieLifetimeSeconds() int64 {
	return int64(s.CookieLifetimeDays) * secondsPerDay
}

// Defaults returns the values seeded by Install, with an empty salt.
func Defaults() Snapshot {
	return Snapshot{
		Salt:               "",
		DelaySeconds:       5,
		CookieLifetimeDays: 90,
		DetectHeadless:     true,
		ExceptionPaths:     []string{"/api", "/api-local"},
		ExceptionIPs:       []string{},
	}
}

// Backend is a raw key/value source. Values are JSON documents.
type Backend interface {
	Load(ctx context.Context) (map[string]string, error)
	Save(ctx context.Context, values map[string]string) error
	Delete(ctx context.Context, keys []string) error
	Close() error
}

// Reader is what request-path components need: a fresh snapshot per call.
type Reader interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// Store adds typed access and the administrative operations on top of a Backend.
type Store struct {
	backend Backend
}

func NewStore(b Backend) *Store {
	return &Store{backend: b}
}

func (s *Store) Close() error {
	return s.backend.Close()
}

// Snapshot reads every key. Missing or undecodable keys fall back to Defaults.
func (s *Store) Snapshot(ctx context.Context) (Snapshot, error) {
	raw, err := s.backend.Load(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load settings: %w", err)
	}
	snap := Defaults()
	decode(raw, KeySalt, &snap.Salt)
	decode(raw, KeyDelay, &snap.DelaySeconds)
	decode(raw, KeyCookieLifetime, &snap.CookieLifetimeDays)
	decode(raw, KeyTestHeadless, &snap.DetectHeadless)
	decode(raw, KeyExceptionPaths, &snap.ExceptionPaths)
	decode(raw, KeyExceptionIPs, &snap.ExceptionIPs)
	return snap, nil
}

func decode[T any](raw map[string]string, key string, dst *T) {
	v, ok := raw[key]
	if !ok {
		return
	}
	var out T
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return
	}
	*dst = out
}

// Install seeds every key with its default and a freshly generated salt.
func (s *Store) Install(ctx context.Context) (Snapshot, error) {
	snap := Defaults()
	salt, err := GenerateSalt()
	if err != nil {
		return Snapshot{}, err
	}
	snap.Salt = salt
	if err := s.save(ctx, snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Uninstall removes every key owned by the store.
func (s *Store) Uninstall(ctx context.Context) error {
	return s.backend.Delete(ctx, Keys)
}

// ErrInvalid wraps validation failures from Update.
var ErrInvalid = errors.New("invalid settings")

// Form is the administrative input. A blank Salt requests a new one.
type Form struct {
	Salt           string   `json:"salt"`
	Delay          int      `json:"delay"`
	CookieLifetime int      `json:"cookie_lifetime"`
	TestHeadless   bool     `json:"test_headless"`
	ExceptionPaths []string `json:"exception_paths"`
	ExceptionIPs   []string `json:"exception_ips"`
}

// Validate checks ranges and returns one message per offending field.
func (f Form) Validate() []string {
	var problems []string
	if f.Delay < MinDelay || f.Delay > MaxDelay {
		problems = append(problems, fmt.Sprintf("delay must be between %d and %d seconds", MinDelay, MaxDelay))
	}
	if f.CookieLifetime < MinCookieLifetime || f.CookieLifetime > MaxCookieLifetime {
		problems = append(problems, fmt.Sprintf("cookie_lifetime must be between %d and %d days", MinCookieLifetime, MaxCookieLifetime))
	}
	return problems
}

// Update validates f and persists it. Changing the salt invalidates every
// challenge cookie already handed out.
func (s *Store) Update(ctx context.Context, f Form) (Snapshot, error) {
	if problems := f.Validate(); len(problems) > 0 {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	salt := strings.TrimSpace(f.Salt)
	if salt == "" {
		var err error
		if salt, err = GenerateSalt(); err != nil {
			return Snapshot{}, err
		}
	}
	snap := Snapshot{
		Salt:               salt,
		DelaySeconds:       f.Delay,
		CookieLifetimeDays: f.CookieLifetime,
		DetectHeadless:     f.TestHeadless,
		ExceptionPaths:     cleanLines(f.ExceptionPaths),
		ExceptionIPs:       cleanLines(f.ExceptionIPs),
	}
	if err := s.save(ctx, snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// RegenerateSalt replaces only the salt.
func (s *Store) RegenerateSalt(ctx context.Context) (string, error) {
	salt, err := GenerateSalt()
	if err != nil {
		return "", err
	}
	b, _ := json.Marshal(salt)
	if err := s.backend.Save(ctx, map[string]string{KeySalt: string(b)}); err != nil {
		return "", fmt.Errorf("save salt: %w", err)
	}
	return salt, nil
}

func (s *Store) save(ctx context.Context, snap Snapshot) error {
	values := make(map[string]string, len(Keys))
	put := func(key string, v any) {
		b, _ := json.Marshal(v)
		values[key] = string(b)
	}
	put(KeySalt, snap.Salt)
	put(KeyDelay, snap.DelaySeconds)
	put(KeyCookieLifetime, snap.CookieLifetimeDays)
	put(KeyTestHeadless, snap.DetectHeadless)
	put(KeyExceptionPaths, nonNil(snap.ExceptionPaths))
	put(KeyExceptionIPs, nonNil(snap.ExceptionIPs))
	if err := s.backend.Save(ctx, values); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// GenerateSalt returns 32 random bytes as 64 hex characters.
func GenerateSalt() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func cleanLines(in []string) []string {
	out := make([]string, 0, len(in))
	for _, l := range in {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
