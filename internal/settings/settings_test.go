package settings

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"botgate/gate-service/internal/circuitbreaker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var saltPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	sq, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "settings.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })
	return map[string]Backend{
		"memory": NewMemoryBackend(),
		"sqlite": sq,
	}
}

func TestSnapshot_EmptyBackendUsesDefaults(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			snap, err := NewStore(b).Snapshot(context.Background())
			require.NoError(t, err)
			assert.Equal(t, Defaults(), snap)
			assert.Equal(t, int64(90*86400), snap.CookieLifetimeSeconds())
		})
	}
}

func TestInstallUpdateUninstall(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := NewStore(b)

			installed, err := s.Install(ctx)
			require.NoError(t, err)
			assert.Regexp(t, saltPattern, installed.Salt)

			got, err := s.Snapshot(ctx)
			require.NoError(t, err)
			assert.Equal(t, installed, got)

			updated, err := s.Update(ctx, Form{
				Salt:           "  my-salt ",
				Delay:          10,
				CookieLifetime: 30,
				TestHeadless:   false,
				ExceptionPaths: []string{"/feed", " ", ""},
				ExceptionIPs:   []string{" 10.0.0.0/8 ", "::1"},
			})
			require.NoError(t, err)
			assert.Equal(t, "my-salt", updated.Salt)

			got, err = s.Snapshot(ctx)
			require.NoError(t, err)
			assert.Equal(t, Snapshot{
				Salt:               "my-salt",
				DelaySeconds:       10,
				CookieLifetimeDays: 30,
				DetectHeadless:     false,
				ExceptionPaths:     []string{"/feed"},
				ExceptionIPs:       []string{"10.0.0.0/8", "::1"},
			}, got)

			require.NoError(t, s.Uninstall(ctx))
			got, err = s.Snapshot(ctx)
			require.NoError(t, err)
			assert.Equal(t, Defaults(), got)
		})
	}
}

func TestUpdate_BlankSaltRegenerates(t *testing.T) {
	ctx := context.Background()
	s := NewStore(NewMemoryBackend())
	installed, err := s.Install(ctx)
	require.NoError(t, err)

	updated, err := s.Update(ctx, Form{Delay: 5, CookieLifetime: 90})
	require.NoError(t, err)
	assert.Regexp(t, saltPattern, updated.Salt)
	assert.NotEqual(t, installed.Salt, updated.Salt)
}

func TestUpdate_Validation(t *testing.T) {
	tests := []struct {
		name string
		form Form
		ok   bool
	}{
		{"lower bounds", Form{Delay: 1, CookieLifetime: 1}, true},
		{"upper bounds", Form{Delay: 30, CookieLifetime: 365}, true},
		{"delay zero", Form{Delay: 0, CookieLifetime: 90}, false},
		{"delay too long", Form{Delay: 31, CookieLifetime: 90}, false},
		{"lifetime zero", Form{Delay: 5, CookieLifetime: 0}, false},
		{"lifetime too long", Form{Delay: 5, CookieLifetime: 366}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore(NewMemoryBackend())
			_, err := s.Update(context.Background(), tt.form)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, ErrInvalid), "got %v", err)
			}
		})
	}
}

func TestRegenerateSalt_KeepsOtherKeys(t *testing.T) {
	ctx := context.Background()
	s := NewStore(NewMemoryBackend())
	_, err := s.Update(ctx, Form{Salt: "old", Delay: 7, CookieLifetime: 10})
	require.NoError(t, err)

	salt, err := s.RegenerateSalt(ctx)
	require.NoError(t, err)
	assert.Regexp(t, saltPattern, salt)

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, salt, snap.Salt)
	assert.Equal(t, 7, snap.DelaySeconds)
	assert.Equal(t, 10, snap.CookieLifetimeDays)
}

func TestSnapshot_CorruptValueFallsBack(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	require.NoError(t, b.Save(ctx, map[string]string{
		KeyDelay: `"not a number"`,
		KeySalt:  `"s"`,
	}))
	snap, err := NewStore(b).Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, snap.DelaySeconds)
	assert.Equal(t, "s", snap.Salt)
}

func TestSQLite_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "settings.sqlite")

	b, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	installed, err := NewStore(b).Install(ctx)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	b, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer b.Close()
	got, err := NewStore(b).Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, installed.Salt, got.Salt)
}

type failingBackend struct{ MemoryBackend }

func (*failingBackend) Load(context.Context) (map[string]string, error) {
	return nil, errors.New("disk on fire")
}

func TestSnapshot_BackendError(t *testing.T) {
	_, err := NewStore(&failingBackend{}).Snapshot(context.Background())
	assert.Error(t, err)
}

type countingReader struct {
	calls int
	err   error
}

func (c *countingReader) Snapshot(context.Context) (Snapshot, error) {
	c.calls++
	return Defaults(), c.err
}

func TestGuarded_FailsFastWhileOpen(t *testing.T) {
	inner := &countingReader{err: errors.New("database is locked")}
	r := Guarded(inner, circuitbreaker.New("settings-test", circuitbreaker.Config{
		FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Hour,
	}))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := r.Snapshot(ctx)
		require.Error(t, err)
	}
	_, err := r.Snapshot(ctx)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, 2, inner.calls, "open breaker must not reach the store")
}

func TestGuarded_PassesThrough(t *testing.T) {
	inner := &countingReader{}
	r := Guarded(inner, circuitbreaker.New("settings-test-ok", circuitbreaker.DefaultConfig()))
	snap, err := r.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Defaults().DelaySeconds, snap.DelaySeconds)
	assert.Equal(t, 1, inner.calls)
}

func TestGuarded_CancelledReadsAreNotFailures(t *testing.T) {
	b, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "settings.sqlite"))
	require.NoError(t, err)
	store := NewStore(b)
	defer store.Close()
	installed, err := store.Install(context.Background())
	require.NoError(t, err)

	cb := circuitbreaker.New("settings-cancel", circuitbreaker.Config{
		FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Hour,
	})
	r := Guarded(store, cb)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 5; i++ {
		_, err := r.Snapshot(ctx)
		require.Error(t, err)
	}
	assert.Equal(t, circuitbreaker.StateClosed, cb.State())

	snap, err := r.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, installed.Salt, snap.Salt)
}
