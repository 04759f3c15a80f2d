// Package admin exposes the bot challenge settings to operators holding an
// admin bearer token.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"botgate/gate-service/internal/httputil"
	"botgate/gate-service/internal/metrics"
	"botgate/gate-service/internal/settings"
	"botgate/gate-service/internal/token"
)

const maxBodyBytes = 16 * 1024

type ctxKey struct{}

// Subject returns the authenticated admin subject, or "".
func Subject(ctx context.Context) string {
	s, _ := ctx.Value(ctxKey{}).(string)
	return s
}

// RequireAdmin rejects requests without a valid admin bearer token. With a
// nil keyring every request is refused.
func RequireAdmin(kr *token.Keyring) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if kr == nil {
				httputil.WriteJSON(w, http.StatusForbidden, map[string]string{"error": "admin_disabled"})
				return
			}
			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="botgate"`)
				httputil.WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing_token"})
				return
			}
			claims, err := kr.Verify(strings.TrimSpace(raw))
			if err != nil {
				httputil.GetLogger(r.Context()).Warn().Err(err).Msg("admin token rejected")
				w.Header().Set("WWW-Authenticate", `Bearer realm="botgate", error="invalid_token"`)
				httputil.WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_token"})
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, claims.Subject)))
		})
	}
}

// SettingsHandler serves GET (read) and PUT (validate and replace).
type SettingsHandler struct {
	store *settings.Store
}

func NewSettingsHandler(store *settings.Store) *SettingsHandler {
	return &SettingsHandler{store: store}
}

func (h *SettingsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.get(w, r)
	case http.MethodPut:
		h.put(w, r)
	default:
		w.Header().Set("Allow", "GET, PUT")
		httputil.WriteJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method_not_allowed"})
	}
}

func (h *SettingsHandler) get(w http.ResponseWriter, r *http.Request) {
	snap, err := h.store.Snapshot(r.Context())
	if err != nil {
		metrics.SettingsErrors.WithLabelValues("snapshot").Inc()
		httputil.GetLogger(r.Context()).Error().Err(err).Msg("read settings")
		httputil.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "store_error"})
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	httputil.WriteJSON(w, http.StatusOK, snap)
}

func (h *SettingsHandler) put(w http.ResponseWriter, r *http.Request) {
	logger := httputil.GetLogger(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()

	var form settings.Form
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&form); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_json"})
		return
	}

	snap, err := h.store.Update(r.Context(), form)
	if errors.Is(err, settings.ErrInvalid) {
		httputil.WriteJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "invalid_settings",
			"details": form.Validate(),
		})
		return
	}
	if err != nil {
		metrics.SettingsErrors.WithLabelValues("update").Inc()
		logger.Error().Err(err).Msg("update settings")
		httputil.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "store_error"})
		return
	}

	metrics.SettingsUpdates.Inc()
	logger.Info().
		Str("admin", Subject(r.Context())).
		Int("delay", snap.DelaySeconds).
		Int("cookie_lifetime_days", snap.CookieLifetimeDays).
		Bool("test_headless", snap.DetectHeadless).
		Int("exception_paths", len(snap.ExceptionPaths)).
		Int("exception_ips", len(snap.ExceptionIPs)).
		Bool("salt_regenerated", strings.TrimSpace(form.Salt) == "").
		Msg("bot challenge settings updated")

	w.Header().Set("Cache-Control", "no-store")
	httputil.WriteJSON(w, http.StatusOK, snap)
}
