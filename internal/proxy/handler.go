package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"botgate/gate-service/internal/config"
	internalhttp "botgate/gate-service/internal/httputil"
	"botgate/gate-service/internal/metrics"

	"github.com/rs/zerolog/log"
)

const maxProxyBodySize = 100 * 1024 * 1024

// Handler forwards requests that passed the gate to the upstream application.
type Handler struct {
	target     *url.URL
	proxy      *httputil.ReverseProxy
	transport  *http.Transport
	securePort string
}

func NewHandler(cfg *config.Config) (*Handler, error) {
	if cfg.App.Upstream == "" {
		return nil, errors.New("app.upstream not configured")
	}
	target, err := url.Parse(cfg.App.Upstream)
	if err != nil {
		return nil, fmt.Errorf("parse upstream: %w", err)
	}

	timeout := time.Duration(cfg.App.ProxyTimeoutMs) * time.Millisecond
	h := &Handler{
		target:     target,
		securePort: cfg.Server.SecurePort,
		transport: &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: timeout,
			TLSHandshakeTimeout:   timeout / 3,
			ExpectContinueTimeout: 1 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2: true,
		},
	}

	rp := httputil.NewSingleHostReverseProxy(target)
	rp.Transport = h.transport
	baseDirector := rp.Director
	rp.Director = func(req *http.Request) {
		baseDirector(req)
		if requestID := internalhttp.GetRequestID(req.Context()); requestID != "" {
			req.Header.Set("X-Request-ID", requestID)
		}
	}
	rp.ErrorHandler = h.handleError
	h.proxy = rp
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxProxyBodySize)

	if r.Header.Get("Content-Length") != "" && r.Header.Get("Transfer-Encoding") != "" {
		internalhttp.GetLogger(r.Context()).Warn().
			Msg("both Content-Length and Transfer-Encoding present; dropping Content-Length")
		r.Header.Del("Content-Length")
	}

	// Replace the forwarding headers with what this hop resolved. The
	// reverse proxy appends the socket peer to X-Forwarded-For itself.
	clientIP := internalhttp.ClientIP(r)
	scheme := internalhttp.Scheme(r, h.securePort)
	r.Header.Del("X-Forwarded-For")
	r.Header.Set("X-Real-IP", clientIP)
	r.Header.Set("X-Forwarded-Proto", scheme)
	r.Header.Set("X-Forwarded-Host", r.Host)
	if host := internalhttp.RemoteHost(r.RemoteAddr); clientIP != host {
		r.Header.Set("X-Forwarded-For", clientIP)
	}

	start := time.Now()
	h.proxy.ServeHTTP(w, r)
	metrics.ProxyLatency.Observe(time.Since(start).Seconds())
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	logger := internalhttp.GetLogger(r.Context())
	origin := h.target.String()

	if errors.Is(err, context.Canceled) {
		logger.Debug().Str("origin", origin).Msg("proxy request canceled")
		metrics.ProxyErrors.WithLabelValues("context").Inc()
		return
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		logger.Warn().Str("origin", origin).Err(err).Msg("proxy timeout")
		metrics.ProxyErrors.WithLabelValues("timeout").Inc()
		http.Error(w, "gateway timeout", http.StatusGatewayTimeout)
		return
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		logger.Error().Str("origin", origin).Err(err).Msg("DNS resolution failed")
		metrics.ProxyErrors.WithLabelValues("dns").Inc()
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}

	if strings.Contains(err.Error(), "connection refused") {
		logger.Error().Str("origin", origin).Err(err).Msg("connection refused")
		metrics.ProxyErrors.WithLabelValues("connection").Inc()
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}

	logger.Error().Str("origin", origin).Err(err).Msg("proxy error")
	metrics.ProxyErrors.WithLabelValues("other").Inc()
	http.Error(w, "bad gateway", http.StatusBadGateway)
}

// Shutdown drops idle upstream connections.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.transport.CloseIdleConnections()
	log.Info().Str("origin", h.target.String()).Msg("closed idle upstream connections")
	return nil
}
