package httputil

import (
	"net"
	"net/http"
	"strings"
)

// FallbackClientIP is returned when neither headers nor the connection name a client.
const FallbackClientIP = "127.0.0.1"

// ResolveClientIP picks the originating client address. First non-empty wins:
// the first X-Forwarded-For entry, X-Real-IP, the direct connection address,
// then FallbackClientIP. Nothing is validated here; malformed values simply
// fail to match any exception range later on.
//
// Proxy headers are trusted unconditionally. Deploy behind a reverse proxy
// that overwrites them, or clients can choose their own address.
func ResolveClientIP(h http.Header, directAddr string) string {
	if xff := h.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if xri := strings.TrimSpace(h.Get("X-Real-IP")); xri != "" {
		return xri
	}
	if directAddr != "" {
		return directAddr
	}
	return FallbackClientIP
}

// RemoteHost strips the port from an http.Request.RemoteAddr value.
// Values without a port are returned unchanged.
func RemoteHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// ClientIP is ResolveClientIP applied to a live request.
func ClientIP(r *http.Request) string {
	return ResolveClientIP(r.Header, RemoteHost(r.RemoteAddr))
}

// IsHTTPS reports whether the visitor reached us over TLS: a direct TLS
// connection, X-Forwarded-Proto: https, or arrival on securePort.
func IsHTTPS(r *http.Request, securePort string) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")), "https") {
		return true
	}
	return securePort != "" && LocalPort(r) == securePort
}

// LocalPort returns the port of the listener that accepted r, or "".
func LocalPort(r *http.Request) string {
	addr, ok := r.Context().Value(http.LocalAddrContextKey).(net.Addr)
	if !ok || addr == nil {
		return ""
	}
	_, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return ""
	}
	return port
}

// Scheme is "https" when IsHTTPS holds, otherwise "http".
func Scheme(r *http.Request, securePort string) string {
	if IsHTTPS(r, securePort) {
		return "https"
	}
	return "http"
}
