package api

import (
	"net"
	"net/http"
	"strings"
)

// RealIP extracts the client's address, preferring X-Forwarded-For over
// RemoteAddr when present. Spoofing is possible if the edge proxy does not
// strip these headers; we assume the infrastructure in front of us does.
func RealIP(r *http.Request) string {
	// X-Forwarded-For: client, proxy1, proxy2
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, p := range strings.Split(xff, ",") {
			ipStr := strings.TrimSpace(p)
			if ip := net.ParseIP(ipStr); ip != nil {
				return ip.String()
			}
		}
	}

	if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
		if ip := net.ParseIP(strings.TrimSpace(xrip)); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip.String()
		}
	}

	// RemoteAddr without a port (unusual, but test servers do it)
	return r.RemoteAddr
}
