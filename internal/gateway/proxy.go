package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"time"
)

// Hop-by-hop headers per RFC 9110 §7.6.1. These describe one connection and
// must not travel across the proxy in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Upstream is one forwarding target.
type Upstream struct {
	Name    string
	BaseURL string
	Timeout time.Duration
}

// Proxy forwards buffered requests to upstreams, retrying transport
// failures once. HTTP responses of any status are not failures; they return
// verbatim.
type Proxy struct {
	client *http.Client
	logger *slog.Logger
}

// NewProxy builds the forwarding client. maxConnsPerHost sizes the
// keep-alive pool toward each upstream; per-request deadlines come from each
// Upstream's timeout, not a client-wide one.
func NewProxy(maxConnsPerHost int, logger *slog.Logger) *Proxy {
	if maxConnsPerHost <= 0 {
		maxConnsPerHost = 32
	}
	transport := &http.Transport{
		MaxIdleConns:        maxConnsPerHost * 2,
		MaxIdleConnsPerHost: maxConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Proxy{
		client: &http.Client{Transport: transport},
		logger: logger,
	}
}

const (
	retryBaseDelay = 100 * time.Millisecond
	retryJitter    = 0.5
)

// backoffDelay is the base delay with ±50% jitter so synchronized retries
// from many in-flight requests spread out.
func backoffDelay() time.Duration {
	spread := 1 - retryJitter + 2*retryJitter*rand.Float64()
	return time.Duration(float64(retryBaseDelay) * spread)
}

// Forward sends the buffered request to the upstream and writes the response
// through. Returns an error only when both attempts fail at the transport
// level, in which case nothing has been written to w.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request, upstream Upstream, forwardPath string, body []byte) error {
	ctx := r.Context()
	if upstream.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, upstream.Timeout)
		defer cancel()
	}

	targetURL := upstream.BaseURL + forwardPath
	if r.URL.RawQuery != "" {
		targetURL += "?" + r.URL.RawQuery
	}

	var resp *http.Response
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoffDelay()):
			}
			p.logger.Warn("retrying upstream request",
				"upstream", upstream.Name, "path", forwardPath)
		}

		req, err := http.NewRequestWithContext(ctx, r.Method, targetURL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build upstream request: %w", err)
		}
		copyProxyHeaders(req.Header, r)

		resp, err = p.client.Do(req)
		if err == nil {
			break
		}
		if attempt == 1 || ctx.Err() != nil {
			return fmt.Errorf("forward to %s: %w", upstream.Name, err)
		}
	}
	defer resp.Body.Close()

	header := w.Header()
	for k, vs := range resp.Header {
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	for _, h := range hopByHopHeaders {
		header.Del(h)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		// Headers and status are already out; all we can do is note it.
		p.logger.Warn("copying upstream response body failed",
			"upstream", upstream.Name, "error", err)
	}
	return nil
}

// copyProxyHeaders carries the client's headers to the upstream, minus
// hop-by-hop ones, with the forwarding chain recorded. Host rewriting is
// implicit: the new request's URL targets the upstream.
func copyProxyHeaders(dst http.Header, r *http.Request) {
	for k, vs := range r.Header {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	for _, h := range hopByHopHeaders {
		dst.Del(h)
	}
	dst.Set("X-Forwarded-For", forwardedFor(r))
	dst.Set("X-Forwarded-Host", r.Host)
}

// forwardedFor appends the direct peer to the existing chain, which is the
// one address this hop can vouch for.
func forwardedFor(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
		return prior + ", " + host
	}
	return host
}
