package gateway

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"
)

// UpstreamHealth is the last probe result for one upstream.
type UpstreamHealth struct {
	Status      string    `json:"status"`
	LatencyMS   float64   `json:"latency_ms"`
	LastChecked time.Time `json:"last_checked"`
	Error       string    `json:"error,omitempty"`
}

// Prober polls each upstream's /health in the background. Results inform the
// operator via /gateway/health; they never gate dispatch.
type Prober struct {
	upstreams map[string]Upstream
	interval  time.Duration
	client    *http.Client

	mu      sync.RWMutex
	results map[string]UpstreamHealth
}

func NewProber(upstreams map[string]Upstream, interval time.Duration) *Prober {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Prober{
		upstreams: upstreams,
		interval:  interval,
		client:    &http.Client{Timeout: 5 * time.Second},
		results:   make(map[string]UpstreamHealth, len(upstreams)),
	}
}

// Run probes immediately, then on the interval, until the context ends.
func (p *Prober) Run(ctx context.Context) {
	p.probeAll(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeAll(ctx)
		}
	}
}

func (p *Prober) probeAll(ctx context.Context) {
	for name, upstream := range p.upstreams {
		result := p.probe(ctx, upstream)
		p.mu.Lock()
		p.results[name] = result
		p.mu.Unlock()
	}
}

func (p *Prober) probe(ctx context.Context, upstream Upstream) UpstreamHealth {
	start := time.Now()
	result := UpstreamHealth{LastChecked: start.UTC()}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, upstream.BaseURL+"/health", nil)
	if err != nil {
		result.Status = "down"
		result.Error = err.Error()
		return result
	}
	resp, err := p.client.Do(req)
	result.LatencyMS = float64(time.Since(start).Microseconds()) / 1000.0
	if err != nil {
		result.Status = "down"
		result.Error = err.Error()
		return result
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		result.Status = "up"
	} else {
		result.Status = "degraded"
		result.Error = resp.Status
	}
	return result
}

// Snapshot copies the current results. Upstreams never probed yet report as
// unknown.
func (p *Prober) Snapshot() map[string]UpstreamHealth {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]UpstreamHealth, len(p.upstreams))
	for name := range p.upstreams {
		if result, ok := p.results[name]; ok {
			out[name] = result
		} else {
			out[name] = UpstreamHealth{Status: "unknown"}
		}
	}
	return out
}
