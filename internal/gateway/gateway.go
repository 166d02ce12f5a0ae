package gateway

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"

	"gatekeeper/internal/api"
)

// Config is everything the gateway needs to dispatch.
type Config struct {
	AuthnURL           string
	AuthzURL           string
	UpstreamTimeout    time.Duration
	RateLimitEnabled   bool
	RateLimitPerMinute int
	FallbackEnabled    bool
	Production         bool
	MaxConnsPerHost    int
	ProbeInterval      time.Duration
}

// Gateway is the front door: rate limiting, identity, admin gating, then
// dispatch to the owning service.
type Gateway struct {
	config    Config
	upstreams map[string]Upstream
	proxy     *Proxy
	auth      *AuthClient
	limiter   *RateLimiter
	prober    *Prober
	metrics   *Metrics
	logger    *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Gateway {
	upstreams := map[string]Upstream{
		ServiceAuthn: {Name: ServiceAuthn, BaseURL: cfg.AuthnURL, Timeout: cfg.UpstreamTimeout},
		ServiceAuthz: {Name: ServiceAuthz, BaseURL: cfg.AuthzURL, Timeout: cfg.UpstreamTimeout},
	}

	g := &Gateway{
		config:    cfg,
		upstreams: upstreams,
		proxy:     NewProxy(cfg.MaxConnsPerHost, logger),
		auth:      NewAuthClient(cfg.AuthnURL, cfg.AuthzURL, cfg.UpstreamTimeout),
		prober:    NewProber(upstreams, cfg.ProbeInterval),
		metrics:   newMetrics(),
		logger:    logger,
	}
	if cfg.RateLimitEnabled {
		g.limiter = NewRateLimiter(cfg.RateLimitPerMinute)
	}
	return g
}

// Prober exposes the background health prober for the main to run.
func (g *Gateway) Prober() *Prober { return g.prober }

// Limiter is nil when rate limiting is disabled.
func (g *Gateway) Limiter() *RateLimiter { return g.limiter }

const maxBodyBytes = 10 << 20

// Dispatch runs the per-request pipeline: route, rate limit, authenticate,
// admin-gate, forward.
func (g *Gateway) Dispatch(w http.ResponseWriter, r *http.Request) {
	g.metrics.Total.Add(1)

	route := ResolveRoute(r.URL.Path)
	if route == nil {
		api.RespondError(w, r, http.StatusNotFound, "route not found")
		return
	}
	g.metrics.countService(route.Service)

	if g.limiter != nil {
		allowed, retryAfter := g.limiter.Allow(callerKey(r), routeBucket(r.URL.Path))
		if !allowed {
			g.metrics.RateLimited.Add(1)
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			api.RespondError(w, r, http.StatusTooManyRequests,
				fmt.Sprintf("rate limit exceeded, retry in %ds", retryAfter))
			return
		}
	}

	var identity *TokenIdentity
	if route.RequireAuth {
		token, err := api.BearerToken(r)
		if err != nil {
			api.RespondError(w, r, http.StatusUnauthorized, "missing bearer token")
			return
		}
		identity, err = g.auth.ValidateToken(r.Context(), token)
		if err != nil {
			g.metrics.Errors.Add(1)
			g.logger.Error("token validation unavailable", "error", err)
			api.RespondError(w, r, http.StatusServiceUnavailable, "authentication service unavailable")
			return
		}
		if !identity.Valid {
			api.RespondError(w, r, http.StatusUnauthorized, "invalid or expired token")
			return
		}
	}

	if route.AdminResource != "" {
		decision, err := g.auth.Authorize(r.Context(), identity.UserID, route.AdminResource,
			verbAction(r.Method), map[string]any{"path": r.URL.Path, "method": r.Method})
		if err != nil {
			g.metrics.Errors.Add(1)
			g.logger.Error("admin gate unavailable", "error", err, "resource", route.AdminResource)
			api.RespondError(w, r, http.StatusServiceUnavailable, "authorization service unavailable")
			return
		}
		if decision.Effect != "permit" {
			api.RespondError(w, r, http.StatusForbidden, "permission denied")
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		api.RespondError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	upstream := g.upstreams[route.Service]
	if err := g.proxy.Forward(w, r, upstream, route.ForwardPath, body); err != nil {
		if route.FailOpenEligible && r.Method == http.MethodPost && g.failOpenAllowed() {
			g.serveFallback(w, r)
			return
		}
		g.metrics.Errors.Add(1)
		g.logger.Error("upstream unreachable", "upstream", upstream.Name, "error", err)
		api.RespondError(w, r, http.StatusServiceUnavailable,
			fmt.Sprintf("%s service unavailable", route.Service))
	}
}

// failOpenAllowed: development fallback only, and only when switched on.
// Production never fails open.
func (g *Gateway) failOpenAllowed() bool {
	return g.config.FallbackEnabled && !g.config.Production
}

// serveFallback synthesizes the permit the authorization service would not
// give because it is down. Narrow by construction: only Dispatch's
// fail-open branch reaches here.
func (g *Gateway) serveFallback(w http.ResponseWriter, r *http.Request) {
	g.metrics.Fallbacks.Add(1)
	g.logger.Warn("authorization service unavailable, serving development fallback",
		"path", r.URL.Path)

	api.RespondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"decision": map[string]any{
			"effect":             "permit",
			"reason":             "Authorization service unavailable - using development fallback",
			"matched_policies":   []string{},
			"evaluation_time_ms": 0.0,
			"cache_hit":          false,
			"obligations":        []string{},
			"advice":             []string{},
			"timestamp":          time.Now().UTC(),
		},
		"request_id": middleware.GetReqID(r.Context()),
	})
}

// callerKey picks the rate-limit identity: the token's subject claim when
// one is present and well formed, else the client address. The claim is read
// without signature verification; the limiter allocates fairness, it grants
// nothing.
func callerKey(r *http.Request) string {
	token, err := api.BearerToken(r)
	if err == nil {
		claims := jwt.MapClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
			if sub, err := claims.GetSubject(); err == nil && sub != "" {
				return sub
			}
		}
	}
	return api.RealIP(r)
}

// Health serves /gateway/health: the gateway's own uptime plus the latest
// probe result per upstream. Always 200; a down upstream is information.
func (g *Gateway) Health(w http.ResponseWriter, r *http.Request) {
	api.RespondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"service":        "gateway",
		"uptime_seconds": int64(time.Since(g.metrics.startedAt).Seconds()),
		"upstreams":      g.prober.Snapshot(),
	})
}

func (g *Gateway) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	api.RespondJSON(w, http.StatusOK, g.metrics.Snapshot())
}

// ConfigHandler reports the runtime wiring. URLs and flags only, no secrets
// pass through gateway config at all.
func (g *Gateway) ConfigHandler(w http.ResponseWriter, r *http.Request) {
	environment := "development"
	if g.config.Production {
		environment = "production"
	}
	api.RespondJSON(w, http.StatusOK, map[string]any{
		"authn_url":                g.config.AuthnURL,
		"authz_url":                g.config.AuthzURL,
		"upstream_timeout_seconds": int(g.config.UpstreamTimeout.Seconds()),
		"rate_limit_enabled":       g.config.RateLimitEnabled,
		"rate_limit_per_minute":    g.config.RateLimitPerMinute,
		"authz_fallback_enabled":   g.config.FallbackEnabled,
		"environment":              environment,
	})
}
