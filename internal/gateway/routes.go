package gateway

import "strings"

// Service names in the route table and metrics.
const (
	ServiceAuthn = "authn"
	ServiceAuthz = "authz"
)

// Route is the dispatch plan for one request: which upstream, what path to
// forward, and which gates apply on the way.
type Route struct {
	Service     string
	ForwardPath string
	// RequireAuth makes the gateway validate the bearer token before
	// forwarding. Authn-bound routes skip this: that service enforces its
	// own auth, and validating here would just double every call.
	RequireAuth bool
	// AdminResource, when set, is the resource the caller must be permitted
	// to act on (action derived from the HTTP verb) before forwarding.
	AdminResource string
	// FailOpenEligible marks the one route the development fallback may
	// answer for when the authorization service is unreachable.
	FailOpenEligible bool
}

const apiPrefix = "/api/v1/"

// ResolveRoute maps a request path onto the route table:
//
//	auth/*, users/*          -> authn, path forwarded as-is
//	authz/*                  -> authz, authz/ prefix stripped
//	policies/*               -> authz, path forwarded as-is
//
// Anything else, including paths outside /api/v1/, resolves to nil (404).
func ResolveRoute(path string) *Route {
	rest, ok := strings.CutPrefix(path, apiPrefix)
	if !ok || rest == "" {
		return nil
	}

	switch {
	case strings.HasPrefix(rest, "auth/") || strings.HasPrefix(rest, "users/") || rest == "users":
		return &Route{Service: ServiceAuthn, ForwardPath: "/" + rest}

	case strings.HasPrefix(rest, "authz/"):
		forward := "/" + strings.TrimPrefix(rest, "authz/")
		r := &Route{Service: ServiceAuthz, ForwardPath: forward, RequireAuth: true}
		r.AdminResource = adminResource(forward)
		r.FailOpenEligible = forward == "/authorize"
		return r

	case strings.HasPrefix(rest, "policies/") || rest == "policies":
		forward := "/" + rest
		return &Route{
			Service:       ServiceAuthz,
			ForwardPath:   forward,
			RequireAuth:   true,
			AdminResource: adminResource(forward),
		}
	}
	return nil
}

// adminResource names what the caller must be allowed to touch. Policy CRUD
// gates on "policies"; the audit trail and operator endpoints gate on
// "audit". The data plane (authorize, status, health) is ungated beyond
// authentication.
func adminResource(forwardPath string) string {
	switch {
	case forwardPath == "/policies" || strings.HasPrefix(forwardPath, "/policies/"):
		return "policies"
	case strings.HasPrefix(forwardPath, "/audit"), strings.HasPrefix(forwardPath, "/admin"):
		return "audit"
	}
	return ""
}

// verbAction maps HTTP methods onto policy actions.
func verbAction(method string) string {
	switch method {
	case "GET", "HEAD":
		return "read"
	case "POST":
		return "create"
	case "PUT", "PATCH":
		return "update"
	case "DELETE":
		return "delete"
	default:
		return strings.ToLower(method)
	}
}

// routeBucket groups paths for rate limiting: the first two segments under
// /api/v1, so /api/v1/auth/login and /api/v1/auth/refresh throttle
// independently and deeper paths fold into their two-segment parent.
func routeBucket(path string) string {
	rest, ok := strings.CutPrefix(path, apiPrefix)
	if !ok {
		return "other"
	}
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) >= 2 && parts[1] != "" {
		return parts[0] + "/" + parts[1]
	}
	return parts[0]
}
