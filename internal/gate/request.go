package gate

import (
	"context"
	"net"
	"net/http"
)

type ctxKey int

const (
	attributesKey ctxKey = iota
	routeKey
	rolesKey
)

// WithAttributes attaches request attributes for the attribute rule.
func WithAttributes(ctx context.Context, attrs map[string]string) context.Context {
	return context.WithValue(ctx, attributesKey, attrs)
}

// WithRoute attaches the resolved route name.
func WithRoute(ctx context.Context, route string) context.Context {
	return context.WithValue(ctx, routeKey, route)
}

// WithRoles attaches the roles granted to the requester. Roles already on
// the context are kept.
func WithRoles(ctx context.Context, roles ...string) context.Context {
	existing, _ := ctx.Value(rolesKey).([]string)
	merged := append(append([]string(nil), existing...), roles...)
	return context.WithValue(ctx, rolesKey, merged)
}

// RolesFrom returns the roles attached to ctx.
func RolesFrom(ctx context.Context) []string {
	roles, _ := ctx.Value(rolesKey).([]string)
	return roles
}

// FromHTTP builds the gate view of r. The client IP is the remote peer
// address; the host has its port removed.
func FromHTTP(r *http.Request) Request {
	req := Request{
		Path:     r.URL.EscapedPath(),
		Host:     stripPort(r.Host),
		ClientIP: stripPort(r.RemoteAddr),
		Query:    map[string]string{},
		Cookies:  map[string]string{},
	}
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			req.Query[k] = v[0]
		}
	}
	for _, c := range r.Cookies() {
		if _, ok := req.Cookies[c.Name]; !ok {
			req.Cookies[c.Name] = c.Value
		}
	}

	ctx := r.Context()
	if attrs, ok := ctx.Value(attributesKey).(map[string]string); ok {
		req.Attributes = attrs
	}
	if route, ok := ctx.Value(routeKey).(string); ok {
		req.Route = route
	}
	req.Roles = RolesFrom(ctx)
	return req
}

func stripPort(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}
