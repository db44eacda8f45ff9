package config

import (
	"net"
	"sort"
	"strings"
)

// RouteConfig is the resolved per-route gate setting handed to the engine.
type RouteConfig struct {
	Variant             Variant
	Mode                Mode
	Enable              bool
	AllowHeaderFallback bool
	CookieName          string
	HeaderName          string
}

// Route is a flattened, fully inherited route entry.
type Route struct {
	Prefix string
	Host   string
	Origin string
	Gate   RouteConfig
}

// RouteTable matches requests to resolved routes. It is immutable after
// BuildRouteTable and safe for concurrent use.
type RouteTable struct {
	routes []Route
	root   Route
}

// BuildRouteTable merges the route tree parent to child and flattens it.
// Host-bound routes sort ahead of all host-less ones, so a matching host
// scope always wins; within each group the longest prefix wins.
func BuildRouteTable(c *Config) *RouteTable {
	base := RouteConfig{
		Variant:             Variant(c.Gate.Variant),
		Mode:                Mode(c.Gate.Mode),
		AllowHeaderFallback: c.Gate.AllowHeaderFallback && Variant(c.Gate.Variant) == VariantMode,
		CookieName:          c.Gate.CookieName,
		HeaderName:          c.Gate.HeaderName,
	}
	rootGate := base
	rootGate.Enable = c.Gate.Enable.Resolve()

	t := &RouteTable{
		root: Route{Prefix: "/", Origin: c.Proxy.Origin, Gate: rootGate},
	}
	var walk func(rs []RouteCfg, prefix, host, origin string, enable Toggle)
	walk = func(rs []RouteCfg, prefix, host, origin string, enable Toggle) {
		for _, r := range rs {
			p := r.Prefix
			if p == "" {
				p = prefix
			}
			h := strings.Trim(r.Host, "[]")
			if h == "" {
				h = host
			}
			o := r.Origin
			if o == "" {
				o = origin
			}
			en := Merge(enable, r.Enable)
			g := base
			g.Enable = en.Resolve()
			t.routes = append(t.routes, Route{Prefix: p, Host: h, Origin: o, Gate: g})
			walk(r.Routes, p, h, o, en)
		}
	}
	walk(c.Routes, "/", "", c.Proxy.Origin, c.Gate.Enable)

	sort.SliceStable(t.routes, func(i, j int) bool {
		a, b := t.routes[i], t.routes[j]
		if (a.Host != "") != (b.Host != "") {
			return a.Host != ""
		}
		return len(a.Prefix) > len(b.Prefix)
	})
	return t
}

// Match returns the route for host and path, or the root scope if nothing matches.
func (t *RouteTable) Match(host, path string) Route {
	host = hostOnly(host)
	for _, r := range t.routes {
		if r.Host != "" && !strings.EqualFold(r.Host, host) {
			continue
		}
		if matchPrefix(r.Prefix, path) {
			return r
		}
	}
	return t.root
}

// Routes returns a copy of the flattened table in match order.
func (t *RouteTable) Routes() []Route {
	out := make([]Route, len(t.routes))
	copy(out, t.routes)
	return out
}

// matchPrefix treats a prefix without a trailing slash as a path segment:
// "/api" matches "/api" and "/api/x" but not "/apix".
func matchPrefix(prefix, path string) bool {
	if prefix == "/" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if strings.HasSuffix(prefix, "/") || len(path) == len(prefix) {
		return true
	}
	return path[len(prefix)] == '/'
}

// hostOnly strips the port and IPv6 brackets from a Host header value.
func hostOnly(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return strings.Trim(host, "[]")
}
