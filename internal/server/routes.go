package server

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/asimihsan/routegate/internal/config"
	"github.com/asimihsan/routegate/pkg/gate"
)

// Mode selects how a denial is delivered to the client.
type Mode string

const (
	// ModeRedirect answers a denial with a 302 to the verdict's redirect.
	ModeRedirect Mode = "redirect"
	// ModeDeny answers a denial with a fixed JSON body.
	ModeDeny Mode = "deny"
)

// Route binds a path prefix to its access requirements.
type Route struct {
	Path   string
	Policy gate.PolicyRequest
	Mode   Mode
}

// RouteTable resolves request paths to routes by longest matching prefix.
type RouteTable struct {
	routes []Route
}

// NewRouteTable sorts routes so longer prefixes win.
func NewRouteTable(routes ...Route) *RouteTable {
	sorted := make([]Route, len(routes))
	copy(sorted, routes)
	for i := range sorted {
		if sorted[i].Mode == "" {
			sorted[i].Mode = ModeRedirect
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Path) > len(sorted[j].Path)
	})
	return &RouteTable{routes: sorted}
}

// RoutesFromConfig resolves the configured presets.
func RoutesFromConfig(cfgRoutes []*config.Route) ([]Route, error) {
	routes := make([]Route, 0, len(cfgRoutes))
	for _, r := range cfgRoutes {
		if r == nil {
			continue
		}
		policy, err := gate.PresetByName(r.Preset, r.Arg)
		if err != nil {
			return nil, fmt.Errorf("%w: route %q: %v", gate.ErrConfigLoad, r.Path, err)
		}
		if r.RedirectTarget != "" {
			policy.RedirectTarget = r.RedirectTarget
		}
		routes = append(routes, Route{Path: r.Path, Policy: policy, Mode: Mode(r.Mode)})
	}
	return routes, nil
}

// Match returns the route with the longest prefix of path. A prefix only
// matches at a segment boundary, so /admin does not cover /administrators.
func (t *RouteTable) Match(path string) (Route, bool) {
	for _, r := range t.routes {
		if prefixMatches(r.Path, path) {
			return r, true
		}
	}
	return Route{}, false
}

// Routes returns the table in match order.
func (t *RouteTable) Routes() []Route {
	out := make([]Route, len(t.routes))
	copy(out, t.routes)
	return out
}

// cleanPath returns the canonical form of p: no empty or dot segments, with
// a trailing slash preserved.
func cleanPath(p string) string {
	cleaned := path.Clean(p)
	if cleaned != "/" && strings.HasSuffix(p, "/") {
		cleaned += "/"
	}
	return cleaned
}

func prefixMatches(prefix, path string) bool {
	if prefix == "/" {
		return strings.HasPrefix(path, "/")
	}
	prefix = strings.TrimSuffix(prefix, "/")
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	rest := path[len(prefix):]
	return rest == "" || rest[0] == '/' || rest[0] == '?'
}
