// Package proxy implements the dynamic service router: path-based HTTP
// forwarding and the WebSocket bridge.
package proxy

import (
	"fmt"
	"sort"
	"strings"
)

// RouteTable maps a first path segment to an upstream base URL. It is built
// once at startup and read-only afterwards, so lookups need no locking.
type RouteTable struct {
	routes map[string]string
}

// NewRouteTable validates and freezes the service→base-URL mapping. Keys
// must be single path segments; base URLs must carry an http(s) scheme.
func NewRouteTable(routes map[string]string) (*RouteTable, error) {
	frozen := make(map[string]string, len(routes))
	for svc, base := range routes {
		if svc == "" || strings.Contains(svc, "/") {
			return nil, fmt.Errorf("route key %q: must be a single path segment", svc)
		}
		if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
			return nil, fmt.Errorf("route %q: base URL %q must be http or https", svc, base)
		}
		frozen[svc] = strings.TrimRight(base, "/")
	}
	return &RouteTable{routes: frozen}, nil
}

// Lookup returns the base URL for a service. Exact match only.
func (t *RouteTable) Lookup(service string) (string, bool) {
	base, ok := t.routes[service]
	return base, ok
}

// Services returns the sorted route keys, for logs and diagnostics.
func (t *RouteTable) Services() []string {
	out := make([]string, 0, len(t.routes))
	for svc := range t.routes {
		out = append(out, svc)
	}
	sort.Strings(out)
	return out
}
