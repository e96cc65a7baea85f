package offlinecache

import (
	"context"
	"net/http"
	"strings"
)

type strategyFunc func(ctx context.Context, w http.ResponseWriter, r *http.Request)

// route pairs a predicate with the strategy that handles matching
// requests. Routes are evaluated in order, first match wins.
type route struct {
	name    string
	matches func(*http.Request) bool
	handle  strategyFunc
}

func (c *Controller) buildRoutes() []route {
	return []route{
		{"bypass", c.isCrossOrigin, c.passthrough},
		{"api", c.isAPI, c.networkFirst},
		{"navigate", c.isNavigation, c.navigationFallback},
		{"asset", func(*http.Request) bool { return true }, c.cacheFirst},
	}
}

// classify returns the first route whose predicate matches. The final
// route matches everything, so there is always one.
func (c *Controller) classify(r *http.Request) route {
	for _, rt := range c.routes {
		if rt.matches(r) {
			return rt
		}
	}
	return c.routes[len(c.routes)-1]
}

func (c *Controller) handleFetch(ctx context.Context, e *Event) error {
	rt := c.classify(e.Request)
	c.metrics.fetches.WithLabelValues(rt.name).Inc()
	c.log.Trace().
		Str("method", e.Request.Method).
		Str("path", e.Request.URL.RequestURI()).
		Str("route", rt.name).
		Msg("Routing request")
	rt.handle(ctx, e.Writer, e.Request)
	return nil
}

// isCrossOrigin reports whether the request is addressed to some other
// host than the application's. Such traffic is never intercepted.
func (c *Controller) isCrossOrigin(r *http.Request) bool {
	if r.URL.IsAbs() && !equalHost(r.URL.Host, c.appHostOr(r.Host)) {
		return true
	}
	return c.appHost != "" && r.Host != "" && !equalHost(r.Host, c.appHost)
}

func (c *Controller) appHostOr(fallback string) string {
	if c.appHost != "" {
		return c.appHost
	}
	return fallback
}

// equalHost compares hosts the way origins do: case-insensitive, ports
// significant.
func equalHost(a, b string) bool {
	return strings.EqualFold(a, b)
}

func (c *Controller) isAPI(r *http.Request) bool {
	for _, prefix := range c.apiPrefixes {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return true
		}
	}
	return false
}

// isNavigation reports whether the request is a top-level document load.
// Sec-Fetch-Mode is authoritative when the client sends it; otherwise a
// GET whose Accept header names an HTML document counts, unless the path
// looks like a static file (many clients send Accept: text/html,*/* for
// everything).
func (c *Controller) isNavigation(r *http.Request) bool {
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	if r.Method != http.MethodGet {
		return false
	}
	if !strings.Contains(r.Header.Get("Accept"), "text/html") {
		return false
	}
	return !looksLikeAsset(r.URL.Path)
}

var assetPathPrefixes = []string{"/assets/", "/css/", "/js/"}

var assetExtensions = []string{
	".json", ".png", ".jpg", ".svg", ".ico", ".html", ".css", ".js",
}

func looksLikeAsset(path string) bool {
	for _, prefix := range assetPathPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	for _, ext := range assetExtensions {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}
