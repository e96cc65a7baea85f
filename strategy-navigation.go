package offlinecache

import (
	"context"
	"net/http"

	cachestatus "github.com/offline-cache/offline-cache/pkg/cache-status"
)

// navigationFallback serves document loads. The origin is tried first so
// real content wins whenever it is reachable; a non-success response is
// replaced with the cached shell document so the client-side router can
// handle arbitrary paths without server rewrite rules. With the origin
// unreachable the shell, then the offline page, stand in.
func (c *Controller) navigationFallback(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	wk := c.activeWorker()
	if wk == nil {
		c.uncontrolled(w, r)
		return
	}

	res, err := c.fetcher.do(r)
	if err == nil {
		cs := &cachestatus.CacheStatus{}
		cs.Forward(cachestatus.FwdReasonNavigate)
		if res.StatusCode >= 200 && res.StatusCode < 300 {
			c.sendResponse(w, r, res, cs)
			return
		}
		if entry, ok := c.matchPath(ctx, wk.precache, c.shellPath); ok {
			res.Body.Close()
			scs := &cachestatus.CacheStatus{}
			scs.Hit()
			scs.Detail("shell")
			c.metrics.fallbacks.WithLabelValues("shell").Inc()
			c.sendEntry(w, r, entry, scs)
			return
		}
		// no shell to substitute, the origin response is all we have
		c.sendResponse(w, r, res, cs)
		return
	}

	c.log.Debug().Err(err).Str("url", r.URL.String()).Msg("Could not fetch navigation, falling back to shell")
	if entry, ok := c.matchPath(ctx, wk.precache, c.shellPath); ok {
		cs := &cachestatus.CacheStatus{}
		cs.Hit()
		cs.Detail("shell")
		c.metrics.fallbacks.WithLabelValues("shell").Inc()
		c.sendEntry(w, r, entry, cs)
		return
	}
	if entry, ok := c.matchPath(ctx, wk.precache, c.offlinePath); ok {
		cs := &cachestatus.CacheStatus{}
		cs.Hit()
		cs.Detail("offline")
		c.metrics.fallbacks.WithLabelValues("offline").Inc()
		c.sendEntry(w, r, entry, cs)
		return
	}
	c.sendError(w, r, err)
}
