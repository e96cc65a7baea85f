package offlinecache

import (
	"context"
	"net/http"

	cachekey "github.com/offline-cache/offline-cache/pkg/cache-key"
	cachestatus "github.com/offline-cache/offline-cache/pkg/cache-status"
)

// networkFirst serves API requests: the origin answers when reachable and
// successes are copied into the runtime partition, which then answers for
// the same identity when the origin is not.
func (c *Controller) networkFirst(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	wk := c.activeWorker()
	if wk == nil {
		c.uncontrolled(w, r)
		return
	}
	identity := cachekey.Identity(r)

	res, err := c.fetcher.do(r)
	if err == nil {
		cs := &cachestatus.CacheStatus{}
		cs.Forward(cachestatus.FwdReasonApi)
		cs.Stored = c.storeResponse(ctx, wk.runtime, r, res)
		c.sendResponse(w, r, res, cs)
		return
	}

	c.log.Debug().Err(err).Str("key", identity).Msg("Could not fetch from origin, trying runtime partition")
	entry, ok, merr := wk.runtime.Match(ctx, identity)
	if merr != nil {
		c.log.Error().Err(merr).Str("key", identity).Msg("Could not read from runtime partition")
	}
	if ok {
		cs := &cachestatus.CacheStatus{}
		cs.Hit()
		c.metrics.hits.WithLabelValues("runtime").Inc()
		c.sendEntry(w, r, entry, cs)
		return
	}
	c.sendError(w, r, err)
}
