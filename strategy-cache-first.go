package offlinecache

import (
	"context"
	"net/http"

	"github.com/offline-cache/offline-cache/cache"
	cachekey "github.com/offline-cache/offline-cache/pkg/cache-key"
	cachestatus "github.com/offline-cache/offline-cache/pkg/cache-status"
	serializer "github.com/offline-cache/offline-cache/pkg/response-serializer"
)

type fetchResult struct {
	bytes  []byte
	stored bool
}

// cacheFirst serves static assets: the precache partition wins, a miss is
// fetched from the origin and stored for next time, and the offline page
// covers a miss with the network down.
func (c *Controller) cacheFirst(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	wk := c.activeWorker()
	if wk == nil {
		c.uncontrolled(w, r)
		return
	}
	identity := cachekey.Identity(r)

	entry, ok, err := wk.precache.Match(ctx, identity)
	if err != nil {
		c.log.Error().Err(err).Str("key", identity).Msg("Could not read from precache partition")
	}
	if ok {
		cs := &cachestatus.CacheStatus{}
		cs.Hit()
		c.metrics.hits.WithLabelValues("precache").Inc()
		c.sendEntry(w, r, entry, cs)
		return
	}

	cs := &cachestatus.CacheStatus{}
	cs.Forward(cachestatus.FwdReasonUriMiss)
	// concurrent misses for the same identity share one origin fetch
	v, err, _ := c.flight.Do(identity, func() (any, error) {
		res, err := c.fetcher.do(r)
		if err != nil {
			return nil, err
		}
		defer res.Body.Close()
		b, err := serializer.ResponseToBytes(res)
		if err != nil {
			return nil, err
		}
		stored := c.storeEntry(ctx, wk.precache, r, res.StatusCode, b)
		return fetchResult{bytes: b, stored: stored}, nil
	})
	if err == nil {
		fr := v.(fetchResult)
		res, rerr := serializer.ResponseFromBytes(fr.bytes, r)
		if rerr == nil {
			cs.Stored = fr.stored
			c.sendResponse(w, r, res, cs)
			return
		}
		err = rerr
	}

	// network down, serve the offline page if we precached one
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

// matchPath looks up the stored response for a root-relative path.
func (c *Controller) matchPath(ctx context.Context, p cache.Partition, path string) (cache.Entry, bool) {
	entry, ok, err := p.Match(ctx, cachekey.FromPath(path))
	if err != nil {
		c.log.Error().Err(err).Str("path", path).Msg("Could not read fallback document")
		return cache.Entry{}, false
	}
	return entry, ok
}
