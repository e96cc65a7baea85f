package offlinecache

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/offline-cache/offline-cache/cache"
	cachekey "github.com/offline-cache/offline-cache/pkg/cache-key"
	cachenames "github.com/offline-cache/offline-cache/pkg/cache-names"
	precache "github.com/offline-cache/offline-cache/pkg/precache-manifest"
	serializer "github.com/offline-cache/offline-cache/pkg/response-serializer"
)

// State is a worker's position in the install/activate lifecycle.
type State int32

const (
	StateParsed State = iota
	StateInstalling
	// StateInstalled is the waiting state: the precache partition is
	// complete but an older version still controls the clients.
	StateInstalled
	StateActivating
	StateActive
	// StateSuperseded is terminal, entered when a newer version takes
	// over.
	StateSuperseded
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateSuperseded:
		return "superseded"
	}
	return "unknown"
}

// Worker is one version of the interception layer: the context object the
// event handlers operate on, holding the partition handles and names
// derived from its version tag. It is created on deploy and discarded
// when superseded.
type Worker struct {
	tag   string
	names cachenames.Names
	log   zerolog.Logger
	state atomic.Int32

	precache cache.Partition
	runtime  cache.Partition
}

func newWorker(tag string, log zerolog.Logger) *Worker {
	return &Worker{
		tag:   tag,
		names: cachenames.ForTag(tag),
		log:   log.With().Str("tag", tag).Logger(),
	}
}

func (w *Worker) Tag() string { return w.tag }

func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
	w.log.Info().Str("state", s.String()).Msg("Worker state changed")
}

// Deploy registers a new version of the application: a worker for the tag
// installs the manifest and then takes over per the promotion policy.
// Deploying the tag that is already active or waiting is a no-op.
func (c *Controller) Deploy(ctx context.Context, tag string, m precache.Manifest) error {
	if err := m.Validate(c.shellPath, c.offlinePath); err != nil {
		return fmt.Errorf("invalid manifest: %w", err)
	}
	c.mu.Lock()
	if c.active != nil && c.active.tag == tag {
		c.mu.Unlock()
		c.log.Debug().Str("tag", tag).Msg("Deployed tag is already active")
		return nil
	}
	if c.waiting != nil && c.waiting.tag == tag {
		c.mu.Unlock()
		c.log.Debug().Str("tag", tag).Msg("Deployed tag is already waiting")
		return nil
	}
	c.manifest = m
	c.mu.Unlock()
	return c.Dispatch(ctx, &Event{Type: EventInstall, Tag: tag})
}

func (c *Controller) handleInstall(ctx context.Context, e *Event) error {
	c.deployMu.Lock()
	defer c.deployMu.Unlock()

	wk := newWorker(e.Tag, c.log)
	if err := c.install(ctx, wk); err != nil {
		c.metrics.installs.WithLabelValues("failure").Inc()
		return err
	}
	c.metrics.installs.WithLabelValues("success").Inc()

	c.mu.Lock()
	noActive := c.active == nil
	replaced := c.waiting
	c.waiting = wk
	c.mu.Unlock()
	if replaced != nil {
		replaced.setState(StateSuperseded)
	}

	if noActive || c.skipWaiting || c.clients.count() == 0 {
		return c.Dispatch(ctx, &Event{Type: EventActivate})
	}
	// wait until every client closes; the update-notification surface
	// prompts for a reload in the meantime
	c.clients.broadcast(ClientEvent{Type: ClientEventUpdateWaiting, Data: wk.tag})
	return nil
}

// install populates the worker's precache partition with every manifest
// entry, fetched fresh from the origin. Any failure fails the whole
// install and removes the partial partition; the worker drops back to
// parsed and can be retried.
func (c *Controller) install(ctx context.Context, wk *Worker) error {
	wk.setState(StateInstalling)
	c.mu.Lock()
	m := c.manifest
	c.mu.Unlock()

	p, err := c.store.OpenPartition(ctx, wk.names.Precache)
	if err != nil {
		wk.setState(StateParsed)
		return fmt.Errorf("open precache partition: %w", err)
	}
	wk.precache = p
	for _, asset := range m.Assets {
		if err := c.precacheAsset(ctx, p, asset); err != nil {
			if _, derr := c.store.DeletePartition(ctx, wk.names.Precache); derr != nil {
				c.log.Error().Err(derr).Str("partition", wk.names.Precache).
					Msg("Could not delete partial precache partition")
			}
			wk.setState(StateParsed)
			return fmt.Errorf("precache %s: %w", asset, err)
		}
	}
	wk.setState(StateInstalled)
	wk.log.Info().Int("assets", len(m.Assets)).Msg("Precache complete")
	return nil
}

// precacheAsset fetches one manifest entry and stores it. A non-200
// response is a failure here: installs never settle for error documents.
func (c *Controller) precacheAsset(ctx context.Context, p cache.Partition, path string) error {
	res, err := c.fetcher.fetchPath(ctx, path, true)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("origin returned %s", res.Status)
	}
	b, err := serializer.ResponseToBytes(res)
	if err != nil {
		return err
	}
	return p.Put(ctx, cachekey.FromPath(path), cache.Entry{Bytes: b, StoredAt: time.Now()})
}

func (c *Controller) handleActivate(ctx context.Context, e *Event) error {
	c.mu.Lock()
	wk := c.waiting
	c.waiting = nil
	old := c.active
	c.mu.Unlock()
	if wk == nil {
		return nil
	}

	if err := c.activate(ctx, wk); err != nil {
		c.mu.Lock()
		c.waiting = wk
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.active = wk
	c.mu.Unlock()
	if old != nil {
		old.setState(StateSuperseded)
	}
	// claim every connected client right away instead of waiting for a
	// reload
	c.clients.broadcast(ClientEvent{Type: ClientEventControllerChange, Data: wk.tag})
	return nil
}

// activate opens the runtime partition and prunes every partition this
// subsystem owns that belongs to another version. Prune failures are
// logged and reported but never fail activation; a stale partition then
// lingers until the next cycle.
func (c *Controller) activate(ctx context.Context, wk *Worker) error {
	wk.setState(StateActivating)
	p, err := c.store.OpenPartition(ctx, wk.names.Runtime)
	if err != nil {
		return fmt.Errorf("open runtime partition: %w", err)
	}
	wk.runtime = p

	names, err := c.store.PartitionNames(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("Could not list partitions for pruning")
	}
	for _, name := range names {
		if !cachenames.IsOwned(name) || wk.names.Has(name) {
			continue
		}
		if _, err := c.store.DeletePartition(ctx, name); err != nil {
			c.log.Error().Err(err).Str("partition", name).Msg("Could not delete stale partition")
			continue
		}
		c.metrics.pruned.Inc()
		wk.log.Info().Str("partition", name).Msg("Pruned stale partition")
	}

	wk.setState(StateActive)
	return nil
}

// refreshPrecache re-fetches every manifest entry into the active precache
// partition. It is registered under the refresh-precache sync tag, so a
// failed refresh is retried with backoff.
func (c *Controller) refreshPrecache(ctx context.Context) error {
	c.mu.Lock()
	wk := c.active
	m := c.manifest
	c.mu.Unlock()
	if wk == nil {
		return fmt.Errorf("no active worker")
	}
	for _, asset := range m.Assets {
		if err := c.precacheAsset(ctx, wk.precache, asset); err != nil {
			return fmt.Errorf("refresh %s: %w", asset, err)
		}
	}
	wk.log.Info().Int("assets", len(m.Assets)).Msg("Precache refreshed")
	return nil
}
