package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/offline-cache/offline-cache/cache"
	cachekey "github.com/offline-cache/offline-cache/pkg/cache-key"
	cachestatus "github.com/offline-cache/offline-cache/pkg/cache-status"
	precache "github.com/offline-cache/offline-cache/pkg/precache-manifest"
	"github.com/offline-cache/offline-cache/pkg/push"
	serializer "github.com/offline-cache/offline-cache/pkg/response-serializer"
	synctags "github.com/offline-cache/offline-cache/pkg/sync-tags"
)

// SyncTagRefreshPrecache is registered by default: it re-fetches every
// manifest entry into the active precache partition.
const SyncTagRefreshPrecache = "refresh-precache"

type Config struct {
	// Storage for cache partitions. The store stays open on Close, it
	// belongs to the caller.
	Store cache.Store
	// URL of the origin server.
	// Origins with paths are not supported.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Public host of the application. Requests addressed to any other
	// host are never intercepted. If empty, only absolute-form requests
	// can be recognized as cross-origin.
	AppHost string
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// SkipWaiting promotes a freshly installed version immediately
	// instead of waiting for all clients to close.
	SkipWaiting bool
	// Root-relative paths of the shell and offline documents. Both must
	// appear in every deployed manifest. Defaults "/" and
	// "/offline.html".
	ShellPath   string
	OfflinePath string
	// Extra path prefixes routed network-first. "/api/" always is.
	APIPrefixes []string
	// Notification assets attached to displayed notifications.
	Notification push.Options
	// Displayer shows notifications. Defaults to broadcasting them to
	// every connected client.
	Displayer push.Displayer
	// Sync tunes the deferred-sync dispatcher.
	Sync synctags.Options
}

// Controller is the interception layer: an http.Handler fronting the
// origin that owns the worker lifecycle, the partitioned cache, and the
// background event handlers. Create one with New, then Deploy a version
// to start intercepting.
type Controller struct {
	store       cache.Store
	fetcher     *originFetcher
	log         zerolog.Logger
	metrics     *metrics
	metricsReg  *prometheus.Registry
	clients     *clientRegistry
	sync        *synctags.Dispatcher
	displayer   push.Displayer
	bypassProxy *httputil.ReverseProxy
	routes      []route
	handlers    map[EventType]EventHandler
	flight      singleflight.Group

	appHost      string
	shellPath    string
	offlinePath  string
	apiPrefixes  []string
	skipWaiting  bool
	notification push.Options

	// deployMu serializes installs so concurrent deploys queue up.
	deployMu sync.Mutex
	mu       sync.Mutex
	manifest precache.Manifest
	active   *Worker
	waiting  *Worker
}

// New wires up a controller. No version is active yet: requests pass
// through to the origin uncached until the first Deploy completes.
func New(config Config) (*Controller, error) {
	if config.Store == nil {
		return nil, errors.New("config: cache store is required")
	}
	if config.OriginURL.Scheme == "" || config.OriginURL.Host == "" {
		return nil, errors.New("config: origin URL needs a scheme and host")
	}

	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().
		Str("origin", config.OriginURL.String()).
		Logger()

	shell := config.ShellPath
	if shell == "" {
		shell = "/"
	}
	offline := config.OfflinePath
	if offline == "" {
		offline = "/offline.html"
	}

	metricsReg := newMetricsReg()
	c := &Controller{
		store:        config.Store,
		fetcher:      newOriginFetcher(config.OriginURL, config.OriginHost, logger),
		log:          logger,
		metrics:      newMetrics(prometheus.WrapRegistererWithPrefix("offline_cache_", metricsReg)),
		metricsReg:   metricsReg,
		clients:      newClientRegistry(logger),
		appHost:      config.AppHost,
		shellPath:    shell,
		offlinePath:  offline,
		apiPrefixes:  append([]string{"/api/"}, config.APIPrefixes...),
		skipWaiting:  config.SkipWaiting,
		notification: config.Notification,
	}

	c.displayer = config.Displayer
	if c.displayer == nil {
		c.displayer = c
	}

	syncOpts := config.Sync
	if syncOpts.Logger == nil {
		syncOpts.Logger = &logger
	}
	c.sync = synctags.NewDispatcher(syncOpts)
	c.sync.Register(SyncTagRefreshPrecache, c.refreshPrecache)
	c.sync.Start()

	c.bypassProxy = &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			if req.URL.Scheme == "" {
				req.URL.Scheme = "http"
			}
			if req.URL.Host == "" {
				req.URL.Host = req.Host
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			c.sendError(w, r, err)
		},
	}

	// a waiting version takes over once the last client closes
	c.clients.onDrain = func() {
		c.mu.Lock()
		hasWaiting := c.waiting != nil
		c.mu.Unlock()
		if !hasWaiting {
			return
		}
		c.log.Info().Msg("All clients closed, promoting waiting worker")
		if err := c.Dispatch(context.Background(), &Event{Type: EventActivate}); err != nil {
			c.log.Error().Err(err).Msg("Could not activate waiting worker")
		}
	}

	c.routes = c.buildRoutes()
	c.handlers = c.eventHandlers()
	return c, nil
}

// ServeHTTP implements the http.Handler interface.
func (c *Controller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if c.activeWorker() == nil {
		c.uncontrolled(w, r)
		return
	}
	e := &Event{Type: EventFetch, Request: r, Writer: w}
	if err := c.Dispatch(r.Context(), e); err != nil {
		c.log.Error().Err(err).Msg("Could not dispatch fetch event")
	}
}

func (c *Controller) activeWorker() *Worker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// uncontrolled relays a request before any version is active, the way
// clients talk straight to the network until a worker claims them.
func (c *Controller) uncontrolled(w http.ResponseWriter, r *http.Request) {
	if c.isCrossOrigin(r) {
		c.bypassProxy.ServeHTTP(w, r)
		return
	}
	res, err := c.fetcher.do(r)
	if err != nil {
		c.sendError(w, r, err)
		return
	}
	c.sendResponse(w, r, res, nil)
}

// passthrough hands cross-origin traffic to the network. No cache lookup
// or write happens on this path.
func (c *Controller) passthrough(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	cs := &cachestatus.CacheStatus{}
	cs.Forward(cachestatus.FwdReasonBypass)
	w.Header().Set(cachestatus.HeaderName, cs.String())
	c.bypassProxy.ServeHTTP(w, r)
	c.logRequest(r, cs)
}

func (c *Controller) handleSync(ctx context.Context, e *Event) error {
	return c.sync.Request(e.Tag)
}

func (c *Controller) handlePush(ctx context.Context, e *Event) error {
	n, err := push.Build(e.Payload, c.notification)
	if err != nil {
		return fmt.Errorf("parse push payload: %w", err)
	}
	if err := c.displayer.Display(ctx, n); err != nil {
		return err
	}
	c.metrics.notification.Inc()
	c.log.Info().Str("id", n.ID).Str("title", n.Title).Msg("Displayed notification")
	return nil
}

func (c *Controller) handleNotificationClick(ctx context.Context, e *Event) error {
	e.Target = push.Click(e.Notification)
	c.clients.broadcast(ClientEvent{Type: ClientEventNotificationClick, Data: map[string]string{
		"id":     e.Notification.ID,
		"target": e.Target,
	}})
	c.log.Debug().Str("id", e.Notification.ID).Str("target", e.Target).Msg("Notification activated")
	return nil
}

// Display broadcasts a notification to every connected client. It is the
// default Displayer.
func (c *Controller) Display(ctx context.Context, n push.Notification) error {
	c.clients.broadcast(ClientEvent{Type: ClientEventNotification, Data: n})
	return nil
}

// storeEntry is the one gate for cache writes on the request path: only a
// success response to a GET is ever stored. A write failure is counted
// and logged but never alters the response.
func (c *Controller) storeEntry(ctx context.Context, p cache.Partition, r *http.Request, statusCode int, b []byte) bool {
	if statusCode != http.StatusOK || r.Method != http.MethodGet {
		return false
	}
	identity := cachekey.Identity(r)
	if err := p.Put(ctx, identity, cache.Entry{Bytes: b, StoredAt: time.Now()}); err != nil {
		c.log.Error().Err(err).Str("key", identity).Str("partition", p.Name()).
			Msg("Could not write to cache")
		c.metrics.storeErrors.Inc()
		return false
	}
	return true
}

// storeResponse serializes res and stores it under the request identity.
// The response body is restored afterwards and can still be sent.
func (c *Controller) storeResponse(ctx context.Context, p cache.Partition, r *http.Request, res *http.Response) bool {
	if res.StatusCode != http.StatusOK || r.Method != http.MethodGet {
		return false
	}
	b, err := serializer.ResponseToBytes(res)
	if err != nil {
		c.log.Error().Err(err).Msg("Could not serialize response")
		c.metrics.storeErrors.Inc()
		return false
	}
	return c.storeEntry(ctx, p, r, res.StatusCode, b)
}

func (c *Controller) sendResponse(w http.ResponseWriter, r *http.Request, res *http.Response, cs *cachestatus.CacheStatus) {
	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(w.Header(), res.Header)
	if cs != nil {
		w.Header().Set(cachestatus.HeaderName, cs.String())
	}
	w.WriteHeader(res.StatusCode)
	if res.Body != nil {
		bytesWritten, err := io.Copy(w, res.Body)
		if err != nil {
			c.log.Error().Err(err).Msg("Could not write response body to client")
		}
		c.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
	}
	if cs != nil {
		c.logRequest(r, cs)
	}
}

func (c *Controller) sendEntry(w http.ResponseWriter, r *http.Request, entry cache.Entry, cs *cachestatus.CacheStatus) {
	res, err := serializer.ResponseFromBytes(entry.Bytes, r)
	if err != nil {
		c.log.Error().Err(err).Msg("Could not read stored response")
		c.sendError(w, r, err)
		return
	}
	c.sendResponse(w, r, res, cs)
}

// sendError surfaces a failure whose every fallback was also absent. The
// network error becomes a plain 502 for the caller to handle.
func (c *Controller) sendError(w http.ResponseWriter, r *http.Request, err error) {
	c.log.Error().Err(err).Str("url", r.URL.String()).Msg("Could not serve request")
	http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
}

func (c *Controller) logRequest(r *http.Request, cs *cachestatus.CacheStatus) {
	isHit := 0
	if cs.FwdReason == "" {
		isHit = 1
	}
	c.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Str("status", string(cs.Status)).
		Str("fwd", string(cs.FwdReason)).
		Bool("stored", cs.Stored).
		Int("hit", isHit).
		Msg("Sending response to client")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	ip := ipAndPort[:portSepIdx]
	return ip
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// strip default headers set by an upstream proxy, some clients do
		// not like the presence of these in the response
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}

// TriggerSync requests the named deferred sync. Requesting a tag that is
// already pending is a no-op.
func (c *Controller) TriggerSync(tag string) error {
	return c.Dispatch(context.Background(), &Event{Type: EventSync, Tag: tag})
}

// RegisterSync binds a collaborator-supplied routine to a sync tag.
func (c *Controller) RegisterSync(tag string, fn synctags.SyncFunc) {
	c.sync.Register(tag, fn)
}

// Push delivers a push payload: a notification built from it is displayed
// to the connected clients.
func (c *Controller) Push(ctx context.Context, payload []byte) error {
	return c.Dispatch(ctx, &Event{Type: EventPush, Payload: payload})
}

// NotificationClick handles activation of a displayed notification and
// returns the location to open or focus.
func (c *Controller) NotificationClick(ctx context.Context, n push.Notification) (string, error) {
	e := &Event{Type: EventNotificationClick, Notification: n}
	if err := c.Dispatch(ctx, e); err != nil {
		return "", err
	}
	return e.Target, nil
}

// Connect registers a client context and returns it. The client receives
// broadcasts on its Events channel until Disconnect.
func (c *Controller) Connect() *Client {
	return c.clients.connect()
}

func (c *Controller) Disconnect(id string) {
	c.clients.disconnect(id)
}

func (c *Controller) ClientCount() int {
	return c.clients.count()
}

type WorkerStatus struct {
	Tag   string `json:"tag"`
	State string `json:"state"`
}

type Status struct {
	Active       *WorkerStatus `json:"active,omitempty"`
	Waiting      *WorkerStatus `json:"waiting,omitempty"`
	Clients      int           `json:"clients"`
	PendingSyncs []string      `json:"pendingSyncs,omitempty"`
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	active, waiting := c.active, c.waiting
	c.mu.Unlock()
	s := Status{
		Clients:      c.clients.count(),
		PendingSyncs: c.sync.Pending(),
	}
	if active != nil {
		s.Active = &WorkerStatus{Tag: active.tag, State: active.State().String()}
	}
	if waiting != nil {
		s.Waiting = &WorkerStatus{Tag: waiting.tag, State: waiting.State().String()}
	}
	return s
}

type PartitionInfo struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
}

// Partitions lists every partition with its entry count, for the settings
// surface.
func (c *Controller) Partitions(ctx context.Context) ([]PartitionInfo, error) {
	names, err := c.store.PartitionNames(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]PartitionInfo, 0, len(names))
	for _, name := range names {
		p, err := c.store.OpenPartition(ctx, name)
		if err != nil {
			return nil, err
		}
		n, err := p.Len(ctx)
		if err != nil {
			return nil, err
		}
		infos = append(infos, PartitionInfo{Name: name, Entries: n})
	}
	return infos, nil
}

// ClearPartitions deletes every partition: the manual "clear cache"
// action. Offline availability is gone until the next install or refresh.
func (c *Controller) ClearPartitions(ctx context.Context) error {
	names, err := c.store.PartitionNames(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		if _, err := c.store.DeletePartition(ctx, name); err != nil {
			return err
		}
	}
	c.log.Info().Int("partitions", len(names)).Msg("Cleared all partitions")
	return nil
}

func (c *Controller) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(c.metricsReg, promhttp.HandlerOpts{})
}

// Close stops the background sync dispatcher. The cache store belongs to
// the caller and stays open.
func (c *Controller) Close() error {
	return c.sync.Close()
}
