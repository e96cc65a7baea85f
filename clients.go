package offlinecache

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Client event types broadcast to connected clients.
const (
	// A new version took control; clients should reload state they
	// derived from the old one.
	ClientEventControllerChange = "controllerchange"
	// A new version installed behind the controlling one and is waiting
	// for clients to close. The update-notification surface uses this to
	// prompt for a reload.
	ClientEventUpdateWaiting = "update-waiting"
	// A notification to display, resp. one that was activated.
	ClientEventNotification      = "notification"
	ClientEventNotificationClick = "notificationclick"
)

type ClientEvent struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Client is one connected client context.
type Client struct {
	ID     string
	Events chan ClientEvent
}

// clientRegistry tracks connected clients so the lifecycle controller can
// claim them, count them, and know when the last one closed.
type clientRegistry struct {
	log     zerolog.Logger
	mutex   sync.RWMutex
	clients map[string]*Client
	// onDrain runs whenever the registry empties out. The controller
	// hooks waiting-worker promotion here.
	onDrain func()
}

func newClientRegistry(log zerolog.Logger) *clientRegistry {
	return &clientRegistry{
		log:     log.With().Str("component", "clients").Logger(),
		clients: make(map[string]*Client),
	}
}

func (cr *clientRegistry) connect() *Client {
	cr.mutex.Lock()
	defer cr.mutex.Unlock()
	client := &Client{
		ID:     uuid.NewString(),
		Events: make(chan ClientEvent, 16),
	}
	cr.clients[client.ID] = client
	cr.log.Debug().Str("client", client.ID).Int("count", len(cr.clients)).Msg("Client connected")
	return client
}

func (cr *clientRegistry) disconnect(id string) {
	cr.mutex.Lock()
	client, ok := cr.clients[id]
	if ok {
		delete(cr.clients, id)
		close(client.Events)
	}
	drained := ok && len(cr.clients) == 0
	onDrain := cr.onDrain
	cr.mutex.Unlock()
	if !ok {
		return
	}
	cr.log.Debug().Str("client", id).Msg("Client disconnected")
	if drained && onDrain != nil {
		go onDrain()
	}
}

func (cr *clientRegistry) count() int {
	cr.mutex.RLock()
	defer cr.mutex.RUnlock()
	return len(cr.clients)
}

// broadcast sends an event to every connected client. Sends never block:
// a client that stopped draining its channel misses events instead of
// stalling the caller.
func (cr *clientRegistry) broadcast(ev ClientEvent) {
	cr.mutex.RLock()
	defer cr.mutex.RUnlock()
	for _, client := range cr.clients {
		select {
		case client.Events <- ev:
		default:
			cr.log.Warn().Str("client", client.ID).Str("event", ev.Type).
				Msg("Client event dropped, channel full")
		}
	}
}
