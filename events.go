package offlinecache

import (
	"context"
	"fmt"
	"net/http"

	"github.com/offline-cache/offline-cache/pkg/push"
)

// EventType names the platform events the gateway reacts to.
type EventType string

const (
	EventInstall           EventType = "install"
	EventActivate          EventType = "activate"
	EventFetch             EventType = "fetch"
	EventSync              EventType = "sync"
	EventPush              EventType = "push"
	EventNotificationClick EventType = "notificationclick"
)

// Event carries the inputs of one dispatched event. Which fields are set
// depends on the type: fetch events carry the request and writer, sync
// events a tag, push events a payload, clicks a notification. Target is an
// output: the click handler sets it to the location to open or focus.
type Event struct {
	Type EventType

	Request *http.Request
	Writer  http.ResponseWriter

	Tag     string
	Payload []byte

	Notification push.Notification
	Target       string
}

// EventHandler handles one event type. The caller awaits the returned
// error; a handler must not report success before all its work resolved.
type EventHandler func(ctx context.Context, e *Event) error

// Dispatch routes an event to its handler. Every entry point into the
// gateway (HTTP server, admin surface, watcher) funnels through here.
func (c *Controller) Dispatch(ctx context.Context, e *Event) error {
	handler, ok := c.handlers[e.Type]
	if !ok {
		return fmt.Errorf("no handler for event type %q", e.Type)
	}
	return handler(ctx, e)
}

func (c *Controller) eventHandlers() map[EventType]EventHandler {
	return map[EventType]EventHandler{
		EventInstall:           c.handleInstall,
		EventActivate:          c.handleActivate,
		EventFetch:             c.handleFetch,
		EventSync:              c.handleSync,
		EventPush:              c.handlePush,
		EventNotificationClick: c.handleNotificationClick,
	}
}
