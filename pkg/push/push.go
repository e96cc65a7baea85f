// Package push turns push payloads into displayable notifications and
// handles notification activation. Payload formatting beyond the defaults
// contract is the producer's concern.
package push

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// Defaults used when the payload omits a field. The payload producer may
// override all of them.
const (
	DefaultTitle  = "New notification"
	DefaultBody   = "You have new content available."
	DefaultTarget = "/"
)

// Payload is the producer-supplied message. Every field is optional, and a
// missing payload altogether parses as the zero Payload.
type Payload struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Data  map[string]any `json:"data"`
}

// ParsePayload decodes a payload. A nil or empty payload is valid and
// decodes to the zero value; malformed JSON is an error for the caller to
// surface.
func ParsePayload(b []byte) (Payload, error) {
	var p Payload
	if len(b) == 0 {
		return p, nil
	}
	err := json.Unmarshal(b, &p)
	return p, err
}

// Notification is a displayable notification. Data is carried through from
// the payload untouched for later use on activation.
type Notification struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Icon      string         `json:"icon"`
	Badge     string         `json:"badge"`
	Vibration []int          `json:"vibration"`
	Data      map[string]any `json:"data"`
}

// Options are the application-level notification assets.
type Options struct {
	Icon      string
	Badge     string
	Vibration []int
}

// Build makes a notification out of a raw payload, filling in defaults for
// whatever the payload leaves out.
func Build(payload []byte, opts Options) (Notification, error) {
	p, err := ParsePayload(payload)
	if err != nil {
		return Notification{}, err
	}
	n := Notification{
		ID:        uuid.NewString(),
		Title:     p.Title,
		Body:      p.Body,
		Icon:      opts.Icon,
		Badge:     opts.Badge,
		Vibration: opts.Vibration,
		Data:      p.Data,
	}
	if n.Title == "" {
		n.Title = DefaultTitle
	}
	if n.Body == "" {
		n.Body = DefaultBody
	}
	if n.Icon == "" {
		n.Icon = "/icons/icon-192.png"
	}
	if n.Badge == "" {
		n.Badge = "/icons/icon-96.png"
	}
	if n.Vibration == nil {
		n.Vibration = []int{100, 50, 100}
	}
	return n, nil
}

// Displayer shows notifications to connected clients.
type Displayer interface {
	Display(ctx context.Context, n Notification) error
}

// Click handles notification activation: the notification is closed and the
// returned target location should be opened or focused. The target comes
// from the payload data, defaulting to the application root.
func Click(n Notification) string {
	if target, ok := n.Data["url"].(string); ok && target != "" {
		return target
	}
	return DefaultTarget
}
