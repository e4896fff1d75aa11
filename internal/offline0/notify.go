package offline0

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

type Notification struct {
	Title              string               `json:"title"`
	Body               string               `json:"body"`
	Icon               string               `json:"icon,omitempty"`
	Badge              string               `json:"badge,omitempty"`
	Vibrate            []int                `json:"vibrate,omitempty"`
	Data               map[string]any       `json:"data,omitempty"`
	Actions            []NotificationAction `json:"actions"`
	RequireInteraction bool                 `json:"requireInteraction"`
	Silent             bool                 `json:"silent"`
}

const (
	actionExplore = "explore"
	actionClose   = "close"
)

// Relay turns push payloads into notifications for connected clients and
// answers notification clicks. It holds no state beyond the client hub.
type Relay struct {
	hub         *hub
	title       string
	defaultBody string
	icon        string
	badge       string
	exploreURL  string
	log         *slog.Logger
}

// Push builds a notification from a plain-text payload and broadcasts it.
// It returns the notification and how many clients it reached.
func (r *Relay) Push(_ context.Context, payload []byte) (Notification, int) {
	body := strings.TrimSpace(string(payload))
	if body == "" {
		body = r.defaultBody
	}
	n := Notification{
		Title:   r.title,
		Body:    body,
		Icon:    r.icon,
		Badge:   r.badge,
		Vibrate: []int{200, 100, 200},
		Data: map[string]any{
			"dateOfArrival": time.Now().UnixMilli(),
			"primaryKey":    1,
		},
		Actions: []NotificationAction{
			{Action: actionExplore, Title: "View Details", Icon: r.icon},
			{Action: actionClose, Title: "Close", Icon: r.badge},
		},
		RequireInteraction: true,
	}
	delivered := r.hub.broadcast(map[string]any{
		"type":         "NOTIFICATION",
		"notification": n,
	})
	r.log.Info("push notification relayed", "clients", delivered)
	return n, delivered
}

// Click answers a notification interaction. explore asks the client to open
// or focus the app root; every other action only dismisses.
func (r *Relay) Click(action string) map[string]any {
	r.log.Debug("notification clicked", "action", action)
	if action == actionExplore {
		return map[string]any{"type": "OPEN_WINDOW", "url": r.exploreURL}
	}
	return map[string]any{"type": "NOTIFICATION_CLOSED"}
}
