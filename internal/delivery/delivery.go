// Package delivery sends personal notifications and chat posts to external
// systems. Backends are thin: they format a short text and hand it to a
// client. Every call to a remote system goes through a Guard.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/d9705996/oncall/internal/model"
)

var (
	// ErrChannelDisabled is returned when no backend is configured for a
	// notification channel.
	ErrChannelDisabled = errors.New("delivery channel is disabled")
	// ErrBackendUnavailable is returned when a backend's circuit breaker is
	// open or its rate limiter gave up.
	ErrBackendUnavailable = errors.New("delivery backend unavailable")
	// ErrRecipientUnknown is returned when the user has no address on the
	// channel (no chat id, no phone number, no webhook url).
	ErrRecipientUnknown = errors.New("recipient has no address on channel")
)

// Error is a delivery failure carrying the code recorded in the personal
// notification log.
type Error struct {
	Code model.NotificationError
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// Notification is one personal notification about an alert group. Bundled
// notifications carry more than one group.
type Notification struct {
	User      *model.User
	Channel   model.NotificationChannel
	Important bool
	Groups    []GroupRef
}

// GroupRef is what a notification says about one alert group.
type GroupRef struct {
	ID     string
	Number int64
	Title  string
	Link   string
}

// Text renders the notification body shared by all text backends.
func (n Notification) Text() string {
	if len(n.Groups) == 1 {
		g := n.Groups[0]
		prefix := "Alert group"
		if n.Important {
			prefix = "Important: alert group"
		}
		text := fmt.Sprintf("%s #%d %q needs your attention", prefix, g.Number, g.Title)
		if g.Link != "" {
			text += " " + g.Link
		}
		return text
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You have %d new alert groups:", len(n.Groups))
	for _, g := range n.Groups {
		fmt.Fprintf(&b, "\n#%d %s", g.Number, g.Title)
	}
	return b.String()
}

// Backend delivers personal notifications on one or more channels.
type Backend interface {
	Notify(ctx context.Context, n Notification) error
}

// Chat posts messages to shared chat channels.
type Chat interface {
	PostToChannel(ctx context.Context, channelID, text string) error
}

// Router dispatches notifications to the backend registered for their
// channel.
type Router struct {
	backends map[model.NotificationChannel]Backend
	chat     Chat
}

// NewRouter returns an empty Router. chat may be nil.
func NewRouter(chat Chat) *Router {
	return &Router{backends: map[model.NotificationChannel]Backend{}, chat: chat}
}

// Register routes the given channels to b.
func (r *Router) Register(b Backend, channels ...model.NotificationChannel) {
	for _, c := range channels {
		r.backends[c] = b
	}
}

// Enabled reports whether a backend is registered for c.
func (r *Router) Enabled(c model.NotificationChannel) bool {
	_, ok := r.backends[c]
	return ok
}

// Notify delivers n through the backend of its channel.
func (r *Router) Notify(ctx context.Context, n Notification) error {
	b, ok := r.backends[n.Channel]
	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelDisabled, n.Channel)
	}
	return b.Notify(ctx, n)
}

// Chat returns the chat poster, or nil when chat is not configured.
func (r *Router) Chat() Chat { return r.chat }
