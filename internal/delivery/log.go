package delivery

import (
	"context"
	"log/slog"
)

// LogBackend writes notifications to the process log. It stands in for
// channels without a provider (phone, SMS, email, push) in development.
type LogBackend struct {
	log *slog.Logger
}

// NewLogBackend returns a LogBackend.
func NewLogBackend(log *slog.Logger) *LogBackend { return &LogBackend{log: log} }

// Notify implements Backend.
func (b *LogBackend) Notify(_ context.Context, n Notification) error {
	userID := ""
	if n.User != nil {
		userID = n.User.ID
	}
	b.log.Info("notification delivered",
		"channel", n.Channel.String(),
		"user_id", userID,
		"important", n.Important,
		"alert_groups", len(n.Groups),
		"text", n.Text())
	return nil
}

// PostToChannel implements Chat.
func (b *LogBackend) PostToChannel(_ context.Context, channelID, text string) error {
	b.log.Info("chat message posted", "chat_channel", channelID, "text", text)
	return nil
}
