package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/d9705996/oncall/internal/model"
	"github.com/slack-go/slack"
)

// SlackPoster is the part of *slack.Client the backend uses.
type SlackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackBackend sends direct messages to users and posts to channels.
type SlackBackend struct {
	client SlackPoster
	guard  *Guard
}

// NewSlackBackend returns a backend using client.
func NewSlackBackend(client SlackPoster, guard *Guard) *SlackBackend {
	return &SlackBackend{client: client, guard: guard}
}

// NewSlackClient builds the bot client.
func NewSlackClient(token string) *slack.Client { return slack.New(token) }

// Notify implements Backend by messaging the user directly.
func (b *SlackBackend) Notify(ctx context.Context, n Notification) error {
	if n.User == nil || n.User.SlackUserID == "" {
		return &Error{Code: model.NotifyErrInSlackUserNotInSlack, Err: ErrRecipientUnknown}
	}
	return b.post(ctx, n.User.SlackUserID, n.Text())
}

// PostToChannel implements Chat.
func (b *SlackBackend) PostToChannel(ctx context.Context, channelID, text string) error {
	if channelID == "" {
		return &Error{Code: model.NotifyErrInSlackUserNotInChannel, Err: ErrRecipientUnknown}
	}
	return b.post(ctx, channelID, text)
}

func (b *SlackBackend) post(ctx context.Context, channelID, text string) error {
	return b.guard.Do(ctx, func(ctx context.Context) error {
		_, _, err := b.client.PostMessageContext(ctx, channelID, slack.MsgOptionText(text, false))
		if err != nil {
			return slackError(err)
		}
		return nil
	})
}

func slackError(err error) error {
	var limited *slack.RateLimitedError
	if errors.As(err, &limited) {
		return &Error{Code: model.NotifyErrInSlackRatelimit, Err: fmt.Errorf("slack rate limited: %w", err)}
	}
	var resp slack.SlackErrorResponse
	if errors.As(err, &resp) {
		code := model.NotifyErrInSlack
		switch resp.Err {
		case "channel_not_found", "user_not_found", "users_not_found":
			code = model.NotifyErrInSlackUserNotInSlack
		case "not_in_channel":
			code = model.NotifyErrInSlackUserNotInChannel
		case "is_archived":
			code = model.NotifyErrInSlackChannelIsArchived
		case "invalid_auth", "not_authed", "account_inactive", "token_revoked":
			code = model.NotifyErrInSlackTokenError
		}
		return &Error{Code: code, Err: fmt.Errorf("post slack message: %w", err)}
	}
	return &Error{Code: model.NotifyErrInSlack, Err: fmt.Errorf("post slack message: %w", err)}
}
