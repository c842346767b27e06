package delivery_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/d9705996/oncall/internal/delivery"
	"github.com/d9705996/oncall/internal/model"
	"github.com/d9705996/oncall/internal/testutil"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastGuard(name string) *delivery.Guard {
	return delivery.NewGuard(name, delivery.GuardConfig{RatePerSecond: 1000, Burst: 100, Failures: 2, OpenFor: time.Minute}, nil)
}

func TestGuard_OpensAfterConsecutiveFailures(t *testing.T) {
	g := fastGuard("test")
	boom := errors.New("boom")
	calls := 0
	fail := func(context.Context) error { calls++; return boom }

	assert.ErrorIs(t, g.Do(context.Background(), fail), boom)
	assert.ErrorIs(t, g.Do(context.Background(), fail), boom)

	err := g.Do(context.Background(), fail)
	assert.ErrorIs(t, err, delivery.ErrBackendUnavailable)
	assert.Equal(t, 2, calls)
}

func TestGuard_RecipientErrorsDoNotTrip(t *testing.T) {
	g := fastGuard("test")
	unknown := func(context.Context) error { return delivery.ErrRecipientUnknown }
	for range 5 {
		assert.ErrorIs(t, g.Do(context.Background(), unknown), delivery.ErrRecipientUnknown)
	}
	assert.NoError(t, g.Do(context.Background(), func(context.Context) error { return nil }))
}

func TestRouter_DisabledChannel(t *testing.T) {
	r := delivery.NewRouter(nil)
	r.Register(delivery.NewLogBackend(testutil.NullLogger()), model.ChannelSMS)

	assert.True(t, r.Enabled(model.ChannelSMS))
	assert.False(t, r.Enabled(model.ChannelPhoneCall))
	assert.NoError(t, r.Notify(context.Background(), delivery.Notification{Channel: model.ChannelSMS, User: &model.User{ID: "u"}}))

	err := r.Notify(context.Background(), delivery.Notification{Channel: model.ChannelPhoneCall})
	assert.ErrorIs(t, err, delivery.ErrChannelDisabled)
}

func TestNotification_Text(t *testing.T) {
	one := delivery.Notification{Groups: []delivery.GroupRef{{Number: 3, Title: "Disk full", Link: "http://x/3"}}}
	assert.Equal(t, `Alert group #3 "Disk full" needs your attention http://x/3`, one.Text())

	one.Important = true
	assert.Equal(t, `Important: alert group #3 "Disk full" needs your attention http://x/3`, one.Text())

	many := delivery.Notification{Groups: []delivery.GroupRef{{Number: 1, Title: "A"}, {Number: 2, Title: "B"}}}
	assert.Equal(t, "You have 2 new alert groups:\n#1 A\n#2 B", many.Text())
}

type fakeSlack struct {
	channels []string
	err      error
}

func (f *fakeSlack) PostMessageContext(_ context.Context, channelID string, _ ...slack.MsgOption) (string, string, error) {
	f.channels = append(f.channels, channelID)
	return channelID, "1.0", f.err
}

func TestSlackBackend_Notify(t *testing.T) {
	fake := &fakeSlack{}
	b := delivery.NewSlackBackend(fake, fastGuard("slack"))

	require.NoError(t, b.Notify(context.Background(), delivery.Notification{
		User:   &model.User{SlackUserID: "UALICE"},
		Groups: []delivery.GroupRef{{Number: 1, Title: "A"}},
	}))
	assert.Equal(t, []string{"UALICE"}, fake.channels)

	err := b.Notify(context.Background(), delivery.Notification{User: &model.User{}})
	var de *delivery.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, model.NotifyErrInSlackUserNotInSlack, de.Code)
	assert.ErrorIs(t, err, delivery.ErrRecipientUnknown)
}

func TestSlackBackend_ErrorCodes(t *testing.T) {
	cases := []struct {
		err  error
		want model.NotificationError
	}{
		{slack.SlackErrorResponse{Err: "is_archived"}, model.NotifyErrInSlackChannelIsArchived},
		{slack.SlackErrorResponse{Err: "invalid_auth"}, model.NotifyErrInSlackTokenError},
		{slack.SlackErrorResponse{Err: "not_in_channel"}, model.NotifyErrInSlackUserNotInChannel},
		{&slack.RateLimitedError{RetryAfter: time.Second}, model.NotifyErrInSlackRatelimit},
		{errors.New("connection reset"), model.NotifyErrInSlack},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			b := delivery.NewSlackBackend(&fakeSlack{err: tc.err}, fastGuard("slack"))
			err := b.PostToChannel(context.Background(), "C1", "hello")
			var de *delivery.Error
			require.ErrorAs(t, err, &de)
			assert.Equal(t, tc.want, de.Code)
		})
	}
}

func TestWebhookClient_Trigger(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := delivery.NewWebhookClient(time.Second, fastGuard("webhook"))
	status, err := c.Trigger(context.Background(), &model.Webhook{
		URL:          srv.URL,
		HTTPMethod:   "put",
		DataTemplate: `{"title": "{{ .payload.title }}"}`,
	}, map[string]any{"title": "Disk full"})

	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "Disk full", got["title"])
}

func TestWebhookClient_ClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := delivery.NewWebhookClient(time.Second, fastGuard("webhook"))
	status, err := c.Trigger(context.Background(), &model.Webhook{URL: srv.URL}, map[string]any{"a": 1})
	assert.Error(t, err)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestWebhookClient_PersonalWebhook(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
	}))
	defer srv.Close()

	c := delivery.NewWebhookClient(time.Second, fastGuard("webhook"))
	err := c.Notify(context.Background(), delivery.Notification{
		User:   &model.User{Username: "alice", PersonalWebhookURL: srv.URL},
		Groups: []delivery.GroupRef{{ID: "g1", Number: 1, Title: "A"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", got["user"])
	assert.Len(t, got["alert_groups"], 1)
}
