package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/d9705996/oncall/internal/model"
	"github.com/d9705996/oncall/internal/templating"
)

// WebhookClient calls outgoing webhooks: the ones escalation steps trigger
// and users' personal webhooks.
type WebhookClient struct {
	http  *http.Client
	guard *Guard
}

// NewWebhookClient returns a client whose requests time out after timeout.
func NewWebhookClient(timeout time.Duration, guard *Guard) *WebhookClient {
	return &WebhookClient{http: &http.Client{Timeout: timeout}, guard: guard}
}

// Trigger calls w with its data template rendered against payload. An empty
// template sends payload as JSON. It returns the response status.
func (c *WebhookClient) Trigger(ctx context.Context, w *model.Webhook, payload map[string]any) (int, error) {
	var body []byte
	if w.DataTemplate != "" {
		rendered, err := templating.Render(w.DataTemplate, payload)
		if err != nil {
			return 0, err
		}
		body = []byte(rendered)
	} else {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("encode webhook payload: %w", err)
		}
		body = b
	}
	method := strings.ToUpper(w.HTTPMethod)
	if method == "" {
		method = http.MethodPost
	}
	return c.send(ctx, method, w.URL, body)
}

func (c *WebhookClient) send(ctx context.Context, method, url string, body []byte) (int, error) {
	var status int
	err := c.guard.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("call webhook: %w", err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		status = resp.StatusCode
		if status >= 500 {
			return fmt.Errorf("webhook returned %d", status)
		}
		return nil
	})
	if err != nil {
		return status, err
	}
	if status >= 400 {
		return status, fmt.Errorf("webhook returned %d", status)
	}
	return status, nil
}

// Notify implements Backend by posting the notification to the user's
// personal webhook.
func (c *WebhookClient) Notify(ctx context.Context, n Notification) error {
	if n.User == nil || n.User.PersonalWebhookURL == "" {
		return &Error{Code: model.NotifyErrMessagingBackendError, Err: ErrRecipientUnknown}
	}
	groups := make([]map[string]any, 0, len(n.Groups))
	for _, g := range n.Groups {
		groups = append(groups, map[string]any{"id": g.ID, "number": g.Number, "title": g.Title, "link": g.Link})
	}
	body, err := json.Marshal(map[string]any{
		"user":         n.User.Username,
		"important":    n.Important,
		"text":         n.Text(),
		"alert_groups": groups,
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if _, err := c.send(ctx, http.MethodPost, n.User.PersonalWebhookURL, body); err != nil {
		return &Error{Code: model.NotifyErrMessagingBackendError, Err: err}
	}
	return nil
}

// Ping sends a GET to url, such as a heartbeat endpoint.
func (c *WebhookClient) Ping(ctx context.Context, url string) error {
	_, err := c.send(ctx, http.MethodGet, url, nil)
	return err
}
