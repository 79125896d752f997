// Package webhook publishes push result events as HTTP webhooks.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/micromdm/nanoapns/events"
)

type Doer interface {
	// Do sends an HTTP request and returns an HTTP response.
	Do(*http.Request) (*http.Response, error)
}

// Webhook POSTs events as JSON to a URL.
type Webhook struct {
	url  string
	doer Doer
}

type Option func(*Webhook)

// WithClient sets the HTTP client used to send events.
func WithClient(doer Doer) Option {
	return func(w *Webhook) {
		w.doer = doer
	}
}

// New initializes a new [Webhook].
func New(url string, opts ...Option) *Webhook {
	w := &Webhook{
		url:  url,
		doer: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Publish sends ev to the webhook URL.
func (w *Webhook) Publish(ctx context.Context, ev *events.Event) error {
	return postWebhookEvent(ctx, w.doer, w.url, ev)
}

func postWebhookEvent(
	ctx context.Context,
	client Doer,
	url string,
	event *events.Event,
) error {
	jsonBytes, err := json.Marshal(event)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonBytes))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return fmt.Errorf("unexpected HTTP status %d %s", resp.StatusCode, resp.Status)
	}
	return nil
}
