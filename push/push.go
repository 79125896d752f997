// Package push defines interfaces, types, etc. related to sending
// batches of APNs notifications.
package push

import (
	"context"

	"github.com/micromdm/nanoapns/apns"
	"github.com/micromdm/nanoapns/client"
)

// Response is the result of one notification in a batch.
type Response struct {
	// ID is the apns-id of the notification, if known.
	ID string `json:"id,omitempty"`

	// Response is the interpreted APNs reply, if one was received.
	Response *apns.Response `json:"response,omitempty"`

	Err error `json:"-"`
}

// PushProvider sends batches of notifications over one connection.
type PushProvider interface {
	// Push sends notifications and returns the results keyed by
	// device token. Per-notification failures are reported in the
	// results; the error is for failures of the batch as a whole.
	Push(context.Context, []*apns.Notification) (map[string]*Response, error)
}

// PushProviderFactory creates PushProviders.
type PushProviderFactory interface {
	NewPushProvider(client.Auth) (PushProvider, error)
}

// Pusher sends notifications to devices of an APNs topic.
type Pusher interface {
	Push(ctx context.Context, topic string, notifications []*apns.Notification) (map[string]*Response, error)
}
