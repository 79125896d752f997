// Package events describes push result events and their publishers.
package events

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/micromdm/nanoapns/apns"
	"github.com/micromdm/nanoapns/push"

	"github.com/micromdm/nanolib/log"
)

// TopicPush is the event topic of a completed batch push.
const TopicPush = "apns.Push"

// Result is the outcome of one notification of a push.
type Result struct {
	DeviceToken string      `json:"device_token"`
	ID          string      `json:"apns_id,omitempty"`
	Status      int         `json:"status,omitempty"`
	Reason      apns.Reason `json:"reason,omitempty"`

	// Timestamp is milliseconds since the Unix epoch that APNs last
	// confirmed the token was invalid.
	Timestamp int64 `json:"timestamp,omitempty"`

	// Unregistered is set when APNs reports the token is no longer
	// active for the topic.
	Unregistered bool `json:"unregistered,omitempty"`

	Kind  string `json:"kind,omitempty"`
	Error string `json:"error,omitempty"`
}

type PushEvent struct {
	APNsTopic string   `json:"apns_topic"`
	Results   []Result `json:"results"`
}

type Event struct {
	Topic     string     `json:"topic"`
	CreatedAt time.Time  `json:"created_at"`
	PushEvent *PushEvent `json:"push_event,omitempty"`
}

// Publisher sends events somewhere.
type Publisher interface {
	Publish(context.Context, *Event) error
}

func newResult(token string, r *push.Response) Result {
	res := Result{DeviceToken: token}
	if r == nil {
		return res
	}
	res.ID = r.ID
	if r.Response != nil {
		res.Status = r.Response.StatusCode
		res.Reason = r.Response.Reason
		res.Timestamp = r.Response.Timestamp
		if res.ID == "" {
			res.ID = r.Response.ID
		}
		res.Unregistered = r.Response.StatusCode == http.StatusGone || r.Response.Reason == apns.ReasonUnregistered
	}
	if r.Err != nil {
		res.Kind = apns.KindOf(r.Err).String()
		res.Error = r.Err.Error()
	}
	return res
}

// NewPushEvent creates an event from the results of pushing to topic.
// Results are ordered by device token.
func NewPushEvent(topic string, responses map[string]*push.Response, createdAt time.Time) *Event {
	tokens := make([]string, 0, len(responses))
	for token := range responses {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	ev := &PushEvent{APNsTopic: topic, Results: make([]Result, 0, len(tokens))}
	for _, token := range tokens {
		ev.Results = append(ev.Results, newResult(token, responses[token]))
	}
	return &Event{
		Topic:     TopicPush,
		CreatedAt: createdAt,
		PushEvent: ev,
	}
}

// MultiPublisher publishes events to multiple publishers.
// The first publisher's error is returned to the caller. The remaining
// publishers run in parallel after it finishes and only log errors.
type MultiPublisher struct {
	logger log.Logger
	pubs   []Publisher
}

func NewMultiPublisher(logger log.Logger, pubs ...Publisher) *MultiPublisher {
	if len(pubs) < 1 {
		panic("must supply at least one publisher")
	}
	return &MultiPublisher{logger: logger, pubs: pubs}
}

func (m *MultiPublisher) Publish(ctx context.Context, ev *Event) error {
	err := m.pubs[0].Publish(ctx, ev)
	for i, pub := range m.pubs[1:] {
		go func(n int, pub Publisher) {
			err := pub.Publish(context.Background(), ev)
			if err != nil {
				m.logger.Info("msg", "multi publisher", "publisher", n, "err", err)
			}
		}(i+1, pub)
	}
	return err
}
