// Package api defines a consistent Go API for sending APNs notifications
// with one payload to multiple device tokens of a topic.
package api

import (
	"context"
	"errors"

	"github.com/micromdm/nanoapns/apns"
	"github.com/micromdm/nanoapns/push"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

// PushSender sends notifications to device tokens of a topic.
type PushSender struct {
	logger log.Logger
	pusher push.Pusher
}

// PushSenderOption configures the push sender.
type PushSenderOption func(*PushSender) error

// WithLogger configures a logger on a push sender.
func WithLogger(logger log.Logger) PushSenderOption {
	return func(ps *PushSender) error {
		ps.logger = logger
		return nil
	}
}

// NewPushSender creates a new push sender.
func NewPushSender(pusher push.Pusher, opts ...PushSenderOption) (*PushSender, error) {
	if pusher == nil {
		return nil, errors.New("nil pusher")
	}
	ps := &PushSender{
		logger: log.NopLogger,
		pusher: pusher,
	}
	for _, opt := range opts {
		if err := opt(ps); err != nil {
			return nil, err
		}
	}
	return ps, nil
}

// Push sends payload with opts to each of tokens for topic.
// The return integer is an indicator of errors with the actual errors
// contained within the API result.
// A 500 value indicates only errors (with no successes).
// A 207 value indicates some successes and some failures.
// A 200 value indicates no errors (with only successes).
// Any other value is undefined.
func (ps *PushSender) Push(ctx context.Context, topic string, tokens []string, payload []byte, opts apns.NotificationOptions) (*APIResult, int, error) {
	r := &APIResult{Topic: topic}
	if len(tokens) < 1 {
		return r, 500, errors.New("no device tokens")
	}

	notifications := make([]*apns.Notification, len(tokens))
	for i, token := range tokens {
		notifications[i] = &apns.Notification{
			DeviceToken: token,
			Payload:     payload,
			Options:     opts,
		}
	}

	ps.doPush(ctx, r, topic, notifications)
	return r, code(r, len(tokens)), nil
}

// doPush sends notifications using pusher.
// Results and/or errors are accumulated in r and logged.
func (ps *PushSender) doPush(ctx context.Context, r *APIResult, topic string, notifications []*apns.Notification) {
	var errCt int
	var err error
	logs := []interface{}{
		"msg", "push",
		"topic", topic,
		"token_count", len(notifications),
	}
	defer func() {
		logger := ctxlog.Logger(ctx, ps.logger)
		if err != nil || errCt > 0 {
			if errCt > 0 {
				logs = append(logs, "errs", errCt)
			}
			if err != nil {
				logs = append(logs, "err", err)
			}
			logger.Info(logs...)
		} else {
			logger.Debug(logs...)
		}
	}()

	pr, err := ps.pusher.Push(ctx, topic, notifications)
	if err != nil {
		r.PushError = NewError(err)
	}

	if len(pr) > 0 && r.Status == nil {
		// init the results if there are any
		r.Status = make(map[string]DeviceResult)
	}

	// loop through any push responses and populate results
	var pushCt int
	for token, pushResponse := range pr {
		if pushResponse == nil {
			continue
		}
		dr := r.Status[token]
		dr.PushID = pushResponse.ID
		dr.Response = pushResponse.Response
		if pushResponse.Err != nil {
			errCt++
			dr.PushError = NewError(pushResponse.Err)
		} else {
			pushCt++
		}
		r.Status[token] = dr
	}

	logs = append(logs, "count", pushCt)
}

// code translates an [APIResult] to an integer code.
// See [PushSender.Push] for specific code meanings.
func code(r *APIResult, tokenCount int) int {
	if r == nil || r.PushError != nil {
		// any high-level error is a complete failure.
		return 500
	}

	var errCt int
	for _, dr := range r.Status {
		if dr.PushError != nil {
			errCt++
		}
	}

	if errCt < 1 && len(r.Status) > 0 {
		return 200
	} else if errCt > 0 && errCt < tokenCount {
		return 207
	}
	return 500
}
