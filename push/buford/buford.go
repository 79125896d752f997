// Package buford adapts the buford APNs push package to the PushProvider and
// PushProviderFactory interfaces.
package buford

import (
	"context"
	"errors"

	"github.com/micromdm/nanoapns/apns"
	"github.com/micromdm/nanoapns/client"
	"github.com/micromdm/nanoapns/push"

	bufordpush "github.com/RobotsAndPencils/buford/push"
)

// ErrTokenAuth is returned when a provider is requested for token authentication.
var ErrTokenAuth = errors.New("buford: only certificate authentication is supported")

// bufordFactory instantiates new buford Services to satisfy the PushProviderFactory interface.
type bufordFactory struct {
	workers uint
	host    string
}

type Option func(*bufordFactory)

// WithWorkers sets the number of buford queue workers for batches.
func WithWorkers(workers uint) Option {
	return func(f *bufordFactory) {
		f.workers = workers
	}
}

// WithEndpoint sets the APNs endpoint of created providers.
func WithEndpoint(endpoint apns.Endpoint) Option {
	return func(f *bufordFactory) {
		f.host = bufordpush.Production
		if endpoint == apns.Sandbox {
			f.host = bufordpush.Development
		}
	}
}

// NewPushProviderFactory creates a new instance that can spawn buford Services
func NewPushProviderFactory(opts ...Option) *bufordFactory {
	f := &bufordFactory{
		workers: 5,
		host:    bufordpush.Production,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NewPushProvider generates a new PushProvider given certificate authentication.
func (f *bufordFactory) NewPushProvider(auth client.Auth) (push.PushProvider, error) {
	var certAuth client.CertificateAuth
	switch a := auth.(type) {
	case client.CertificateAuth:
		certAuth = a
	case *client.CertificateAuth:
		if a != nil {
			certAuth = *a
		}
	default:
		return nil, ErrTokenAuth
	}
	if certAuth.Certificate == nil {
		return nil, apns.Errorf(apns.KindTLS, "missing client certificate")
	}
	httpClient, err := bufordpush.NewClient(*certAuth.Certificate)
	if err != nil {
		return nil, apns.NewError(apns.KindTLS, err)
	}
	return &bufordPushProvider{
		service: bufordpush.NewService(httpClient, f.host),
		workers: f.workers,
	}, nil
}

// bufordPushProvider wraps a buford Service to satisfy the PushProvider interface.
type bufordPushProvider struct {
	service *bufordpush.Service
	workers uint
}

// prepare validates n and converts it to buford headers and a payload.
func prepare(n *apns.Notification) (*bufordpush.Headers, []byte, error) {
	req, err := apns.BuildRequest(n, apns.CertificateScheme, "", apns.DefaultValidators...)
	if err != nil {
		return nil, nil, err
	}
	return &bufordpush.Headers{
		ID:          n.Options.ID,
		CollapseID:  n.Options.CollapseID,
		Expiration:  n.Options.Expiration,
		LowPriority: n.Options.Priority == apns.PriorityThrottled || n.Options.Priority == apns.PriorityLow,
		Topic:       n.Options.Topic,
	}, req.Body, nil
}

// reasonOf maps the buford error reasons we know about.
func reasonOf(err error) apns.Reason {
	switch {
	case errors.Is(err, bufordpush.ErrBadDeviceToken):
		return apns.ReasonBadDeviceToken
	case errors.Is(err, bufordpush.ErrUnregistered):
		return apns.ReasonUnregistered
	case errors.Is(err, bufordpush.ErrDeviceTokenNotForTopic):
		return apns.ReasonDeviceTokenNotForTopic
	}
	return apns.ReasonUnknown
}

// response converts a buford push result into a push.Response.
func response(id string, err error) *push.Response {
	resp := &push.Response{ID: id}
	if err == nil {
		resp.Response = &apns.Response{StatusCode: 200, ID: id}
		return resp
	}
	var bErr *bufordpush.Error
	if errors.As(err, &bErr) {
		resp.Response = &apns.Response{
			StatusCode: bErr.Status,
			ID:         id,
			Reason:     reasonOf(bErr.Reason),
		}
		if !bErr.Timestamp.IsZero() {
			resp.Response.Timestamp = bErr.Timestamp.UnixMilli()
		}
		resp.Err = &apns.Error{Kind: apns.KindResponse, Err: err, Response: resp.Response}
		return resp
	}
	resp.Err = apns.NewError(apns.KindConnection, err)
	return resp
}

func (c *bufordPushProvider) pushSingle(n *apns.Notification) *push.Response {
	headers, payload, err := prepare(n)
	if err != nil {
		return &push.Response{Err: err}
	}
	return response(c.service.Push(n.DeviceToken, headers, payload))
}

func (c *bufordPushProvider) pushMulti(notifications []*apns.Notification) map[string]*push.Response {
	responses := make(map[string]*push.Response)
	var queued []*apns.Notification
	headers := make([]*bufordpush.Headers, 0, len(notifications))
	payloads := make([][]byte, 0, len(notifications))
	for _, n := range notifications {
		h, p, err := prepare(n)
		if err != nil {
			responses[n.DeviceToken] = &push.Response{Err: err}
			continue
		}
		queued = append(queued, n)
		headers = append(headers, h)
		payloads = append(payloads, p)
	}
	if len(queued) < 1 {
		return responses
	}

	workers := uint(len(queued))
	if workers > c.workers {
		workers = c.workers
	}
	queue := bufordpush.NewQueue(c.service, workers)
	defer queue.Close()
	for i, n := range queued {
		go queue.Push(n.DeviceToken, headers[i], payloads[i])
	}
	for range queued {
		bufordResp := <-queue.Responses
		responses[bufordResp.DeviceToken] = response(bufordResp.ID, bufordResp.Err)
	}
	return responses
}

// Push sends notifications to the service in c.
// buford does not support cancellation so the context is ignored.
func (c *bufordPushProvider) Push(_ context.Context, notifications []*apns.Notification) (map[string]*push.Response, error) {
	var valid []*apns.Notification
	for _, n := range notifications {
		if n != nil {
			valid = append(valid, n)
		}
	}
	if len(valid) < 1 {
		return nil, errors.New("no notifications provided")
	}
	// some environments may heavily utilize individual pushes.
	// this justifies the special case and optimizes for it.
	if len(valid) == 1 {
		responses := make(map[string]*push.Response)
		responses[valid[0].DeviceToken] = c.pushSingle(valid[0])
		return responses, nil
	}
	return c.pushMulti(valid), nil
}
