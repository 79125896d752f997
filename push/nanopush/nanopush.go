// Package nanopush implements the PushProvider and PushProviderFactory
// interfaces using this module's APNs client.
package nanopush

import (
	"context"
	"errors"
	"sync"

	"github.com/micromdm/nanoapns/apns"
	"github.com/micromdm/nanoapns/client"
	"github.com/micromdm/nanoapns/push"

	"golang.org/x/sync/errgroup"
)

const defaultWorkers = 5

// Factory instantiates new PushProviders.
type Factory struct {
	endpoint apns.Endpoint
	workers  int
	opts     []client.Option
}

type Option func(*Factory)

// WithEndpoint sets the APNs endpoint of created providers.
func WithEndpoint(endpoint apns.Endpoint) Option {
	return func(f *Factory) {
		f.endpoint = endpoint
	}
}

// WithWorkers sets how many notifications of a batch are in flight at once.
func WithWorkers(workers int) Option {
	return func(f *Factory) {
		f.workers = workers
	}
}

// WithClientOptions sets options for each provider's client.
func WithClientOptions(opts ...client.Option) Option {
	return func(f *Factory) {
		f.opts = append(f.opts, opts...)
	}
}

// NewFactory creates a new Factory.
func NewFactory(opts ...Option) *Factory {
	f := &Factory{
		endpoint: apns.Production,
		workers:  defaultWorkers,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NewPushProvider creates a new PushProvider authenticating with auth.
func (f *Factory) NewPushProvider(auth client.Auth) (push.PushProvider, error) {
	c, err := client.New(auth, f.endpoint, f.opts...)
	if err != nil {
		return nil, err
	}
	return New(c, f.workers), nil
}

// Provider sends batches of notifications with a client.
type Provider struct {
	client  *client.Client
	workers int
}

// New creates a new Provider sending with c.
func New(c *client.Client, workers int) *Provider {
	if workers < 1 {
		workers = defaultWorkers
	}
	return &Provider{client: c, workers: workers}
}

func (p *Provider) do1(ctx context.Context, n *apns.Notification) *push.Response {
	resp, err := p.client.Send(ctx, n)
	r := &push.Response{Response: resp, Err: err}
	if resp != nil {
		r.ID = resp.ID
	}
	return r
}

// Push sends notifications concurrently, bounded by the worker count.
func (p *Provider) Push(ctx context.Context, notifications []*apns.Notification) (map[string]*push.Response, error) {
	if len(notifications) < 1 {
		return nil, errors.New("no notifications provided")
	}
	ret := make(map[string]*push.Response)
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(p.workers)
	for _, n := range notifications {
		if n == nil {
			continue
		}
		n := n
		g.Go(func() error {
			r := p.do1(ctx, n)
			mu.Lock()
			ret[n.DeviceToken] = r
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return ret, nil
}

// Close closes the underlying client.
func (p *Provider) Close() error {
	return p.client.Close()
}

// Shutdown closes the underlying client once in-flight pushes finish
// or ctx is done.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.client.Shutdown(ctx)
}
