// Package service routes notifications to push providers built from
// stored credentials.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/micromdm/nanoapns/apns"
	"github.com/micromdm/nanoapns/client"
	"github.com/micromdm/nanoapns/events"
	"github.com/micromdm/nanoapns/identity"
	"github.com/micromdm/nanoapns/push"
	"github.com/micromdm/nanoapns/signer"
	"github.com/micromdm/nanoapns/storage"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

// AuthFromCredential creates client authentication from cred.
func AuthFromCredential(cred *storage.Credential, opts ...signer.Option) (client.Auth, error) {
	if err := cred.Validate(); err != nil {
		return nil, err
	}
	switch cred.Scheme() {
	case apns.CertificateScheme:
		cert, err := identity.ParsePEM(cred.CertPEM, cred.KeyPEM)
		if err != nil {
			return nil, err
		}
		return client.CertificateAuth{Certificate: cert}, nil
	case apns.TokenScheme:
		key, err := identity.ParseTokenKey(cred.TokenKeyPEM, cred.KeyID, cred.TeamID)
		if err != nil {
			return nil, err
		}
		s, err := signer.New(key, opts...)
		if err != nil {
			return nil, err
		}
		return client.TokenAuth{Signer: s}, nil
	}
	return nil, errors.New("unknown credential scheme")
}

// DefaultDrainTimeout bounds how long a replaced provider may finish
// its in-flight pushes before it is closed.
const DefaultDrainTimeout = time.Minute

// shutdowner is implemented by providers that can close after their
// in-flight pushes finish.
type shutdowner interface {
	Shutdown(context.Context) error
}

type providerCache struct {
	provider   push.PushProvider
	staleToken string
}

// PushService sends notifications for a topic using a push provider
// created from the topic's stored credential.
// Providers are cached per topic and replaced when the credential changes.
type PushService struct {
	store      storage.CredentialStore
	factory    push.PushProviderFactory
	logger     log.Logger
	signerOpts []signer.Option
	publisher  events.Publisher
	nowFn      func() time.Time
	drain      time.Duration
	retiring   sync.WaitGroup

	mu        sync.Mutex
	providers map[string]*providerCache
}

type Option func(*PushService)

func WithLogger(logger log.Logger) Option {
	return func(s *PushService) {
		s.logger = logger
	}
}

// WithSignerOptions sets options for the signers of token credentials.
func WithSignerOptions(opts ...signer.Option) Option {
	return func(s *PushService) {
		s.signerOpts = append(s.signerOpts, opts...)
	}
}

// WithPublisher publishes the results of every push to pub.
func WithPublisher(pub events.Publisher) Option {
	return func(s *PushService) {
		s.publisher = pub
	}
}

// WithDrainTimeout sets how long a provider replaced after a
// credential change may finish its in-flight pushes.
func WithDrainTimeout(d time.Duration) Option {
	return func(s *PushService) {
		s.drain = d
	}
}

// New creates a new push service.
func New(store storage.CredentialStore, factory push.PushProviderFactory, opts ...Option) *PushService {
	s := &PushService{
		store:     store,
		factory:   factory,
		logger:    log.NopLogger,
		nowFn:     time.Now,
		drain:     DefaultDrainTimeout,
		providers: make(map[string]*providerCache),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// closeProvider closes p if it supports closing.
func (s *PushService) closeProvider(ctx context.Context, topic string, p push.PushProvider) {
	closer, ok := p.(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		ctxlog.Logger(ctx, s.logger).Info(
			"msg", "closing push provider",
			"topic", topic,
			"err", err,
		)
	}
}

// retireProvider closes a replaced provider. Providers that support it
// are shut down in the background so pushes already using them finish.
func (s *PushService) retireProvider(ctx context.Context, topic string, p push.PushProvider) {
	sd, ok := p.(shutdowner)
	if !ok {
		s.closeProvider(ctx, topic, p)
		return
	}
	logger := ctxlog.Logger(ctx, s.logger)
	s.retiring.Add(1)
	go func() {
		defer s.retiring.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.drain)
		defer cancel()
		if err := sd.Shutdown(ctx); err != nil {
			logger.Info(
				"msg", "shutting down push provider",
				"topic", topic,
				"err", err,
			)
		}
	}()
}

// getProvider returns a cached push provider for topic or creates a
// new one if none is cached or its credential is stale.
func (s *PushService) getProvider(ctx context.Context, topic string) (push.PushProvider, error) {
	logger := ctxlog.Logger(ctx, s.logger).With("topic", topic)

	s.mu.Lock()
	defer s.mu.Unlock()

	cached, ok := s.providers[topic]
	if ok {
		stale, err := s.store.IsCredentialStale(ctx, topic, cached.staleToken)
		if err != nil {
			return nil, fmt.Errorf("checking credential staleness: %w", err)
		}
		if !stale {
			return cached.provider, nil
		}
		logger.Debug("msg", "credential is stale")
	}

	cred, staleToken, err := s.store.RetrieveCredential(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("retrieving credential: %w", err)
	}
	auth, err := AuthFromCredential(cred, append([]signer.Option{signer.WithLogger(s.logger)}, s.signerOpts...)...)
	if err != nil {
		return nil, fmt.Errorf("credential authentication: %w", err)
	}
	provider, err := s.factory.NewPushProvider(auth)
	if err != nil {
		return nil, fmt.Errorf("creating push provider: %w", err)
	}

	if ok {
		s.retireProvider(ctx, topic, cached.provider)
	}
	s.providers[topic] = &providerCache{provider: provider, staleToken: staleToken}
	logger.Debug(
		"msg", "created push provider",
		"scheme", cred.Scheme().String(),
	)
	return provider, nil
}

// Push sends notifications using the provider for topic.
// Notifications without a topic are sent with topic.
func (s *PushService) Push(ctx context.Context, topic string, notifications []*apns.Notification) (map[string]*push.Response, error) {
	if topic == "" {
		return nil, errors.New("empty topic")
	}
	var routed []*apns.Notification
	for _, n := range notifications {
		if n == nil {
			continue
		}
		if n.Options.Topic == "" {
			nn := *n
			nn.Options.Topic = topic
			n = &nn
		}
		routed = append(routed, n)
	}
	if len(routed) < 1 {
		return nil, errors.New("no notifications provided")
	}

	provider, err := s.getProvider(ctx, topic)
	if err != nil {
		return nil, err
	}

	resp, err := provider.Push(ctx, routed)
	if err != nil {
		return resp, err
	}

	var ct int
	for _, r := range resp {
		if r != nil && r.Err != nil {
			ct++
		}
	}
	ctxlog.Logger(ctx, s.logger).Debug(
		"msg", "push",
		"topic", topic,
		"count", len(routed),
		"errs", ct,
	)

	if s.publisher != nil {
		ev := events.NewPushEvent(topic, resp, s.nowFn())
		if err := s.publisher.Publish(ctx, ev); err != nil {
			ctxlog.Logger(ctx, s.logger).Info(
				"msg", "publishing push event",
				"topic", topic,
				"err", err,
			)
		}
	}
	return resp, nil
}

// Close closes all cached providers and waits for replaced providers
// to finish shutting down.
func (s *PushService) Close() error {
	s.mu.Lock()
	for topic, cached := range s.providers {
		s.closeProvider(context.Background(), topic, cached.provider)
		delete(s.providers, topic)
	}
	s.mu.Unlock()
	s.retiring.Wait()
	return nil
}
