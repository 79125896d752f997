// Package client sends notifications to APNs over an authenticated,
// reusable HTTP/2 connection.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"time"

	"github.com/micromdm/nanoapns/apns"
	"github.com/micromdm/nanoapns/identity"
	"github.com/micromdm/nanoapns/signer"
	"github.com/micromdm/nanoapns/transport"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

// DefaultTimeout bounds a Send when no other timeout is configured.
const DefaultTimeout = 20 * time.Second

// pendingBearer stands in for the provider token while building a request.
const pendingBearer = "pending"

// Auth is how a Client authenticates to APNs.
// It is either a CertificateAuth or a TokenAuth.
type Auth interface {
	scheme() apns.AuthScheme
}

// CertificateAuth authenticates the connection with a TLS client certificate.
type CertificateAuth struct {
	Certificate *tls.Certificate
}

func (CertificateAuth) scheme() apns.AuthScheme { return apns.CertificateScheme }

// TokenAuth authenticates each request with a provider token.
type TokenAuth struct {
	Signer *signer.Signer
}

func (TokenAuth) scheme() apns.AuthScheme { return apns.TokenScheme }

// Scheme returns the authentication scheme of auth.
func Scheme(auth Auth) apns.AuthScheme {
	if auth == nil {
		return 0
	}
	return auth.scheme()
}

type exchanger interface {
	Exchange(ctx context.Context, r *apns.Request) (*transport.Reply, error)
	Close() error
	Shutdown(ctx context.Context) error
}

// Client sends notifications to one APNs endpoint.
// It is safe for concurrent use.
type Client struct {
	endpoint   apns.Endpoint
	auth       Auth
	signer     *signer.Signer
	transport  exchanger
	timeout    time.Duration
	validators []apns.Validator
	logger     log.Logger
}

type config struct {
	timeout       time.Duration
	logger        log.Logger
	validators    []apns.Validator
	transportOpts []transport.Option
	signerOpts    []signer.Option
}

// Option configures a Client.
type Option func(*config)

// WithTimeout sets the per-send timeout. Defaults to DefaultTimeout.
// Zero means no timeout beyond that of the send context.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithValidators replaces the notification validators.
// Defaults to apns.DefaultValidators.
func WithValidators(validators ...apns.Validator) Option {
	return func(c *config) {
		c.validators = validators
	}
}

// WithTransportOptions sets options for the underlying transport.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(c *config) {
		c.transportOpts = append(c.transportOpts, opts...)
	}
}

// WithSignerOptions sets options for the signer created by Token.
func WithSignerOptions(opts ...signer.Option) Option {
	return func(c *config) {
		c.signerOpts = append(c.signerOpts, opts...)
	}
}

func newConfig(opts []Option) *config {
	cfg := &config{
		timeout:    DefaultTimeout,
		logger:     log.NopLogger,
		validators: apns.DefaultValidators,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// New creates a new Client for endpoint authenticating with auth.
func New(auth Auth, endpoint apns.Endpoint, opts ...Option) (*Client, error) {
	cfg := newConfig(opts)
	c := &Client{
		endpoint:   endpoint,
		auth:       auth,
		timeout:    cfg.timeout,
		validators: cfg.validators,
		logger:     cfg.logger,
	}

	var cert *tls.Certificate
	switch a := auth.(type) {
	case CertificateAuth:
		if a.Certificate == nil {
			return nil, apns.Errorf(apns.KindTLS, "missing client certificate")
		}
		cert = a.Certificate
	case *CertificateAuth:
		if a == nil || a.Certificate == nil {
			return nil, apns.Errorf(apns.KindTLS, "missing client certificate")
		}
		cert = a.Certificate
		c.auth = *a
	case TokenAuth:
		if a.Signer == nil {
			return nil, apns.Errorf(apns.KindSigner, "missing signer")
		}
		c.signer = a.Signer
	case *TokenAuth:
		if a == nil || a.Signer == nil {
			return nil, apns.Errorf(apns.KindSigner, "missing signer")
		}
		c.signer = a.Signer
		c.auth = *a
	default:
		return nil, apns.Errorf(apns.KindTLS, "nil or unknown authentication %T", auth)
	}

	topts := append([]transport.Option{transport.WithLogger(cfg.logger)}, cfg.transportOpts...)
	tr, err := transport.New(endpoint, cert, topts...)
	if err != nil {
		return nil, err
	}
	c.transport = tr
	return c, nil
}

// Certificate creates a Client authenticating with the certificate and
// key in the PKCS#12 data read from r.
func Certificate(r io.Reader, password string, endpoint apns.Endpoint, opts ...Option) (*Client, error) {
	cert, err := identity.LoadPKCS12(r, password)
	if err != nil {
		return nil, err
	}
	return New(CertificateAuth{Certificate: cert}, endpoint, opts...)
}

// Token creates a Client authenticating with provider tokens signed by
// the PKCS#8 key read from r.
func Token(r io.Reader, keyID, teamID string, endpoint apns.Endpoint, opts ...Option) (*Client, error) {
	key, err := identity.LoadTokenKey(r, keyID, teamID)
	if err != nil {
		return nil, err
	}
	cfg := newConfig(opts)
	sopts := append([]signer.Option{signer.WithLogger(cfg.logger)}, cfg.signerOpts...)
	s, err := signer.New(key, sopts...)
	if err != nil {
		return nil, err
	}
	return New(TokenAuth{Signer: s}, endpoint, opts...)
}

// Endpoint returns the APNs endpoint of c.
func (c *Client) Endpoint() apns.Endpoint {
	return c.endpoint
}

// Scheme returns the authentication scheme of c.
func (c *Client) Scheme() apns.AuthScheme {
	return c.auth.scheme()
}

// Send sends n with the client's timeout.
// See SendWithTimeout.
func (c *Client) Send(ctx context.Context, n *apns.Notification) (*apns.Response, error) {
	return c.SendWithTimeout(ctx, n, c.timeout)
}

// SendWithTimeout sends n and waits at most timeout for the reply.
// A zero timeout waits as long as ctx allows.
//
// If APNs rejects the notification both the interpreted response and
// a KindResponse error are returned. All other failures return a nil
// response and an *apns.Error.
func (c *Client) SendWithTimeout(ctx context.Context, n *apns.Notification, timeout time.Duration) (*apns.Response, error) {
	scheme := c.auth.scheme()
	if err := apns.Validate(n, scheme, c.validators...); err != nil {
		return nil, err
	}

	// the bearer is only fetched for a request that builds
	var bearer string
	if scheme == apns.TokenScheme {
		bearer = pendingBearer
	}
	req, err := apns.BuildRequest(n, scheme, bearer)
	if err != nil {
		return nil, err
	}
	if c.signer != nil {
		token, err := c.signer.Token()
		if err != nil {
			return nil, err
		}
		bearer = token.Value
		req.Header.Set(apns.HeaderAuthorization, "Bearer "+bearer)
	}

	logger := ctxlog.Logger(ctx, c.logger)
	logger.Debug("msg", "sending notification", "request", req.String())

	limit := timeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); limit <= 0 || d < limit {
			// round up the time elapsed since the deadline was set
			limit = d.Round(time.Second)
		}
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	reply, err := c.transport.Exchange(ctx, req)
	if errors.Is(err, context.DeadlineExceeded) {
		logger.Info("msg", "sending notification", "err", "timeout", "timeout", limit)
		return nil, &apns.Error{Kind: apns.KindTimeout, Err: err, Timeout: limit}
	} else if errors.Is(err, context.Canceled) {
		return nil, apns.NewError(apns.KindConnection, err)
	} else if err != nil {
		logger.Info("msg", "sending notification", "err", err)
		return nil, err
	}

	resp := apns.Interpret(reply.Status, reply.Header, reply.Body)
	if !resp.Accepted() {
		logger.Info(
			"msg", "notification rejected",
			"status", resp.StatusCode,
			"reason", resp.Reason,
			"apns_id", resp.ID,
		)
		if c.signer != nil && resp.Reason == apns.ReasonExpiredProviderToken {
			c.signer.Expire(bearer)
		}
		return resp, &apns.Error{Kind: apns.KindResponse, Response: resp}
	}
	logger.Debug("msg", "notification accepted", "apns_id", resp.ID)
	return resp, nil
}

// Close closes the connection to APNs.
func (c *Client) Close() error {
	return c.transport.Close()
}

// Shutdown closes the connection to APNs after in-flight sends finish
// or ctx is done. Sends after Shutdown fail.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.transport.Shutdown(ctx)
}
