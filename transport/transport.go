// Package transport maintains a single multiplexed HTTP/2 connection
// to APNs and exchanges requests over it.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/micromdm/nanoapns/apns"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
	"golang.org/x/net/http2"
)

const (
	defaultDialTimeout  = 20 * time.Second
	defaultPingInterval = time.Minute
	pingTimeout         = 15 * time.Second

	// maxReplyBody bounds how much of an APNs reply body is read.
	maxReplyBody = 64 * 1024
)

// ErrClosed is the cause of the KindConnection error returned when
// exchanging on a closed Transport.
var ErrClosed = errors.New("transport closed")

// Reply is the raw APNs HTTP reply.
type Reply struct {
	Status int
	Header http.Header
	Body   []byte
}

// Transport sends APNs requests over one shared HTTP/2 connection.
// The connection is dialled on first use and replaced when it closes
// or the server asks to stop using it. Concurrent exchanges are
// multiplexed as separate streams.
type Transport struct {
	endpoint apns.Endpoint
	addr     string
	host     string
	dialer   *tls.Dialer
	h2       *http2.Transport
	logger   log.Logger

	// sem is a single slot semaphore guarding cc and closed.
	// A channel is used so waiting callers can give up on their context.
	sem    chan struct{}
	cc     *http2.ClientConn
	closed bool

	// inflight counts exchanges holding a connection. It is only
	// incremented while holding sem and before closed is set.
	inflight sync.WaitGroup
}

type config struct {
	addr         string
	serverName   string
	rootCAs      *x509.CertPool
	logger       log.Logger
	dialTimeout  time.Duration
	pingInterval time.Duration
}

// Option configures a Transport.
type Option func(*config)

// WithAddress dials addr (host:port) instead of the endpoint address.
// The TLS server name and request authority stay the endpoint host.
func WithAddress(addr string) Option {
	return func(c *config) {
		c.addr = addr
	}
}

// WithServerName overrides the name used to verify the server certificate.
func WithServerName(name string) Option {
	return func(c *config) {
		c.serverName = name
	}
}

// WithRootCAs sets the CA pool used to verify the server. The system
// pool is used by default.
func WithRootCAs(pool *x509.CertPool) Option {
	return func(c *config) {
		c.rootCAs = pool
	}
}

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithDialTimeout bounds how long establishing a connection may take,
// in addition to any request deadline.
func WithDialTimeout(d time.Duration) Option {
	return func(c *config) {
		c.dialTimeout = d
	}
}

// WithPingInterval sets how long the connection may be idle before a
// health check ping is sent. Zero disables pings.
func WithPingInterval(d time.Duration) Option {
	return func(c *config) {
		c.pingInterval = d
	}
}

// New creates a new Transport for endpoint.
// If cert is not nil it is presented as the TLS client certificate.
// No connection is made until the first exchange.
func New(endpoint apns.Endpoint, cert *tls.Certificate, opts ...Option) (*Transport, error) {
	cfg := &config{
		logger:       log.NopLogger,
		dialTimeout:  defaultDialTimeout,
		pingInterval: defaultPingInterval,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.addr == "" {
		cfg.addr = endpoint.Addr()
	}
	if cfg.serverName == "" {
		cfg.serverName = endpoint.Host()
	}

	tlsConfig := &tls.Config{
		ServerName: cfg.serverName,
		RootCAs:    cfg.rootCAs,
		NextProtos: []string{http2.NextProtoTLS},
		MinVersion: tls.VersionTLS12,
	}
	if cert != nil {
		if len(cert.Certificate) < 1 {
			return nil, apns.Errorf(apns.KindTLS, "client certificate has no certificate data")
		}
		if cert.PrivateKey == nil {
			return nil, apns.Errorf(apns.KindTLS, "client certificate has no private key")
		}
		tlsConfig.Certificates = []tls.Certificate{*cert}
	}

	return &Transport{
		endpoint: endpoint,
		addr:     cfg.addr,
		host:     endpoint.Host(),
		dialer: &tls.Dialer{
			NetDialer: &net.Dialer{Timeout: cfg.dialTimeout},
			Config:    tlsConfig,
		},
		h2: &http2.Transport{
			TLSClientConfig:    tlsConfig,
			DisableCompression: true,
			ReadIdleTimeout:    cfg.pingInterval,
			PingTimeout:        pingTimeout,
		},
		logger: cfg.logger,
		sem:    make(chan struct{}, 1),
	}, nil
}

// dial connects to APNs and starts an HTTP/2 session.
func (t *Transport) dial(ctx context.Context) (*http2.ClientConn, error) {
	conn, err := t.dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return nil, err
	}
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("unexpected connection type %T", conn)
	}
	if proto := tlsConn.ConnectionState().NegotiatedProtocol; proto != http2.NextProtoTLS {
		conn.Close()
		return nil, fmt.Errorf("negotiated protocol %q instead of %q", proto, http2.NextProtoTLS)
	}
	cc, err := t.h2.NewClientConn(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return cc, nil
}

// usable reports whether new streams may be opened on cc.
// A busy connection at its stream limit is still usable: the request
// waits for a free stream.
func usable(cc *http2.ClientConn) bool {
	if cc == nil {
		return false
	}
	st := cc.State()
	return !st.Closed && !st.Closing
}

// conn returns the current connection, dialling a new one if needed.
// Only one caller dials at a time; others wait or give up with ctx.
// Callers must call t.inflight.Done when a connection is returned.
func (t *Transport) conn(ctx context.Context) (*http2.ClientConn, error) {
	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-t.sem }()

	if t.closed {
		return nil, ErrClosed
	}
	if usable(t.cc) {
		t.inflight.Add(1)
		return t.cc, nil
	}

	logger := ctxlog.Logger(ctx, t.logger)
	if t.cc != nil {
		// a draining connection finishes its in-flight streams on its own
		logger.Debug("msg", "replacing connection", "addr", t.addr)
	}
	cc, err := t.dial(ctx)
	if err != nil {
		logger.Info("msg", "connecting to APNs", "addr", t.addr, "err", err)
		return nil, err
	}
	logger.Debug("msg", "connected to APNs", "addr", t.addr, "endpoint", t.endpoint)
	t.cc = cc
	t.inflight.Add(1)
	return cc, nil
}

// wrapErr returns the context error if ctx is done and otherwise
// err as a KindConnection error.
func wrapErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var apnsErr *apns.Error
	if errors.As(err, &apnsErr) {
		return err
	}
	return apns.NewError(apns.KindConnection, err)
}

// Exchange sends r and reads the reply. The deadline of ctx bounds the
// whole exchange including any dial. If ctx is done before the reply
// is read the context error is returned and only this request's
// stream is reset.
func (t *Transport) Exchange(ctx context.Context, r *apns.Request) (*Reply, error) {
	if r == nil {
		return nil, apns.Errorf(apns.KindBuildRequest, "nil request")
	}
	cc, err := t.conn(ctx)
	if err != nil {
		return nil, wrapErr(ctx, err)
	}
	defer t.inflight.Done()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://"+t.host+r.Path, bytes.NewReader(r.Body))
	if err != nil {
		return nil, apns.NewError(apns.KindBuildRequest, err)
	}
	req.Header = r.Header.Clone()
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	req.ContentLength = int64(len(r.Body))

	resp, err := cc.RoundTrip(req)
	if err != nil {
		return nil, wrapErr(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBody))
	if err != nil {
		return nil, wrapErr(ctx, err)
	}
	return &Reply{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   body,
	}, nil
}

// Close closes the connection. In-flight exchanges fail.
// Exchanges after Close return ErrClosed.
func (t *Transport) Close() error {
	t.sem <- struct{}{}
	defer func() { <-t.sem }()
	t.closed = true
	if t.cc == nil {
		return nil
	}
	err := t.cc.Close()
	t.cc = nil
	return err
}

// Shutdown refuses new exchanges and closes the connection once the
// in-flight exchanges have finished. If ctx is done first the
// connection is closed anyway, failing the remaining exchanges, and
// the context error is returned.
func (t *Transport) Shutdown(ctx context.Context) error {
	t.sem <- struct{}{}
	t.closed = true
	<-t.sem

	done := make(chan struct{})
	go func() {
		t.inflight.Wait()
		close(done)
	}()
	var ctxErr error
	select {
	case <-done:
	case <-ctx.Done():
		ctxErr = ctx.Err()
	}
	if err := t.Close(); err != nil && ctxErr == nil {
		return err
	}
	return ctxErr
}
