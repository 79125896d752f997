package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/micromdm/nanoapns/apns"
	"github.com/micromdm/nanoapns/test"
)

type testServer struct {
	*httptest.Server
	conns   int32
	delayed int32
}

// newTestServer starts an HTTP/2 TLS server. The handler replies with
// the request path as the apns-id unless the path contains "slow", in
// which case it blocks until the stream is reset. Paths containing
// "delay" are answered after 300ms.
func newTestServer(t *testing.T, tlsConfig *tls.Config) *testServer {
	t.Helper()
	ts := &testServer{}
	ts.Server = httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ProtoMajor != 2 {
			t.Errorf("protocol: have %s, want HTTP/2", r.Proto)
		}
		io.Copy(io.Discard, r.Body)
		if strings.Contains(r.URL.Path, "slow") {
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
			return
		}
		if strings.Contains(r.URL.Path, "delay") {
			atomic.AddInt32(&ts.delayed, 1)
			time.Sleep(300 * time.Millisecond)
		}
		if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
			w.Header().Set("x-client-cn", r.TLS.PeerCertificates[0].Subject.CommonName)
		}
		w.Header().Set("apns-id", strings.TrimPrefix(r.URL.Path, "/3/device/"))
	}))
	ts.EnableHTTP2 = true
	ts.TLS = tlsConfig
	ts.Config.ConnState = func(_ net.Conn, state http.ConnState) {
		if state == http.StateNew {
			atomic.AddInt32(&ts.conns, 1)
		}
	}
	ts.StartTLS()
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) connCount() int {
	return int(atomic.LoadInt32(&ts.conns))
}

func newTestTransport(t *testing.T, ts *testServer, cert *tls.Certificate) *Transport {
	t.Helper()
	pool := x509.NewCertPool()
	pool.AddCert(ts.Certificate())
	tr, err := New(
		apns.Sandbox,
		cert,
		WithAddress(ts.Listener.Addr().String()),
		WithServerName("example.com"),
		WithRootCAs(pool),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func request(token string) *apns.Request {
	h := make(http.Header)
	h.Set(apns.HeaderContentType, "application/json")
	return &apns.Request{Path: "/3/device/" + token, Header: h, Body: []byte(`{}`)}
}

func TestExchangeReusesConnection(t *testing.T) {
	ts := newTestServer(t, nil)
	tr := newTestTransport(t, ts, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		reply, err := tr.Exchange(ctx, request("seq"))
		if err != nil {
			t.Fatal(err)
		}
		if have, want := reply.Status, http.StatusOK; have != want {
			t.Errorf("status: have %d, want %d", have, want)
		}
		if have, want := reply.Header.Get("apns-id"), "seq"; have != want {
			t.Errorf("apns-id: have %q, want %q", have, want)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tr.Exchange(ctx, request("concurrent")); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if have, want := ts.connCount(), 1; have != want {
		t.Errorf("connections: have %d, want %d", have, want)
	}
}

func TestExchangeDeadline(t *testing.T) {
	ts := newTestServer(t, nil)
	tr := newTestTransport(t, ts, nil)

	// establish the connection first
	if _, err := tr.Exchange(context.Background(), request("warm")); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := tr.Exchange(ctx, request("slow"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("have %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("exchange took %s after deadline", elapsed)
	}

	// the connection survives the reset stream
	reply, err := tr.Exchange(context.Background(), request("after"))
	if err != nil {
		t.Fatal(err)
	}
	if have, want := reply.Header.Get("apns-id"), "after"; have != want {
		t.Errorf("apns-id: have %q, want %q", have, want)
	}
	if have, want := ts.connCount(), 1; have != want {
		t.Errorf("connections: have %d, want %d", have, want)
	}
}

// waitFor polls cond for up to five seconds.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestExchangeReconnect(t *testing.T) {
	ts := newTestServer(t, nil)
	tr := newTestTransport(t, ts, nil)
	ctx := context.Background()

	if _, err := tr.Exchange(ctx, request("first")); err != nil {
		t.Fatal(err)
	}

	ts.CloseClientConnections()
	waitFor(t, "connection closed", func() bool {
		tr.sem <- struct{}{}
		defer func() { <-tr.sem }()
		return !usable(tr.cc)
	})

	if _, err := tr.Exchange(ctx, request("second")); err != nil {
		t.Fatal(err)
	}
	if have, want := ts.connCount(), 2; have != want {
		t.Errorf("connections: have %d, want %d", have, want)
	}
}

func TestExchangeReconnectConcurrent(t *testing.T) {
	ts := newTestServer(t, nil)
	tr := newTestTransport(t, ts, nil)
	ctx := context.Background()

	if _, err := tr.Exchange(ctx, request("first")); err != nil {
		t.Fatal(err)
	}

	ts.CloseClientConnections()
	waitFor(t, "connection closed", func() bool {
		tr.sem <- struct{}{}
		defer func() { <-tr.sem }()
		return !usable(tr.cc)
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tr.Exchange(ctx, request("concurrent")); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if have, want := ts.connCount(), 2; have != want {
		t.Errorf("connections: have %d, want %d", have, want)
	}
}

func TestExchangeConnectionError(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	tr, err := New(apns.Sandbox, nil, WithAddress(addr))
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	_, err = tr.Exchange(context.Background(), request("x"))
	if have, want := apns.KindOf(err), apns.KindConnection; have != want {
		t.Errorf("have %v (%v), want %v", have, err, want)
	}
}

func TestExchangeUntrustedServer(t *testing.T) {
	ts := newTestServer(t, nil)
	tr, err := New(apns.Sandbox, nil, WithAddress(ts.Listener.Addr().String()), WithServerName("example.com"))
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	_, err = tr.Exchange(context.Background(), request("x"))
	if !errors.Is(err, apns.ErrConnection) {
		t.Errorf("have %v, want connection error", err)
	}
}

func TestClientCertificate(t *testing.T) {
	ts := newTestServer(t, &tls.Config{ClientAuth: tls.RequestClientCert})
	ctx := context.Background()

	key, cert, err := test.SelfSignedPushCert("com.example.app", 1)
	if err != nil {
		t.Fatal(err)
	}
	tlsCert := &tls.Certificate{Certificate: [][]byte{cert.Raw}, PrivateKey: key}

	certTr := newTestTransport(t, ts, tlsCert)
	reply, err := certTr.Exchange(ctx, request("cert"))
	if err != nil {
		t.Fatal(err)
	}
	if have, want := reply.Header.Get("x-client-cn"), cert.Subject.CommonName; have != want {
		t.Errorf("client cert: have %q, want %q", have, want)
	}

	tokenTr := newTestTransport(t, ts, nil)
	reply, err = tokenTr.Exchange(ctx, request("token"))
	if err != nil {
		t.Fatal(err)
	}
	if have := reply.Header.Get("x-client-cn"); have != "" {
		t.Errorf("client cert presented without certificate: %q", have)
	}
}

func TestNewInvalidCertificate(t *testing.T) {
	_, err := New(apns.Production, &tls.Certificate{})
	if have, want := apns.KindOf(err), apns.KindTLS; have != want {
		t.Errorf("have %v, want %v", have, want)
	}
}

func TestClose(t *testing.T) {
	ts := newTestServer(t, nil)
	tr := newTestTransport(t, ts, nil)
	if _, err := tr.Exchange(context.Background(), request("x")); err != nil {
		t.Fatal(err)
	}
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}
	_, err := tr.Exchange(context.Background(), request("x"))
	if !errors.Is(err, ErrClosed) {
		t.Errorf("have %v, want %v", err, ErrClosed)
	}
	if !errors.Is(err, apns.ErrConnection) {
		t.Errorf("have %v, want connection error", err)
	}
}

func TestShutdownDrainsExchanges(t *testing.T) {
	ts := newTestServer(t, nil)
	tr := newTestTransport(t, ts, nil)
	ctx := context.Background()
	if _, err := tr.Exchange(ctx, request("warm")); err != nil {
		t.Fatal(err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := tr.Exchange(ctx, request("delay"))
		errc <- err
	}()
	waitFor(t, "delayed request", func() bool { return atomic.LoadInt32(&ts.delayed) > 0 })

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := tr.Shutdown(shutdownCtx); err != nil {
		t.Fatal(err)
	}
	if err := <-errc; err != nil {
		t.Errorf("in-flight exchange: %v", err)
	}
	if _, err := tr.Exchange(ctx, request("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("have %v, want %v", err, ErrClosed)
	}
}

func TestShutdownDeadline(t *testing.T) {
	ts := newTestServer(t, nil)
	tr := newTestTransport(t, ts, nil)
	ctx := context.Background()
	if _, err := tr.Exchange(ctx, request("warm")); err != nil {
		t.Fatal(err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := tr.Exchange(ctx, request("slow"))
		errc <- err
	}()
	// let the slow request reach the server
	time.Sleep(100 * time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if err := tr.Shutdown(shutdownCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("have %v, want %v", err, context.DeadlineExceeded)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, apns.ErrConnection) {
			t.Errorf("have %v, want connection error", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("slow exchange not failed by shutdown")
	}
}
