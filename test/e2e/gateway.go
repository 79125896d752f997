package e2e

import (
	"crypto/tls"
	"crypto/x509"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// gatewayRequest is a notification request received by the gateway.
type gatewayRequest struct {
	Token         string
	Header        http.Header
	Body          []byte
	ClientCertCN  string
	Authorization string
}

// gateway is a fake APNs HTTP/2 gateway.
type gateway struct {
	server *httptest.Server

	mu       sync.Mutex
	requests []gatewayRequest
}

// UnregisteredToken is rejected by the gateway as no longer active.
const UnregisteredToken = "0000000000000000000000000000000000000000000000000000000000000410"

func newGateway(t *testing.T) *gateway {
	t.Helper()
	g := new(gateway)
	g.server = httptest.NewUnstartedServer(http.HandlerFunc(g.serveHTTP))
	g.server.EnableHTTP2 = true
	g.server.TLS = &tls.Config{ClientAuth: tls.RequestClientCert}
	g.server.StartTLS()
	t.Cleanup(g.server.Close)
	return g
}

func (g *gateway) serveHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	req := gatewayRequest{
		Token:         strings.TrimPrefix(r.URL.Path, "/3/device/"),
		Header:        r.Header.Clone(),
		Body:          body,
		Authorization: r.Header.Get("authorization"),
	}
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		req.ClientCertCN = r.TLS.PeerCertificates[0].Subject.CommonName
	}
	g.mu.Lock()
	g.requests = append(g.requests, req)
	g.mu.Unlock()

	if req.Token == UnregisteredToken {
		w.Header().Set("apns-id", "E8A8A1B7-2A5B-4F50-9E19-2B2AE9F5C0B1")
		w.WriteHeader(http.StatusGone)
		w.Write([]byte(`{"reason":"Unregistered","timestamp":1700000000000}`))
		return
	}
	if id := r.Header.Get("apns-id"); id != "" {
		w.Header().Set("apns-id", id)
	} else {
		w.Header().Set("apns-id", "922D9F1F-B82E-B337-EDC9-DB4FC8527676")
	}
}

// Requests returns and clears the received requests.
func (g *gateway) Requests() []gatewayRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	ret := g.requests
	g.requests = nil
	return ret
}

// RootCAs returns a pool trusting the gateway.
func (g *gateway) RootCAs() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(g.server.Certificate())
	return pool
}

// Addr is the listening address of the gateway.
func (g *gateway) Addr() string {
	return g.server.Listener.Addr().String()
}
