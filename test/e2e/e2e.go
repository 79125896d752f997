// Package e2e tests the API, push service, and client against a fake
// APNs gateway using a given credential store.
package e2e

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/micromdm/nanoapns/apns"
	"github.com/micromdm/nanoapns/client"
	httpapi "github.com/micromdm/nanoapns/http/api"
	"github.com/micromdm/nanoapns/push/nanopush"
	pushsvc "github.com/micromdm/nanoapns/push/service"
	"github.com/micromdm/nanoapns/storage"
	"github.com/micromdm/nanoapns/test"
	"github.com/micromdm/nanoapns/transport"

	"github.com/micromdm/nanolib/log"
)

const (
	apiPrefix     = "/test/v1"
	credentialURL = apiPrefix + httpapi.APIEndpointCredential
	pushURL       = apiPrefix + httpapi.APIEndpointPush

	goodToken = "c2732227a1d8021cfaf781d71fb2f908c61f5861079a00954a5453f1d0281433"
)

// setupNanoAPNS configures normal-ish API HTTP server handlers for testing.
func setupNanoAPNS(logger log.Logger, store storage.AllStorage, g *gateway) (http.Handler, *pushsvc.PushService) {
	factory := nanopush.NewFactory(
		nanopush.WithEndpoint(apns.Sandbox),
		nanopush.WithClientOptions(
			client.WithLogger(logger),
			client.WithTransportOptions(
				transport.WithAddress(g.Addr()),
				transport.WithServerName("example.com"),
				transport.WithRootCAs(g.RootCAs()),
			),
		),
	)
	svc := pushsvc.New(store, factory, pushsvc.WithLogger(logger))

	mux := http.NewServeMux()
	// note missing auth for tests
	httpapi.HandleAPIv1(apiPrefix, mux, logger, store, svc)
	return mux, svc
}

// TestE2E uploads credentials and sends notifications through the API
// backed by store.
func TestE2E(t *testing.T, ctx context.Context, store storage.AllStorage) {
	var logger log.Logger = log.NopLogger

	g := newGateway(t)
	mux, svc := setupNanoAPNS(logger, store, g)
	defer svc.Close()

	a := &apiClient{
		doer:          NewHandlerClient(mux),
		urlCredential: credentialURL,
		urlPush:       pushURL,
	}

	topic := "com.example.e2e"

	t.Run("certificate", func(t *testing.T) {
		pemCert, pemKey, err := test.PushCertPEM(topic)
		if err != nil {
			t.Fatal(err)
		}
		if err = a.StoreCertificate(ctx, pemCert, pemKey); err != nil {
			t.Fatal(err)
		}

		q := url.Values{}
		q.Set("push_type", "background")
		q.Set("priority", "5")
		r, code, err := a.Push(ctx, topic, []string{goodToken, UnregisteredToken}, []byte(`{"aps":{"content-available":1}}`), q)
		if err != nil {
			t.Fatal(err)
		}
		if have, want := code, http.StatusMultiStatus; have != want {
			t.Errorf("status: have %d, want %d", have, want)
		}
		if have, want := r.Status[goodToken].PushID, "922D9F1F-B82E-B337-EDC9-DB4FC8527676"; have != want {
			t.Errorf("push id: have %q, want %q", have, want)
		}
		bad := r.Status[UnregisteredToken]
		if bad.PushError == nil || bad.Response == nil {
			t.Fatalf("expected rejection for %s: %+v", UnregisteredToken, bad)
		}
		if have, want := bad.Response.Reason, apns.ReasonUnregistered; have != want {
			t.Errorf("reason: have %q, want %q", have, want)
		}
		if have, want := bad.Response.Timestamp, int64(1700000000000); have != want {
			t.Errorf("timestamp: have %d, want %d", have, want)
		}

		reqs := g.Requests()
		if have, want := len(reqs), 2; have != want {
			t.Fatalf("gateway requests: have %d, want %d", have, want)
		}
		for _, req := range reqs {
			if have, want := req.Header.Get("apns-topic"), topic; have != want {
				t.Errorf("topic: have %q, want %q", have, want)
			}
			if have, want := req.Header.Get("apns-priority"), "5"; have != want {
				t.Errorf("priority: have %q, want %q", have, want)
			}
			if !strings.HasSuffix(req.ClientCertCN, topic) {
				t.Errorf("client certificate CN: have %q, want suffix %q", req.ClientCertCN, topic)
			}
			if req.Authorization != "" {
				t.Error("authorization header sent with certificate authentication")
			}
		}
	})

	t.Run("token", func(t *testing.T) {
		_, keyPEM, err := test.TokenKeyPEM()
		if err != nil {
			t.Fatal(err)
		}
		if err = a.StoreTokenKey(ctx, topic, "KEYID12345", "TEAMID1234", keyPEM); err != nil {
			t.Fatal(err)
		}

		r, code, err := a.Push(ctx, topic, []string{goodToken}, []byte(`{"aps":{"alert":"hi"}}`), nil)
		if err != nil {
			t.Fatal(err)
		}
		if have, want := code, http.StatusOK; have != want {
			t.Errorf("status: have %d, want %d: %v", have, want, r.Error())
		}

		reqs := g.Requests()
		if have, want := len(reqs), 1; have != want {
			t.Fatalf("gateway requests: have %d, want %d", have, want)
		}
		if !strings.HasPrefix(reqs[0].Authorization, "Bearer ") {
			t.Errorf("authorization: have %q, want bearer token", reqs[0].Authorization)
		}
		if reqs[0].ClientCertCN != "" {
			t.Error("client certificate sent with token authentication")
		}
	})

	t.Run("missing-credential", func(t *testing.T) {
		r, code, err := a.Push(ctx, "com.example.missing", []string{goodToken}, []byte(`{}`), nil)
		if err != nil {
			t.Fatal(err)
		}
		if have, want := code, http.StatusInternalServerError; have != want {
			t.Errorf("status: have %d, want %d", have, want)
		}
		if r.PushError == nil {
			t.Error("expected push error")
		}
	})
}
