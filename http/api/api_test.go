package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/micromdm/nanoapns/api"
	"github.com/micromdm/nanoapns/apns"
	"github.com/micromdm/nanoapns/push"
	"github.com/micromdm/nanoapns/storage"
	"github.com/micromdm/nanoapns/storage/inmem"
	"github.com/micromdm/nanoapns/test"

	"github.com/micromdm/nanolib/log"
)

type recordingPusher struct {
	topic         string
	notifications []*apns.Notification
}

func (p *recordingPusher) Push(_ context.Context, topic string, notifications []*apns.Notification) (map[string]*push.Response, error) {
	p.topic = topic
	p.notifications = notifications
	ret := make(map[string]*push.Response)
	for _, n := range notifications {
		if n.DeviceToken == "bad" {
			resp := &apns.Response{StatusCode: 400, Reason: apns.ReasonBadDeviceToken}
			ret[n.DeviceToken] = &push.Response{Response: resp, Err: &apns.Error{Kind: apns.KindResponse, Response: resp}}
			continue
		}
		ret[n.DeviceToken] = &push.Response{ID: "id-" + n.DeviceToken}
	}
	return ret, nil
}

func newMux(store storage.CredentialStorer, pusher push.Pusher) *http.ServeMux {
	mux := http.NewServeMux()
	HandleAPIv1("/v1", mux, log.NopLogger, store, pusher)
	return mux
}

func TestPushHandler(t *testing.T) {
	p := &recordingPusher{}
	mux := newMux(inmem.New(), p)

	body := []byte(`{"aps":{"alert":"hi"}}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/push/com.example.app/aaaa,bad?push_type=alert&priority=5&expiration=1700000000&collapse_id=c1", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if have, want := rec.Code, http.StatusMultiStatus; have != want {
		t.Errorf("status: have %d, want %d", have, want)
	}
	if have, want := p.topic, "com.example.app"; have != want {
		t.Errorf("topic: have %q, want %q", have, want)
	}
	if have, want := len(p.notifications), 2; have != want {
		t.Fatalf("notifications: have %d, want %d", have, want)
	}
	opts := p.notifications[0].Options
	if opts.Priority != apns.PriorityThrottled || opts.PushType != apns.PushTypeAlert || opts.CollapseID != "c1" || !opts.Expiration.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("unexpected options: %+v", opts)
	}
	if have, want := string(p.notifications[0].Payload.([]byte)), string(body); have != want {
		t.Errorf("payload: have %q, want %q", have, want)
	}

	var r api.APIResult
	if err := json.Unmarshal(rec.Body.Bytes(), &r); err != nil {
		t.Fatal(err)
	}
	if have, want := r.Status["aaaa"].PushID, "id-aaaa"; have != want {
		t.Errorf("push id: have %q, want %q", have, want)
	}
	if r.Status["bad"].PushError == nil {
		t.Error("expected push error for bad token")
	}
	if have, want := r.Status["bad"].Response.Reason, apns.ReasonBadDeviceToken; have != want {
		t.Errorf("reason: have %q, want %q", have, want)
	}
}

func TestPushHandlerBadRequests(t *testing.T) {
	mux := newMux(inmem.New(), &recordingPusher{})
	for _, tc := range []struct {
		method string
		path   string
		body   string
		code   int
	}{
		{http.MethodPost, "/v1/push/com.example.app", `{}`, http.StatusBadRequest},
		{http.MethodPost, "/v1/push/com.example.app/aaaa?priority=x", `{}`, http.StatusBadRequest},
		{http.MethodPost, "/v1/push/com.example.app/aaaa", `{`, http.StatusBadRequest},
		{http.MethodGet, "/v1/push/com.example.app/aaaa", ``, http.StatusMethodNotAllowed},
	} {
		req := httptest.NewRequest(tc.method, tc.path, bytes.NewBufferString(tc.body))
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if have, want := rec.Code, tc.code; have != want {
			t.Errorf("%s %s: have %d, want %d", tc.method, tc.path, have, want)
		}
	}
}

func TestStoreCredentialHandler(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	mux := newMux(store, nil)

	certPEM, keyPEM, err := test.PushCertPEM("com.example.api")
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPut, "/v1/credential", bytes.NewReader(append(certPEM, keyPEM...)))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if have, want := rec.Code, http.StatusOK; have != want {
		t.Fatalf("status: have %d, want %d: %s", have, want, rec.Body.String())
	}

	var out CredentialResponse
	if err = json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if have, want := out.Topic, "com.example.api"; have != want {
		t.Errorf("topic: have %q, want %q", have, want)
	}
	if out.NotAfter == nil {
		t.Error("expected certificate expiry")
	}

	cred, _, err := store.RetrieveCredential(ctx, "com.example.api")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := cred.Scheme(), apns.CertificateScheme; have != want {
		t.Errorf("scheme: have %v, want %v", have, want)
	}

	_, tokenKeyPEM, err := test.TokenKeyPEM()
	if err != nil {
		t.Fatal(err)
	}
	req = httptest.NewRequest(http.MethodPut, "/v1/credential?topic=com.example.token&key_id=KEYID12345&team_id=TEAMID1234", bytes.NewReader(tokenKeyPEM))
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if have, want := rec.Code, http.StatusOK; have != want {
		t.Fatalf("status: have %d, want %d: %s", have, want, rec.Body.String())
	}
	cred, _, err = store.RetrieveCredential(ctx, "com.example.token")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := cred.Scheme(), apns.TokenScheme; have != want {
		t.Errorf("scheme: have %v, want %v", have, want)
	}
}

func TestStoreCredentialHandlerBadRequests(t *testing.T) {
	mux := newMux(inmem.New(), nil)
	_, tokenKeyPEM, err := test.TokenKeyPEM()
	if err != nil {
		t.Fatal(err)
	}
	for _, tc := range []struct {
		path string
		body []byte
	}{
		{"/v1/credential", []byte("not pem")},
		{"/v1/credential?key_id=K&team_id=T", tokenKeyPEM},
		{"/v1/credential?key_id=K&topic=t&team_id=T", []byte("not a key")},
	} {
		req := httptest.NewRequest(http.MethodPut, tc.path, bytes.NewReader(tc.body))
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if have, want := rec.Code, http.StatusBadRequest; have != want {
			t.Errorf("%s: have %d, want %d", tc.path, have, want)
		}
	}
}
