package apns

import (
	"bytes"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

const testDeviceToken = "c2732227a1d8021cfaf781d71fb2f908c61f5861079a00954a5453f1d0281433"

func TestBuildRequestMinimal(t *testing.T) {
	n := &Notification{
		DeviceToken: testDeviceToken,
		Payload:     []byte(`{"aps":{"alert":"hi"}}`),
	}
	req, err := BuildRequest(n, CertificateScheme, "", DefaultValidators...)
	if err != nil {
		t.Fatal(err)
	}

	if have, want := req.Path, "/3/device/"+testDeviceToken; have != want {
		t.Errorf("path: have %q, want %q", have, want)
	}
	if have, want := req.Header.Get(HeaderPushType), "alert"; have != want {
		t.Errorf("push type: have %q, want %q", have, want)
	}
	for _, k := range []string{HeaderID, HeaderExpiration, HeaderPriority, HeaderTopic, HeaderCollapseID, HeaderAuthorization} {
		if len(req.Header.Values(k)) > 0 {
			t.Errorf("header %s: should not be present", k)
		}
	}
	if have, want := string(req.Body), `{"aps":{"alert":"hi"}}`; have != want {
		t.Errorf("body: have %q, want %q", have, want)
	}
}

func TestBuildRequestAllOptions(t *testing.T) {
	exp := time.Unix(1700000000, 0)
	n := &Notification{
		DeviceToken: testDeviceToken,
		Payload:     map[string]interface{}{"aps": map[string]interface{}{"content-available": 1}},
		Options: NotificationOptions{
			ID:         "922D9F1F-B82E-B337-EDC9-DB4FC8527676",
			Expiration: exp,
			Priority:   PriorityThrottled,
			Topic:      "com.example.app",
			CollapseID: "game-score",
			PushType:   PushTypeBackground,
		},
	}
	req, err := BuildRequest(n, TokenScheme, "abc.def.ghi", DefaultValidators...)
	if err != nil {
		t.Fatal(err)
	}

	for k, want := range map[string]string{
		HeaderID:            "922D9F1F-B82E-B337-EDC9-DB4FC8527676",
		HeaderExpiration:    "1700000000",
		HeaderPriority:      "5",
		HeaderTopic:         "com.example.app",
		HeaderCollapseID:    "game-score",
		HeaderPushType:      "background",
		HeaderAuthorization: "Bearer abc.def.ghi",
		HeaderContentType:   "application/json",
	} {
		if have := req.Header.Get(k); have != want {
			t.Errorf("header %s: have %q, want %q", k, have, want)
		}
	}
}

func TestBuildRequestPriorityImmediateOmitted(t *testing.T) {
	n := &Notification{
		DeviceToken: testDeviceToken,
		Payload:     []byte(`{}`),
		Options:     NotificationOptions{Priority: PriorityImmediate},
	}
	req, err := BuildRequest(n, CertificateScheme, "")
	if err != nil {
		t.Fatal(err)
	}
	if have := req.Header.Get(HeaderPriority); have != "" {
		t.Errorf("priority header: have %q, want none", have)
	}
}

func TestBuildRequestDeterministic(t *testing.T) {
	n := &Notification{
		DeviceToken: testDeviceToken,
		Payload: map[string]interface{}{
			"aps":   map[string]interface{}{"alert": "hi", "badge": 1},
			"extra": []int{1, 2, 3},
			"id":    "x",
		},
		Options: NotificationOptions{Topic: "com.example.app", CollapseID: "c"},
	}
	a, err := BuildRequest(n, TokenScheme, "tok")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		b, err := BuildRequest(n, TokenScheme, "tok")
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(a.Body, b.Body) {
			t.Fatalf("body differs: %q vs %q", a.Body, b.Body)
		}
		if !reflect.DeepEqual(a.Header, b.Header) {
			t.Fatalf("headers differ: %v vs %v", a.Header, b.Header)
		}
		if a.Path != b.Path {
			t.Fatalf("path differs: %q vs %q", a.Path, b.Path)
		}
	}
}

func TestBuildRequestAuthExclusive(t *testing.T) {
	n := &Notification{DeviceToken: testDeviceToken, Payload: []byte(`{}`)}

	_, err := BuildRequest(n, CertificateScheme, "token")
	if !errors.Is(err, ErrBuildRequest) {
		t.Errorf("certificate with bearer: have %v, want build request error", err)
	}

	_, err = BuildRequest(n, TokenScheme, "")
	if !errors.Is(err, ErrBuildRequest) {
		t.Errorf("token without bearer: have %v, want build request error", err)
	}

	req, err := BuildRequest(n, CertificateScheme, "")
	if err != nil {
		t.Fatal(err)
	}
	if have := req.Header.Get(HeaderAuthorization); have != "" {
		t.Errorf("authorization in certificate mode: %q", have)
	}
}

func TestBuildRequestSerializeError(t *testing.T) {
	for _, payload := range []interface{}{
		nil,
		[]byte(`{"aps":`),
		json.RawMessage(`nope`),
		map[string]interface{}{"ch": make(chan int)},
	} {
		n := &Notification{DeviceToken: testDeviceToken, Payload: payload}
		_, err := BuildRequest(n, CertificateScheme, "")
		if have, want := KindOf(err), KindSerialize; have != want {
			t.Errorf("payload %T: have %v, want %v", payload, have, want)
		}
	}
}

func TestValidators(t *testing.T) {
	tests := []struct {
		name    string
		opts    NotificationOptions
		scheme  AuthScheme
		v       []Validator
		invalid bool
	}{
		{"defaults", NotificationOptions{}, CertificateScheme, DefaultValidators, false},
		{"long collapse id", NotificationOptions{CollapseID: strings.Repeat("a", 65)}, CertificateScheme, DefaultValidators, true},
		{"max collapse id", NotificationOptions{CollapseID: strings.Repeat("a", 64)}, CertificateScheme, DefaultValidators, false},
		{"bad priority", NotificationOptions{Priority: 7}, CertificateScheme, DefaultValidators, true},
		{"low priority", NotificationOptions{Priority: PriorityLow}, CertificateScheme, DefaultValidators, false},
		{"voip no topic", NotificationOptions{PushType: PushTypeVoIP}, CertificateScheme, DefaultValidators, true},
		{"voip topic", NotificationOptions{PushType: PushTypeVoIP, Topic: "com.example.app.voip"}, CertificateScheme, DefaultValidators, false},
		{"background no topic", NotificationOptions{PushType: PushTypeBackground}, TokenScheme, DefaultValidators, true},
		{"alert no topic token", NotificationOptions{}, TokenScheme, DefaultValidators, false},
		{"require topic token", NotificationOptions{}, TokenScheme, []Validator{RequireTopicForToken}, true},
		{"require topic cert", NotificationOptions{}, CertificateScheme, []Validator{RequireTopicForToken}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bearer := ""
			if tt.scheme == TokenScheme {
				bearer = "tok"
			}
			n := &Notification{DeviceToken: testDeviceToken, Payload: []byte(`{}`), Options: tt.opts}
			_, err := BuildRequest(n, tt.scheme, bearer, tt.v...)
			if tt.invalid && !errors.Is(err, ErrInvalidOptions) {
				t.Errorf("have %v, want invalid options", err)
			} else if !tt.invalid && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestPayloadSizeValidator(t *testing.T) {
	big := `{"aps":{"alert":"` + strings.Repeat("a", MaxPayloadSize) + `"}}`
	n := &Notification{DeviceToken: testDeviceToken, Payload: []byte(big)}
	_, err := BuildRequest(n, CertificateScheme, "", PayloadSizeValidator())
	if !errors.Is(err, ErrInvalidOptions) {
		t.Errorf("have %v, want invalid options", err)
	}

	n.Options = NotificationOptions{PushType: PushTypeVoIP, Topic: "com.example.app.voip"}
	if _, err = BuildRequest(n, CertificateScheme, "", PayloadSizeValidator()); err != nil {
		t.Errorf("voip payload under limit: %v", err)
	}
}

func TestBuildRequestBadDeviceTokenPath(t *testing.T) {
	n := &Notification{DeviceToken: "../../admin", Payload: []byte(`{}`)}
	_, err := BuildRequest(n, CertificateScheme, "")
	if !errors.Is(err, ErrBuildRequest) {
		t.Errorf("have %v, want build request error", err)
	}
}
