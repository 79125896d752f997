package main

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/micromdm/nanolib/log"
)

func TestNewNotification(t *testing.T) {
	n := newNotification(options{deviceToken: "abc", message: "hi", topic: "com.example.app"})
	b, err := json.Marshal(n.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := string(b), `{"aps":{"alert":"hi","sound":"default","badge":1}}`; have != want {
		t.Errorf("payload: have %s, want %s", have, want)
	}
	if have, want := n.Options.Topic, "com.example.app"; have != want {
		t.Errorf("topic: have %q, want %q", have, want)
	}
}

func TestRunErrors(t *testing.T) {
	ctx := context.Background()
	if _, err := run(ctx, options{}, log.NopLogger); err == nil {
		t.Error("expected error for missing device token")
	}
	if _, err := run(ctx, options{deviceToken: "abc"}, log.NopLogger); err == nil {
		t.Error("expected error for missing credentials")
	}
	if _, err := run(ctx, options{deviceToken: "abc", certPath: "a", keyPath: "b"}, log.NopLogger); err == nil {
		t.Error("expected error for both credentials")
	}
}
