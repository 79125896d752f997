package zaplog

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := New(zap.New(core)).With("service", "push")

	logger.Info("msg", "sending", "topic", "com.example.app", "err", errors.New("oops"))
	logger.Debug("msg", "hidden")

	entries := logs.AllUntimed()
	if have, want := len(entries), 1; have != want {
		t.Fatalf("entries: have %d, want %d", have, want)
	}
	e := entries[0]
	if have, want := e.Message, "sending"; have != want {
		t.Errorf("message: have %q, want %q", have, want)
	}
	fields := e.ContextMap()
	if have, want := fields["service"], "push"; have != want {
		t.Errorf("service: have %v, want %v", have, want)
	}
	if have, want := fields["topic"], "com.example.app"; have != want {
		t.Errorf("topic: have %v, want %v", have, want)
	}
	if have, want := fields["err"], "oops"; have != want {
		t.Errorf("err: have %v, want %v", have, want)
	}
}

func TestSplit(t *testing.T) {
	msg, kvs := split([]interface{}{"a", 1, "msg", "hello", "dangling"})
	if have, want := msg, "hello"; have != want {
		t.Errorf("msg: have %q, want %q", have, want)
	}
	if have, want := len(kvs), 3; have != want {
		t.Errorf("kvs: have %d, want %d", have, want)
	}
}

func TestParseLevel(t *testing.T) {
	for _, tc := range []struct {
		level string
		debug bool
	}{
		{"debug", true},
		{"info", false},
		{"", false},
	} {
		logger, err := NewLogger(tc.level, true)
		if err != nil {
			t.Fatal(err)
		}
		if have, want := logger.Core().Enabled(zapcore.DebugLevel), tc.debug; have != want {
			t.Errorf("%q: have %v, want %v", tc.level, have, want)
		}
	}
	if _, err := NewLogger("not-a-level", false); err == nil {
		t.Error("expected error for invalid level")
	}
}
