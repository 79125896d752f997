package http

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/micromdm/nanoapns/log/zaplog"

	"github.com/micromdm/nanolib/log/ctxlog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("ok"))
}

func TestBasicAuthMiddleware(t *testing.T) {
	h := BasicAuthMiddleware(http.HandlerFunc(okHandler), "nanoapns", "secret", "nanoapns")

	for _, tc := range []struct {
		user, pass string
		status     int
	}{
		{"nanoapns", "secret", http.StatusOK},
		{"nanoapns", "wrong", http.StatusUnauthorized},
		{"", "", http.StatusUnauthorized},
	} {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.user != "" {
			r.SetBasicAuth(tc.user, tc.pass)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		if have, want := w.Code, tc.status; have != want {
			t.Errorf("%s/%s: have %d, want %d", tc.user, tc.pass, have, want)
		}
		if tc.status == http.StatusUnauthorized && w.Header().Get("WWW-Authenticate") == "" {
			t.Error("missing WWW-Authenticate header")
		}
	}
}

func TestVersionHandler(t *testing.T) {
	w := httptest.NewRecorder()
	VersionHandler("v1.2.3").ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/version", nil))
	if have, want := w.Body.String(), `{"version":"v1.2.3"}`; have != want {
		t.Errorf("have %q, want %q", have, want)
	}
}

func TestTraceLoggingMiddleware(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zaplog.New(zap.New(core))

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxlog.Logger(r.Context(), logger).Info("msg", "inner")
	})
	h := TraceLoggingMiddleware(next, logger, func(*http.Request) string { return "trace1" })

	r := httptest.NewRequest(http.MethodPost, "/v1/push/x", nil)
	r.Header.Set("X-Forwarded-For", "10.0.0.1")
	h.ServeHTTP(httptest.NewRecorder(), r)

	entries := logs.AllUntimed()
	if have, want := len(entries), 2; have != want {
		t.Fatalf("entries: have %d, want %d", have, want)
	}
	for _, e := range entries {
		if have, want := e.ContextMap()["trace_id"], "trace1"; have != want {
			t.Errorf("trace_id: have %v, want %v", have, want)
		}
	}
	if have, want := entries[0].ContextMap()["real_ip"], "10.0.0.1"; have != want {
		t.Errorf("real_ip: have %v, want %v", have, want)
	}
}

func TestReadAllAndReplaceBody(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("body"))
	b, err := ReadAllAndReplaceBody(r)
	if err != nil {
		t.Fatal(err)
	}
	again, err := io.ReadAll(r.Body)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := string(again), string(b); have != want {
		t.Errorf("have %q, want %q", have, want)
	}
}
