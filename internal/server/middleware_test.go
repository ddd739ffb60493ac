package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ashita-ai/kiseki/internal/model"
)

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := requestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	// A client-supplied ID is kept.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", "abc")
	handler.ServeHTTP(rec, req)
	if seen != "abc" || rec.Header().Get("X-Request-ID") != "abc" {
		t.Errorf("got context %q header %q, want abc", seen, rec.Header().Get("X-Request-ID"))
	}

	// An oversized ID is replaced.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("x", 200))
	handler.ServeHTTP(rec, req)
	if len(seen) != 36 {
		t.Errorf("expected a generated UUID, got %q", seen)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := requestIDMiddleware(recoveryMiddleware(testLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/runs/x", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("got status %d, want 500", rec.Code)
	}
	var body model.APIError
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != model.ErrCodeInternalError {
		t.Errorf("got code %q", body.Error.Code)
	}
	if body.Meta.RequestID == "" {
		t.Error("error envelope should carry the request ID")
	}
}

func TestStatusWriterSupportsFlush(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec, statusCode: http.StatusOK}
	var w http.ResponseWriter = sw
	if _, ok := w.(http.Flusher); !ok {
		t.Fatal("statusWriter must implement http.Flusher")
	}
	sw.WriteHeader(http.StatusTeapot)
	sw.Flush()
	if sw.statusCode != http.StatusTeapot || !rec.Flushed {
		t.Errorf("status %d flushed %v", sw.statusCode, rec.Flushed)
	}
	if _, _, err := sw.Hijack(); err == nil {
		t.Error("recorder cannot be hijacked")
	}
}

func TestDecodeJSONLimits(t *testing.T) {
	var target model.RunRequest

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"prompt":"`+strings.Repeat("a", 100)+`"}`))
	if err := decodeJSON(rec, req, &target, 16); err == nil {
		t.Error("expected an error for an oversized body")
	}

	req = httptest.NewRequest("POST", "/", strings.NewReader(`{"prompt":"hi","extra":true}`))
	if err := decodeJSON(rec, req, &target, 0); err == nil {
		t.Error("expected an error for an unknown field")
	}

	req = httptest.NewRequest("POST", "/", strings.NewReader(`{"prompt":"hi"}`))
	if err := decodeJSON(rec, req, &target, 0); err != nil || target.Prompt != "hi" {
		t.Errorf("decode: %v, prompt %q", err, target.Prompt)
	}
}

func TestSecurityHeaders(t *testing.T) {
	handler := securityHeadersMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "no-referrer",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}
