package deployutil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestPush_Success(t *testing.T) {
	var gotContentType, gotRequestID, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotRequestID = r.Header.Get("X-Request-Id")
		gotHeader = r.Header.Get("X-API-KEY")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClient()
	err := c.Push(context.Background(), "PUT", srv.URL, "application/json", `{}`,
		map[string]string{"X-API-KEY": "k"})
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if gotContentType != "application/json" {
		t.Fatalf("unexpected content type: %s", gotContentType)
	}
	if gotRequestID == "" {
		t.Fatal("expected a correlation id on the request")
	}
	if gotHeader != "k" {
		t.Fatalf("extra header not forwarded: %q", gotHeader)
	}
}

func TestPush_ClientErrorIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "schema violation", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient()
	err := c.Push(context.Background(), "POST", srv.URL, "application/json", `{}`, nil)
	if err == nil {
		t.Fatal("expected error for 400 response")
	}
	if !strings.Contains(err.Error(), "400") || !strings.Contains(err.Error(), "schema violation") {
		t.Fatalf("error should carry status and body: %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("client errors must not be retried, got %d attempts", n)
	}
}

func TestPush_ServerErrorIsRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient()
	err := c.Push(context.Background(), "POST", srv.URL, "application/json", `{}`, nil)
	if err != nil {
		t.Fatalf("Push should succeed after retries: %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
}

func TestPush_ContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := NewClient()
	if err := c.Push(ctx, "POST", srv.URL, "application/json", `{}`, nil); err == nil {
		t.Fatal("expected error once the context expires")
	}
}
