package syncagent

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestHTTPClientRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		if call == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		if r.URL.Path != "/v1/novels" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"novels":[{"title":"Dawn","author":"alice","chapterCount":2}]}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, server.Client())
	novels, err := client.ListNovels(context.Background())
	if err != nil {
		t.Fatalf("expected retry to recover from transient 503, got error: %v", err)
	}
	if len(novels) != 1 || novels[0].Title != "Dawn" || novels[0].ChapterCount != 2 {
		t.Fatalf("unexpected novels: %+v", novels)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", atomic.LoadInt32(&calls))
	}
}

func TestHTTPClientListNovelsEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("X-Correlation-Id"), "agent_") {
			t.Errorf("expected correlation id header, got %q", r.Header.Get("X-Correlation-Id"))
		}
		_, _ = w.Write([]byte(`{"novels":null}`))
	}))
	defer server.Close()

	novels, err := NewHTTPClient(server.URL, server.Client()).ListNovels(context.Background())
	if err != nil {
		t.Fatalf("list novels failed: %v", err)
	}
	if novels == nil || len(novels) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", novels)
	}
}

func TestHTTPClientSurfacesErrorPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"not_found","message":"no such route"}`))
	}))
	defer server.Close()

	_, err := NewHTTPClient(server.URL, server.Client()).ListNovels(context.Background())
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.StatusCode != http.StatusNotFound || httpErr.Code != "not_found" {
		t.Fatalf("unexpected error: %+v", httpErr)
	}
}

func TestHTTPClientHealthDoesNotRetry(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.URL.Path != "/health" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, server.Client())
	if err := client.Health(context.Background()); err == nil {
		t.Fatalf("expected health failure")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single health probe, got %d", calls)
	}
}

func TestHTTPClientRequestFullSync(t *testing.T) {
	var method, path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	if err := NewHTTPClient(server.URL, server.Client()).RequestFullSync(context.Background()); err != nil {
		t.Fatalf("request full sync failed: %v", err)
	}
	if method != http.MethodPost || path != "/v1/sync/full" {
		t.Fatalf("unexpected request %s %s", method, path)
	}
}

func TestHTTPClientEventsURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8080":   "ws://localhost:8080/v1/events",
		"https://novels.example/": "wss://novels.example/v1/events",
		"":                        "ws://127.0.0.1:8080/v1/events",
	}
	for base, want := range cases {
		got, err := NewHTTPClient(base, nil).EventsURL()
		if err != nil {
			t.Fatalf("events url for %q: %v", base, err)
		}
		if got != want {
			t.Fatalf("events url for %q: expected %s, got %s", base, want, got)
		}
	}
}

func TestRetryDelayRespectsRetryAfterAndCap(t *testing.T) {
	client := NewHTTPClient("http://localhost", nil)
	if got := client.retryDelay(1, "1"); got != time.Second {
		t.Fatalf("expected Retry-After of 1s, got %s", got)
	}
	if got := client.retryDelay(1, "120"); got != client.maxDelay {
		t.Fatalf("expected Retry-After to be capped at %s, got %s", client.maxDelay, got)
	}
	if got := client.retryDelay(10, ""); got != client.maxDelay {
		t.Fatalf("expected exponential delay to be capped at %s, got %s", client.maxDelay, got)
	}
	if got := client.retryDelay(2, ""); got != 2*client.baseDelay {
		t.Fatalf("expected doubled base delay, got %s", got)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter(""); got != 0 {
		t.Fatalf("expected zero for empty header, got %s", got)
	}
	if got := parseRetryAfter("3"); got != 3*time.Second {
		t.Fatalf("expected 3s, got %s", got)
	}
	if got := parseRetryAfter("soon"); got != 0 {
		t.Fatalf("expected zero for garbage, got %s", got)
	}
	future := time.Now().Add(time.Minute).UTC().Format(time.RFC1123)
	if got := parseRetryAfter(future); got <= 0 || got > time.Minute {
		t.Fatalf("expected delay within a minute, got %s", got)
	}
}

func TestWaitWithContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := waitWithContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
