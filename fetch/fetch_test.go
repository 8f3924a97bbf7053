package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestShardDeterminism(t *testing.T) {
	mirrors := []string{"http://a", "http://b", "http://c"}
	first := Shard(mirrors, "scale0/0-64_0-64_0-64")
	for i := 0; i < 10; i++ {
		if got := Shard(mirrors, "scale0/0-64_0-64_0-64"); got != first {
			t.Fatalf("shard choice changed between calls: %q then %q", first, got)
		}
	}

	// Different paths should spread across mirrors eventually.
	seen := make(map[string]bool)
	paths := []string{"a/1", "b/2", "c/3", "d/4", "e/5", "f/6", "g/7", "h/8"}
	for _, path := range paths {
		seen[Shard(mirrors, path)] = true
	}
	if len(seen) < 2 {
		t.Errorf("8 paths all sharded to one mirror")
	}
}

func TestFetchOK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/scale0/chunk" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Write([]byte("payload"))
	}))
	defer ts.Close()

	f := NewFetcher(5 * time.Second)
	data, err := f.Fetch(context.Background(), []string{ts.URL}, "scale0/chunk")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("got %q", string(data))
	}
}

func TestFetch504RetriedOnce(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusGatewayTimeout)
			return
		}
		w.Write([]byte("recovered"))
	}))
	defer ts.Close()

	f := NewFetcher(5 * time.Second)
	data, err := f.Fetch(context.Background(), []string{ts.URL}, "chunk")
	if err != nil {
		t.Fatalf("fetch after 504 failed: %v", err)
	}
	if string(data) != "recovered" {
		t.Errorf("got %q", string(data))
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("server saw %d calls, expected 2", n)
	}
}

func TestFetch504Persistent(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGatewayTimeout)
	}))
	defer ts.Close()

	f := NewFetcher(5 * time.Second)
	_, err := f.Fetch(context.Background(), []string{ts.URL}, "chunk")
	var transient *TransientError
	if !errors.As(err, &transient) {
		t.Fatalf("got %v, expected TransientError after exhausting the bounded retry", err)
	}
}

func TestFetchNotFound(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()

	f := NewFetcher(5 * time.Second)
	_, err := f.Fetch(context.Background(), []string{ts.URL}, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, expected ErrNotFound", err)
	}
}

func TestFetchCancellation(t *testing.T) {
	started := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer ts.Close()

	f := NewFetcher(5 * time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.Fetch(ctx, []string{ts.URL}, "slow")
		done <- err
	}()
	<-started
	cancel()

	// The promise settles: a cancelled fetch resolves, never dangles.
	select {
	case err := <-done:
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("got %v, expected ErrCancelled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled fetch never settled")
	}
}

func TestFetchRange(t *testing.T) {
	content := []byte("0123456789abcdef")
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Range"); got != "bytes=4-7" {
			t.Errorf("range header = %q, expected bytes=4-7", got)
		}
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content[4:8])
	}))
	defer ts.Close()

	f := NewFetcher(5 * time.Second)
	data, err := f.FetchRange(context.Background(), []string{ts.URL}, "shard", 4, 4)
	if err != nil {
		t.Fatalf("range fetch failed: %v", err)
	}
	if string(data) != "4567" {
		t.Errorf("got %q, expected 4567", string(data))
	}
}

func TestResolveSourceURL(t *testing.T) {
	base, params, err := ResolveSourceURL("https://example.org/data/vol?token=abc&user=me&kind=jwt&other=keep")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if params.Token != "abc" || params.User != "me" || params.Kind != "jwt" || params.Auth != "" {
		t.Errorf("parsed params %+v", params)
	}
	if base != "https://example.org/data/vol?other=keep" {
		t.Errorf("stripped URL = %q", base)
	}
}
