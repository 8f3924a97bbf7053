package fetch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// gateSource blocks token production until the gate is released, counting
// how many underlying token calls were made.
type gateSource struct {
	gate  chan struct{}
	calls int32
	fail  bool
}

func (g *gateSource) Token(ctx context.Context) (string, error) {
	<-g.gate
	atomic.AddInt32(&g.calls, 1)
	if g.fail {
		return "", fmt.Errorf("auth server rejected refresh")
	}
	return "fresh-token", nil
}

// TestAuthRefreshSingleFlight exercises P5: five concurrent requests all
// receiving 401 must trigger exactly one credential refresh, after which all
// five succeed.
func TestAuthRefreshSingleFlight(t *testing.T) {
	const concurrent = 5
	var authFailures int32
	var refreshed int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&refreshed) == 0 {
			atomic.AddInt32(&authFailures, 1)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte("granted"))
	}))
	defer ts.Close()

	source := &gateSource{gate: make(chan struct{})}
	creds := NewCredentials("testcreds", ts.URL, source)
	// Seed a token so the initial requests go out without refreshing.
	creds.mu.Lock()
	creds.token = "stale-token"
	creds.mu.Unlock()

	cf := NewCredentialed(NewFetcher(5*time.Second), creds)

	var wg sync.WaitGroup
	errs := make([]error, concurrent)
	for i := 0; i < concurrent; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = cf.Fetch(context.Background(), []string{ts.URL}, "chunk")
		}(i)
	}

	// Release the refresh gate only after all five requests have failed auth,
	// so all five are waiting on the same single-flight refresh.
	deadline := time.Now().Add(5 * time.Second)
	for atomic.LoadInt32(&authFailures) < concurrent {
		if time.Now().After(deadline) {
			t.Fatalf("only %d auth failures before deadline", atomic.LoadInt32(&authFailures))
		}
		time.Sleep(time.Millisecond)
	}
	atomic.StoreInt32(&refreshed, 1)
	close(source.gate)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("request %d failed after refresh: %v", i, err)
		}
	}
	if n := atomic.LoadInt32(&source.calls); n != 1 {
		t.Errorf("%d refresh calls issued, expected exactly 1", n)
	}
}

func TestAuthRefreshFailureIsShared(t *testing.T) {
	const concurrent = 5
	var authFailures int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&authFailures, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	source := &gateSource{gate: make(chan struct{}), fail: true}
	creds := NewCredentials("testcreds", ts.URL, source)
	creds.mu.Lock()
	creds.token = "stale-token"
	creds.mu.Unlock()

	cf := NewCredentialed(NewFetcher(5*time.Second), creds)

	var wg sync.WaitGroup
	errs := make([]error, concurrent)
	for i := 0; i < concurrent; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = cf.Fetch(context.Background(), []string{ts.URL}, "chunk")
		}(i)
	}
	deadline := time.Now().Add(5 * time.Second)
	for atomic.LoadInt32(&authFailures) < concurrent {
		if time.Now().After(deadline) {
			t.Fatalf("only %d auth failures before deadline", atomic.LoadInt32(&authFailures))
		}
		time.Sleep(time.Millisecond)
	}
	close(source.gate)
	wg.Wait()

	// All five fail together when the shared refresh fails.
	for i, err := range errs {
		if err == nil {
			t.Errorf("request %d unexpectedly succeeded", i)
		}
	}
	if n := atomic.LoadInt32(&source.calls); n != 1 {
		t.Errorf("%d refresh calls issued, expected exactly 1", n)
	}
}

func TestSecondAuthFailureIsTerminal(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer ts.Close()

	source := &gateSource{gate: make(chan struct{})}
	close(source.gate)
	creds := NewCredentials("testcreds", ts.URL, source)
	cf := NewCredentialed(NewFetcher(5*time.Second), creds)

	_, err := cf.Fetch(context.Background(), []string{ts.URL}, "chunk")
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("got %v, expected terminal AuthError after one refresh-retry", err)
	}
	// Initial token fetch plus exactly one refresh-retry.
	if n := atomic.LoadInt32(&source.calls); n != 2 {
		t.Errorf("%d token calls issued, expected 2", n)
	}
}

// TestRangedFetchRefreshesAuth checks that ranged reads carry the same
// credential refresh-and-retry behavior as whole-object reads.
func TestRangedFetchRefreshesAuth(t *testing.T) {
	var requests int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requests, 1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if got := r.Header.Get("Range"); got != "bytes=16-31" {
			t.Errorf("range header = %q", got)
		}
		w.WriteHeader(http.StatusPartialContent)
		w.Write(make([]byte, 16))
	}))
	defer ts.Close()

	source := &gateSource{gate: make(chan struct{})}
	close(source.gate)
	creds := NewCredentials("testcreds", ts.URL, source)
	creds.mu.Lock()
	creds.token = "stale-token"
	creds.mu.Unlock()
	cf := NewCredentialed(NewFetcher(5*time.Second), creds)

	data, err := cf.FetchRange(context.Background(), []string{ts.URL}, "shard", 16, 16)
	if err != nil {
		t.Fatalf("ranged fetch failed after refresh: %v", err)
	}
	if len(data) != 16 {
		t.Errorf("got %d bytes, expected 16", len(data))
	}
	if n := atomic.LoadInt32(&source.calls); n != 1 {
		t.Errorf("%d refresh calls, expected exactly 1", n)
	}
	if n := atomic.LoadInt32(&requests); n != 2 {
		t.Errorf("%d requests, expected the 401 plus one retry", n)
	}
}

// makeJWT builds an unsigned JWT with the given claims, enough for the
// unverified expiry introspection.
func makeJWT(t *testing.T, claims map[string]interface{}) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + "."
}

func TestJWTExpiryIntrospection(t *testing.T) {
	expiry := time.Now().Add(time.Hour).Truncate(time.Second)
	got, ok := jwtExpiry(makeJWT(t, map[string]interface{}{"exp": expiry.Unix()}))
	if !ok {
		t.Fatal("exp claim not found")
	}
	if !got.Equal(expiry) {
		t.Errorf("expiry = %s, expected %s", got, expiry)
	}
	if _, ok := jwtExpiry(makeJWT(t, map[string]interface{}{"sub": "user"})); ok {
		t.Error("token without exp claim reported an expiry")
	}
	if _, ok := jwtExpiry("opaque-token"); ok {
		t.Error("non-JWT token reported an expiry")
	}
}

// jwtTokenSource hands out the same JWT on every call, counting calls.
type jwtTokenSource struct {
	token string
	calls int32
}

func (s *jwtTokenSource) Token(ctx context.Context) (string, error) {
	atomic.AddInt32(&s.calls, 1)
	return s.token, nil
}

// TestExpiredJWTForcesRefresh checks that a cached token whose exp claim has
// passed is never served: each Token call refreshes.
func TestExpiredJWTForcesRefresh(t *testing.T) {
	expired := makeJWT(t, map[string]interface{}{"exp": time.Now().Add(-time.Minute).Unix()})
	source := &jwtTokenSource{token: expired}
	creds := NewCredentials("k", "https://auth.example.org", source)

	if _, err := creds.Token(context.Background()); err != nil {
		t.Fatalf("token failed: %v", err)
	}
	if _, err := creds.Token(context.Background()); err != nil {
		t.Fatalf("token failed: %v", err)
	}
	if n := atomic.LoadInt32(&source.calls); n != 2 {
		t.Errorf("%d token calls, expected a refresh per request", n)
	}
}

func TestCredentialsValidityLifecycle(t *testing.T) {
	source := &gateSource{gate: make(chan struct{})}
	close(source.gate)
	creds := NewCredentials("k", "https://auth.example.org", source)

	token, err := creds.Token(context.Background())
	if err != nil {
		t.Fatalf("token failed: %v", err)
	}
	if token != "fresh-token" {
		t.Errorf("token = %q", token)
	}
	if n := atomic.LoadInt32(&source.calls); n != 1 {
		t.Fatalf("expected 1 token call, got %d", n)
	}

	// A valid cached token is reused.
	if _, err := creds.Token(context.Background()); err != nil {
		t.Fatalf("cached token failed: %v", err)
	}
	if n := atomic.LoadInt32(&source.calls); n != 1 {
		t.Errorf("cached token triggered %d calls, expected 1", n)
	}

	// Marking needs-refresh forces a new token.
	creds.MarkNeedsRefresh()
	if _, err := creds.Token(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if n := atomic.LoadInt32(&source.calls); n != 2 {
		t.Errorf("needs-refresh triggered %d calls, expected 2", n)
	}
}
