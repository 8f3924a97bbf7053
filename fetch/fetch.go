/*
Package fetch is the remote fetch layer: it issues HTTP requests against one
or more mirrored base URLs, sharding by path hash, with context cancellation,
a bounded retry for transient gateway failures, and a credential
refresh-and-retry state machine for authenticated backends.  gs:// mirrors
are read through the portable blob API.
*/
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/janelia-flyem/ngstream/ngstream"
)

var (
	// ErrCancelled marks a fetch that was cancelled via its context.  Not a
	// failure: the manager retires bookkeeping silently.
	ErrCancelled = errors.New("fetch cancelled")

	// ErrNotFound marks a chunk that does not exist on the server, e.g., an
	// empty region of a sparse volume.
	ErrNotFound = errors.New("not found")
)

// AuthError is returned on HTTP 401/403 responses.  The credentialed fetcher
// branches on it to trigger a single refresh-and-retry.
type AuthError struct {
	StatusCode int
	URL        string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth failure (status %d) on %s", e.StatusCode, e.URL)
}

// TransientError marks retryable conditions like HTTP 504.
type TransientError struct {
	StatusCode int
	URL        string
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure (status %d) on %s", e.StatusCode, e.URL)
}

const (
	// DefaultTimeout bounds any single remote request.
	DefaultTimeout = 60 * time.Second

	// transientRetryDelay is the pause before the single retry of a 504.
	transientRetryDelay = 250 * time.Millisecond
)

// Fetcher issues requests to mirrored base URLs.  A Fetcher holds no mutable
// per-request state and is safe for concurrent use.
type Fetcher struct {
	client  *http.Client
	buckets *bucketCache
}

// NewFetcher returns a Fetcher with the given request timeout, or
// DefaultTimeout if zero.
func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Fetcher{
		client:  &http.Client{Timeout: timeout},
		buckets: newBucketCache(),
	}
}

// Shard picks the mirror serving a given path.  The choice is a pure function
// of the path so repeated requests for a chunk go to the same mirror.
func Shard(mirrors []string, path string) string {
	if len(mirrors) == 1 {
		return mirrors[0]
	}
	return mirrors[xxhash.Sum64String(path)%uint64(len(mirrors))]
}

// Fetch retrieves path from one of the mirror base URLs, chosen by hashing
// the path.  A 504 response is retried once; there is no automatic retry
// across mirrors.
func (f *Fetcher) Fetch(ctx context.Context, mirrors []string, path string) ([]byte, error) {
	return f.fetch(ctx, mirrors, path, "")
}

// FetchRange retrieves size bytes at offset, used by sharded formats.
func (f *Fetcher) FetchRange(ctx context.Context, mirrors []string, path string, offset, size uint64) ([]byte, error) {
	return f.fetchRange(ctx, mirrors, path, offset, size, "")
}

func (f *Fetcher) fetchRange(ctx context.Context, mirrors []string, path string, offset, size uint64, token string) ([]byte, error) {
	if len(mirrors) == 0 {
		return nil, fmt.Errorf("no mirrors given for path %q", path)
	}
	mirror := Shard(mirrors, path)
	if strings.HasPrefix(mirror, "gs://") {
		return f.blobReadRange(ctx, mirror, path, offset, size)
	}
	rangeHdr := fmt.Sprintf("bytes=%d-%d", offset, offset+size-1)
	return f.httpGet(ctx, mirror, path, token, rangeHdr)
}

func (f *Fetcher) fetch(ctx context.Context, mirrors []string, path, token string) ([]byte, error) {
	if len(mirrors) == 0 {
		return nil, fmt.Errorf("no mirrors given for path %q", path)
	}
	mirror := Shard(mirrors, path)
	if strings.HasPrefix(mirror, "gs://") {
		return f.blobRead(ctx, mirror, path)
	}
	return f.httpGet(ctx, mirror, path, token, "")
}

func (f *Fetcher) httpGet(ctx context.Context, mirror, path, token, rangeHdr string) ([]byte, error) {
	url := strings.TrimSuffix(mirror, "/") + "/" + strings.TrimPrefix(path, "/")
	data, err := f.doGet(ctx, url, token, rangeHdr)
	var transient *TransientError
	if errors.As(err, &transient) {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		case <-time.After(transientRetryDelay):
		}
		ngstream.Debugf("retrying after transient failure: %v\n", err)
		data, err = f.doGet(ctx, url, token, rangeHdr)
	}
	return data, err
}

func (f *Fetcher) doGet(ctx context.Context, url, token, rangeHdr string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if token != "" && strings.HasPrefix(url, "https://") {
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Access-Control-Allow-Origin", "*")
	}
	if rangeHdr != "" {
		req.Header.Set("Range", rangeHdr)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent:
		// fall through to body read
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, url)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &AuthError{StatusCode: resp.StatusCode, URL: url}
	case resp.StatusCode == http.StatusGatewayTimeout:
		return nil, &TransientError{StatusCode: resp.StatusCode, URL: url}
	default:
		return nil, fmt.Errorf("unexpected status code %d on GET %s", resp.StatusCode, url)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
		return nil, fmt.Errorf("reading response body of %s: %v", url, err)
	}
	BytesRead <- len(data)
	return data, nil
}

// Credentialed wraps a Fetcher with the retry state machine for one
// credentials object: a 401/403 marks the credentials needing refresh,
// refreshes once under single-flight, and retries once with the new token.
// A second consecutive auth failure is terminal.
type Credentialed struct {
	fetcher *Fetcher
	creds   *Credentials
}

// NewCredentialed composes a plain fetcher with a credentials object.
func NewCredentialed(fetcher *Fetcher, creds *Credentials) *Credentialed {
	return &Credentialed{fetcher: fetcher, creds: creds}
}

// Fetch retrieves path, attaching a bearer token for https targets and
// refreshing the token once on an auth failure.
func (cf *Credentialed) Fetch(ctx context.Context, mirrors []string, path string) ([]byte, error) {
	token, err := cf.creds.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting credentials %q: %v", cf.creds.Key(), err)
	}
	data, err := cf.fetcher.fetch(ctx, mirrors, path, token)
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		return data, err
	}

	// At most one refresh-retry per request.
	cf.creds.MarkNeedsRefresh()
	token, err = cf.creds.Refresh(ctx)
	if err != nil {
		return nil, fmt.Errorf("credential refresh for %q: %v", cf.creds.Key(), err)
	}
	return cf.fetcher.fetch(ctx, mirrors, path, token)
}

// FetchRange retrieves size bytes at offset with the same token attachment
// and refresh-retry as Fetch, so shard index and data reads of a
// credentialed dataset stay authenticated.
func (cf *Credentialed) FetchRange(ctx context.Context, mirrors []string, path string, offset, size uint64) ([]byte, error) {
	token, err := cf.creds.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting credentials %q: %v", cf.creds.Key(), err)
	}
	data, err := cf.fetcher.fetchRange(ctx, mirrors, path, offset, size, token)
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		return data, err
	}

	cf.creds.MarkNeedsRefresh()
	token, err = cf.creds.Refresh(ctx)
	if err != nil {
		return nil, fmt.Errorf("credential refresh for %q: %v", cf.creds.Key(), err)
	}
	return cf.fetcher.fetchRange(ctx, mirrors, path, offset, size, token)
}
