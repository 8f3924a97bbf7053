/*
	This file manages bearer credentials shared across the chunk sources of
	one auth server: token sources, a single-flight refresh so concurrent
	401s trigger only one refresh, and JWT expiry introspection so refresh
	can pre-empt a 401.
*/

package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// Validity is the lifecycle state of a credentials object, driven by
// 401/403 responses.
type Validity uint8

const (
	Valid Validity = iota
	NeedsRefresh
	Invalid
)

// TokenSource produces bearer tokens.  Implementations must be safe for
// concurrent use.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed token, e.g., parsed from a token= query parameter.
type StaticToken string

func (s StaticToken) Token(ctx context.Context) (string, error) {
	return string(s), nil
}

// EnvFileToken reads the token from a file whose path is given by an
// environment variable, re-reading on each refresh so rotated tokens are
// picked up.
type EnvFileToken string

func (e EnvFileToken) Token(ctx context.Context) (string, error) {
	path := os.Getenv(string(e))
	if path == "" {
		return "", fmt.Errorf("environment variable %q not set for token file", string(e))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("can't load token file (%s): %v", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// OAuth2Source adapts an oauth2.TokenSource.
type OAuth2Source struct {
	Source oauth2.TokenSource
}

func (o OAuth2Source) Token(ctx context.Context) (string, error) {
	tok, err := o.Source.Token()
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// Credentials is an opaque bearer token tied to a credentials key and auth
// server.  It is shared by all chunk sources of that auth server and
// refreshed under a single-flight rule.
type Credentials struct {
	key        string
	authServer string
	source     TokenSource

	mu       sync.Mutex
	token    string
	expiry   time.Time // zero if the token carries no exp claim
	validity Validity

	sf singleflight.Group
}

// NewCredentials returns credentials for the given key and auth server
// backed by the token source.
func NewCredentials(key, authServer string, source TokenSource) *Credentials {
	return &Credentials{key: key, authServer: authServer, source: source}
}

func (c *Credentials) Key() string {
	return c.key
}

func (c *Credentials) AuthServer() string {
	return c.authServer
}

// Token returns the current token, refreshing first if the token is marked
// needing refresh or its JWT exp claim has passed.
func (c *Credentials) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	token := c.token
	validity := c.validity
	expired := !c.expiry.IsZero() && time.Now().After(c.expiry)
	c.mu.Unlock()

	if token != "" && validity == Valid && !expired {
		return token, nil
	}
	return c.Refresh(ctx)
}

// MarkNeedsRefresh records an auth failure so the next Token call refreshes.
func (c *Credentials) MarkNeedsRefresh() {
	c.mu.Lock()
	if c.validity == Valid {
		c.validity = NeedsRefresh
	}
	c.mu.Unlock()
}

// Refresh obtains a new token from the token source.  Concurrent callers
// share one underlying refresh and all receive its result.
func (c *Credentials) Refresh(ctx context.Context) (string, error) {
	v, err, _ := c.sf.Do("refresh", func() (interface{}, error) {
		token, err := c.source.Token(ctx)
		c.mu.Lock()
		defer c.mu.Unlock()
		if err != nil {
			c.validity = Invalid
			return "", err
		}
		c.token = token
		c.validity = Valid
		c.expiry = time.Time{}
		if expiry, ok := jwtExpiry(token); ok {
			c.expiry = expiry
		}
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// jwtExpiry inspects a bearer token that happens to be a JWT and returns its
// exp claim.  The signature is not verified; only the server can do that.
func jwtExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	switch exp := claims["exp"].(type) {
	case float64:
		return time.Unix(int64(exp), 0), true
	case json.Number:
		secs, err := exp.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return time.Unix(secs, 0), true
	}
	return time.Time{}, false
}

// Registry holds the credentials objects constructed at startup, passed by
// reference to the sources that need them.
type Registry struct {
	mu    sync.RWMutex
	creds map[string]*Credentials
}

func NewRegistry() *Registry {
	return &Registry{creds: make(map[string]*Credentials)}
}

// Add registers credentials under their key.
func (r *Registry) Add(c *Credentials) {
	r.mu.Lock()
	r.creds[c.Key()] = c
	r.mu.Unlock()
}

// Get returns the credentials for a key, or nil if none registered.
func (r *Registry) Get(key string) *Credentials {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.creds[key]
}

// AuthParams are the authentication query parameters parsed once from a
// source URL at resolution time.
type AuthParams struct {
	Token string
	Auth  string
	User  string
	Kind  string
}

// ResolveSourceURL splits off the auth query parameters (token=, auth=,
// user=, kind=) from a source URL, returning the stripped URL and the
// captured parameters.
func ResolveSourceURL(rawurl string) (string, AuthParams, error) {
	var params AuthParams
	u, err := url.Parse(rawurl)
	if err != nil {
		return "", params, fmt.Errorf("can't parse source URL %q: %v", rawurl, err)
	}
	q := u.Query()
	params.Token = q.Get("token")
	params.Auth = q.Get("auth")
	params.User = q.Get("user")
	params.Kind = q.Get("kind")
	for _, key := range []string{"token", "auth", "user", "kind"} {
		q.Del(key)
	}
	u.RawQuery = q.Encode()
	return u.String(), params, nil
}
