package source

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/blang/semver"

	"github.com/janelia-flyem/ngstream/fetch"
	"github.com/janelia-flyem/ngstream/ngstream"
)

// Opener constructs a multiscale source for one dataset spec.
type Opener func(ctx context.Context, spec Spec, deps *Deps) (MultiscaleSource, error)

// Spec identifies one dataset: the mirror base URLs (already stripped of
// auth query parameters), the captured auth parameters, and an optional
// dataset name within the server, e.g., a DVID data instance.
type Spec struct {
	Mirrors []string
	Dataset string
	Auth    AuthSpec
}

// AuthSpec carries the auth query parameters captured at source-URL
// resolution plus the key under which shared credentials are registered.
type AuthSpec struct {
	Params         fetch.AuthParams
	CredentialsKey string
}

type backend struct {
	name    string
	desc    string
	version semver.Version
	opener  Opener
}

func (b backend) String() string {
	return fmt.Sprintf("%s [%s]", b.name, b.version)
}

// Registry maps backend names to openers.  It is constructed at startup and
// passed down to whoever opens datasets; there is no process-global state.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]backend
}

func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]backend)}
}

// Register adds a backend under its scheme name, e.g., "precomputed" or
// "dvid".  The version string must be valid semver.
func (r *Registry) Register(name, desc, version string, opener Opener) error {
	ver, err := semver.Make(version)
	if err != nil {
		return fmt.Errorf("bad semver %q for backend %q: %v", version, name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, found := r.backends[name]; found {
		return fmt.Errorf("backend %q already registered", name)
	}
	r.backends[name] = backend{name: name, desc: desc, version: ver, opener: opener}
	return nil
}

// Compatible returns an error unless the named backend's version satisfies
// the given semver range, e.g., ">=0.1.0 <1.0.0".
func (r *Registry) Compatible(name, rangeSpec string) error {
	r.mu.RLock()
	b, found := r.backends[name]
	r.mu.RUnlock()
	if !found {
		return fmt.Errorf("no backend registered under %q", name)
	}
	vrange, err := semver.ParseRange(rangeSpec)
	if err != nil {
		return fmt.Errorf("bad semver range %q: %v", rangeSpec, err)
	}
	if !vrange(b.version) {
		return fmt.Errorf("backend %q version %s does not satisfy %q", name, b.version, rangeSpec)
	}
	return nil
}

// Backends returns name -> version for all registered backends.
func (r *Registry) Backends() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.backends))
	for name, b := range r.backends {
		out[name] = b.version.String()
	}
	return out
}

// Open resolves a dataset URL of the form "backend://rest" and opens it
// through the matching backend.  Auth query parameters on the URL are
// captured into the spec before the backend sees it.
func (r *Registry) Open(ctx context.Context, rawurl string, deps *Deps) (MultiscaleSource, error) {
	name, rest, found := strings.Cut(rawurl, "://")
	if !found {
		return nil, fmt.Errorf("dataset URL %q has no backend scheme", rawurl)
	}
	r.mu.RLock()
	b, foundBackend := r.backends[name]
	r.mu.RUnlock()
	if !foundBackend {
		return nil, fmt.Errorf("no backend registered for scheme %q", name)
	}

	spec, err := resolveSpec(rest)
	if err != nil {
		return nil, err
	}
	ngstream.Infof("Opening %s dataset @ %q ...\n", b, spec.Mirrors)
	return b.opener(ctx, spec, deps)
}

// resolveSpec splits a dataset reference into mirrors and auth parameters.
// Multiple mirrors are separated by "|".
func resolveSpec(ref string) (Spec, error) {
	var spec Spec
	for _, mirror := range strings.Split(ref, "|") {
		if strings.HasPrefix(mirror, "gs://") {
			spec.Mirrors = append(spec.Mirrors, mirror)
			continue
		}
		stripped, params, err := fetch.ResolveSourceURL(mirror)
		if err != nil {
			return spec, err
		}
		if spec.Auth.Params == (fetch.AuthParams{}) && params != (fetch.AuthParams{}) {
			spec.Auth.Params = params
			if params.Auth != "" {
				spec.Auth.CredentialsKey = params.Auth
			} else if params.User != "" {
				spec.Auth.CredentialsKey = params.User
			}
		}
		spec.Mirrors = append(spec.Mirrors, stripped)
	}
	if len(spec.Mirrors) == 0 {
		return spec, fmt.Errorf("dataset reference %q has no mirrors", ref)
	}
	return spec, nil
}
