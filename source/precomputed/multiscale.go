package precomputed

import (
	"context"
	"fmt"

	"github.com/janelia-flyem/ngstream/fetch"
	"github.com/janelia-flyem/ngstream/ngstream"
	"github.com/janelia-flyem/ngstream/source"
)

// Register adds the precomputed backend to a source registry so dataset URLs
// of the form "precomputed://..." resolve here.
func Register(r *source.Registry) error {
	return r.Register("precomputed", "Neuroglancer precomputed", "0.1.0", Open)
}

// Volume is one precomputed multiscale dataset: the parsed info plus chunk
// sources for every (scale, chunk size) combination, and any linked mesh and
// skeleton collections.
type Volume struct {
	mirrors  []string
	vol      *ngVolume
	sources  [][]source.ChunkSource
	mesh     source.MeshSource
	skeleton source.SkeletonSource
}

// Open fetches, validates, and parses the dataset info and constructs the
// per-level chunk sources.  The info fetch is memoized through the metadata
// cache so concurrent opens of the same dataset share one parse.
func Open(ctx context.Context, spec source.Spec, deps *source.Deps) (source.MultiscaleSource, error) {
	g, err := resolveGetter(spec, deps)
	if err != nil {
		return nil, err
	}

	key := source.CacheKey(append(append([]string{}, spec.Mirrors...), spec.Auth.CredentialsKey)...)
	var infoCache *source.InfoCache
	if deps != nil {
		infoCache = deps.InfoCache
	}
	data, err := infoCache.GetOrFetch(key, func() ([]byte, error) {
		return g.Fetch(ctx, spec.Mirrors, "info")
	})
	if err != nil {
		return nil, fmt.Errorf("reading precomputed info @ %q: %v", spec.Mirrors, err)
	}
	vol, err := parseInfo(data)
	if err != nil {
		return nil, err
	}

	v := &Volume{mirrors: spec.Mirrors, vol: vol}
	for level := range vol.Scales {
		scale := &vol.Scales[level]
		alternatives := make([]source.ChunkSource, 0, len(scale.ChunkSizes))
		for _, chunkSize := range scale.ChunkSizes {
			var src source.ChunkSource
			if scale.Sharding != nil {
				src, err = newShardedSource(level, spec.Mirrors, vol, scale, chunkSize, g)
			} else {
				src, err = newVolumeSource(level, spec.Mirrors, vol, scale, chunkSize, g)
			}
			if err != nil {
				return nil, fmt.Errorf("scale %d (%q): %v", level, scale.Key, err)
			}
			alternatives = append(alternatives, src)
		}
		v.sources = append(v.sources, alternatives)
	}
	if vol.MeshDir != "" {
		v.mesh = newMeshSource(spec.Mirrors, vol.MeshDir, g)
	}
	if vol.SkelDir != "" {
		v.skeleton = newSkeletonSource(spec.Mirrors, vol.SkelDir, g)
	}
	ngstream.Infof("Opened precomputed %s volume (%s), %d scales @ %q\n",
		vol.VolumeType, vol.DataType, len(vol.Scales), spec.Mirrors)
	return v, nil
}

// resolveGetter picks the plain or credentialed fetcher depending on whether
// the dataset spec names registered credentials.
func resolveGetter(spec source.Spec, deps *source.Deps) (getter, error) {
	if deps == nil || deps.Fetcher == nil {
		return nil, fmt.Errorf("no fetcher wired for precomputed dataset @ %q", spec.Mirrors)
	}
	if spec.Auth.CredentialsKey == "" {
		return deps.Fetcher, nil
	}
	if deps.Credentials == nil {
		return nil, fmt.Errorf("dataset @ %q names credentials %q but no registry is wired",
			spec.Mirrors, spec.Auth.CredentialsKey)
	}
	creds := deps.Credentials.Get(spec.Auth.CredentialsKey)
	if creds == nil {
		return nil, fmt.Errorf("no credentials registered under key %q", spec.Auth.CredentialsKey)
	}
	return fetch.NewCredentialed(deps.Fetcher, creds), nil
}

// Sources returns per-level chunk sources, finest first, matching the
// precomputed scales array order.
func (v *Volume) Sources() [][]source.ChunkSource {
	return v.sources
}

func (v *Volume) Scales() []source.Scale {
	scales := make([]source.Scale, len(v.vol.Scales))
	for n, s := range v.vol.Scales {
		scales[n] = source.Scale{
			Key:        s.Key,
			Resolution: s.Resolution,
			Extents:    s.extents,
			ChunkSizes: s.ChunkSizes,
			Encoding:   s.encoding,
		}
	}
	return scales
}

func (v *Volume) DataType() ngstream.DataType {
	return v.vol.dataType
}

func (v *Volume) Mesh() source.MeshSource {
	return v.mesh
}

func (v *Volume) Skeleton() source.SkeletonSource {
	return v.skeleton
}
