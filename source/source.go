/*
Package source defines the chunk source abstractions: a ChunkSource is one
(dataset, resolution level, encoding) combination that computes backend
paths, fetches raw payloads, and decodes them; a MultiscaleSource owns the
chunk sources across all resolution levels of one logical dataset.  Backends
register openers in a Registry constructed at startup.
*/
package source

import (
	"context"
	"sync/atomic"

	"github.com/janelia-flyem/ngstream/decode"
	"github.com/janelia-flyem/ngstream/fetch"
	"github.com/janelia-flyem/ngstream/ngstream"
)

// Scale describes one resolution level of a dataset: physical units per
// voxel per axis, voxel bounds, and the candidate chunk sizes the server
// offers at that level.
type Scale struct {
	Key        string
	Resolution ngstream.NdFloat32
	Extents    ngstream.Extents
	ChunkSizes []ngstream.Point3d
	Encoding   ngstream.Encoding
}

// ChunkSource is the polymorphic capability over one (dataset, level,
// encoding) combination.  Implementations hold a parameter struct and, when
// authenticated, a credential provider as fields; they keep no mutable state
// across calls.
type ChunkSource interface {
	ID() ngstream.SourceID
	Level() int
	Encoding() ngstream.Encoding
	DataType() ngstream.DataType
	ChunkSize() ngstream.Point3d
	Extents() ngstream.Extents

	// ComputePath returns the exact backend path for a chunk, a pure
	// function of the grid coordinate and source parameters.
	ComputePath(chunkPos ngstream.ChunkPoint3d, chunkSize ngstream.Point3d) string

	// FetchRaw retrieves the undecoded chunk payload, honoring cancellation
	// via the context.
	FetchRaw(ctx context.Context, chunkPos ngstream.ChunkPoint3d) ([]byte, error)

	// Decode maps the raw payload to the uniform representation.  Pure; no
	// I/O.  The decoder is bound at source construction by a switch over
	// the encoding enum.
	Decode(chunkPos ngstream.ChunkPoint3d, data []byte) (*decode.Payload, error)
}

// Download is the one-shot path through a chunk source: remote fetch then
// decode.  Cancellation propagates without leaking the in-flight request.
func Download(ctx context.Context, src ChunkSource, chunkPos ngstream.ChunkPoint3d) (*decode.Payload, error) {
	data, err := src.FetchRaw(ctx, chunkPos)
	if err != nil {
		return nil, err
	}
	return src.Decode(chunkPos, data)
}

// MeshSource retrieves mesh objects in two phases: a JSON manifest listing
// fragment identifiers, then each fragment's binary triangle buffer.  The
// phases couple only through the manifest being resident first, and each
// fragment fetch is independently cancellable.
type MeshSource interface {
	ID() ngstream.SourceID
	ManifestPath(objectID uint64, lod int) string
	FragmentPath(fragment string) string
	Download(ctx context.Context, objectID uint64, lod int) (*decode.Payload, error)
	DownloadFragment(ctx context.Context, fragment string) (*decode.Payload, error)
}

// SkeletonSource retrieves line geometry for an object in a single phase.
type SkeletonSource interface {
	ID() ngstream.SourceID
	SkeletonPath(objectID uint64) string
	Download(ctx context.Context, objectID uint64) (*decode.Payload, error)
}

// MultiscaleSource owns the chunk sources across all resolution levels of
// one logical dataset and exposes level geometry derived from server
// metadata.
type MultiscaleSource interface {
	// Sources returns per-level chunk sources, level 0 (finest) first.  The
	// inner slice holds tiling/orientation alternatives the consumer may
	// choose among.
	Sources() [][]ChunkSource

	Scales() []Scale
	DataType() ngstream.DataType

	// Mesh and Skeleton return auxiliary collections linked from the
	// dataset metadata, or nil if the dataset has none.
	Mesh() MeshSource
	Skeleton() SkeletonSource
}

// Deps carries the collaborators a backend opener needs, constructed once at
// startup and passed down rather than reached through globals.
type Deps struct {
	Fetcher     *fetch.Fetcher
	Credentials *fetch.Registry
	InfoCache   *InfoCache
}

var nextSourceID uint32

// NewSourceID hands out process-unique source identities.
func NewSourceID() ngstream.SourceID {
	return ngstream.SourceID(atomic.AddUint32(&nextSourceID, 1))
}
