/*
Package decode holds the pure chunk decoders: each maps a raw byte/text
payload plus chunk metadata into a typed payload buffer, or fails when the
payload is inconsistent with the metadata.  Decoders never perform I/O and
never touch cache state.
*/
package decode

import (
	"errors"

	"github.com/DmitriyVTitov/size"

	"github.com/janelia-flyem/ngstream/ngstream"
)

// ErrBadPayload marks decode failures where the payload size or format is
// inconsistent with the chunk metadata.  Such chunks are terminal: the
// manager marks them failed and does not retry.
var ErrBadPayload = errors.New("payload inconsistent with chunk metadata")

// Kind describes which payload fields are populated.
type Kind uint8

const (
	VoxelsKind Kind = iota
	MeshManifestKind
	MeshFragmentKind
	SkeletonKind
	AnnotationKind
)

func (k Kind) String() string {
	switch k {
	case VoxelsKind:
		return "voxels"
	case MeshManifestKind:
		return "mesh manifest"
	case MeshFragmentKind:
		return "mesh fragment"
	case SkeletonKind:
		return "skeleton"
	case AnnotationKind:
		return "annotation"
	default:
		return "unknown payload"
	}
}

// VoxelSpec is the metadata a raster decoder needs: the voxel dimensions of
// the chunk, the value type, and for compressed segmentation the sub-grid
// block size.
type VoxelSpec struct {
	Size      ngstream.Point3d
	DataType  ngstream.DataType
	BlockSize ngstream.Point3d // compressed_segmentation only
}

// ExpectedBytes returns the size of the decoded voxel buffer.
func (spec VoxelSpec) ExpectedBytes() int64 {
	return spec.Size.Prod() * int64(ngstream.DataTypeBytes(spec.DataType))
}

// Payload is the uniform in-memory representation produced by decoders and
// owned by a chunk entry until eviction.
type Payload struct {
	Kind Kind

	// Voxels: little-endian values in x-fastest order.
	Voxels   []byte
	Size     ngstream.Point3d
	DataType ngstream.DataType

	// Mesh manifest: fragment identifiers to fetch in phase two.
	Fragments []string

	// Mesh fragment / skeleton geometry.
	Vertices []float32  // x,y,z triples
	Indices  []uint32   // triangle index triples (mesh)
	Edges    [][2]uint32 // line segments (skeleton)
	Radii    []float32   // per-vertex radii (skeleton)

	// Annotation geometry.
	Elements []Element
}

// ByteSize estimates the resident memory of the payload for cache budget
// accounting.  The bulk fields are sized directly; anything else falls back
// to reflection-based deep sizing.
func (p *Payload) ByteSize() int64 {
	if p == nil {
		return 0
	}
	switch p.Kind {
	case VoxelsKind:
		return int64(len(p.Voxels))
	case MeshFragmentKind:
		return int64(len(p.Vertices)*4 + len(p.Indices)*4)
	case SkeletonKind:
		return int64(len(p.Vertices)*4 + len(p.Edges)*8 + len(p.Radii)*4)
	default:
		return int64(size.Of(p))
	}
}
