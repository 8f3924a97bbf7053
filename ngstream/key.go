package ngstream

import "fmt"

// SourceID uniquely identifies one chunk source (dataset + level + variant)
// within a running process.  IDs are handed out by the source registry.
type SourceID uint32

// ChunkKey is the stable identity of one chunk: which source, which
// resolution level, which grid coordinate, and which encoding.  It is a
// comparable value type usable directly as a map key, so the cache can
// guarantee at most one resident or in-flight entry per key.
type ChunkKey struct {
	Source   SourceID
	Level    uint8
	Coord    ChunkPoint3d
	Encoding Encoding
}

func (k ChunkKey) String() string {
	return fmt.Sprintf("source %d level %d chunk %s [%s]", k.Source, k.Level, k.Coord, k.Encoding)
}
