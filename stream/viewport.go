package stream

import (
	"math"

	"github.com/janelia-flyem/ngstream/ngstream"
	"github.com/janelia-flyem/ngstream/source"
)

// Viewport is a read-only snapshot of viewer state at one epoch.  The
// manager never sees the viewer itself; callers derive chunk requests from a
// snapshot and submit them through RequestChunks.
type Viewport struct {
	Epoch  uint64
	Bounds ngstream.Extents // visible voxel bounds at the source's level
	Center ngstream.Point3d // focus voxel, gets the highest priority
}

// Requests computes the prioritized chunk set for one source: every chunk
// intersecting the visible bounds, priority falling with the chunk center's
// distance from the focus so central chunks dispatch first.  Chunk grid
// coordinate (0,0,0) is anchored at the volume's minimum voxel, matching the
// backends' path conventions for volumes with a nonzero voxel offset.
func (v Viewport) Requests(src source.ChunkSource) []ChunkRequest {
	extents := src.Extents()
	visible := intersectExtents(v.Bounds, extents)
	for dim := uint8(0); dim < 3; dim++ {
		if visible.MinPoint[dim] >= visible.MaxPoint[dim] {
			return nil
		}
	}
	anchor := extents.MinPoint
	chunkSize := src.ChunkSize()
	grid := ngstream.Extents{
		MinPoint: visible.MinPoint.Sub(anchor),
		MaxPoint: visible.MaxPoint.Sub(anchor),
	}
	minChunk, maxChunk := grid.ChunkRange(chunkSize)

	var wants []ChunkRequest
	for z := minChunk[2]; z <= maxChunk[2]; z++ {
		for y := minChunk[1]; y <= maxChunk[1]; y++ {
			for x := minChunk[0]; x <= maxChunk[0]; x++ {
				chunkPos := ngstream.ChunkPoint3d{x, y, z}
				wants = append(wants, ChunkRequest{
					Key: ngstream.ChunkKey{
						Source:   src.ID(),
						Level:    uint8(src.Level()),
						Coord:    chunkPos,
						Encoding: src.Encoding(),
					},
					Priority: -v.distanceToFocus(chunkPos, chunkSize, anchor),
				})
			}
		}
	}
	return wants
}

// distanceToFocus is the euclidean distance from the chunk's center, in
// absolute voxel coordinates, to the viewport focus.
func (v Viewport) distanceToFocus(chunkPos ngstream.ChunkPoint3d, chunkSize, anchor ngstream.Point3d) float64 {
	lower := anchor.Add(chunkPos.MinPoint(chunkSize))
	var sq float64
	for dim := uint8(0); dim < 3; dim++ {
		center := float64(lower[dim]) + float64(chunkSize[dim])/2
		d := center - float64(v.Center[dim])
		sq += d * d
	}
	return math.Sqrt(sq)
}

func intersectExtents(a, b ngstream.Extents) ngstream.Extents {
	return ngstream.Extents{
		MinPoint: a.MinPoint.Max(b.MinPoint),
		MaxPoint: a.MaxPoint.Min(b.MaxPoint),
	}
}
