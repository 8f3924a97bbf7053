/*
	This file supports voxel extents for resolution levels and the rescale
	policy used to derive per-level bounds from a base level.
*/

package ngstream

import (
	"fmt"
	"math"
)

// Extents gives the voxel bounds of a volume at one resolution level.
// MaxPoint is exclusive so a 100^3 volume at offset 0 has MaxPoint (100,100,100).
type Extents struct {
	MinPoint Point3d
	MaxPoint Point3d
}

func (ext Extents) String() string {
	return fmt.Sprintf("[%s, %s)", ext.MinPoint, ext.MaxPoint)
}

// Size returns the extent along each dimension.
func (ext Extents) Size() Point3d {
	return ext.MaxPoint.Sub(ext.MinPoint)
}

// Contains returns true if the given voxel coordinate is within the extents.
func (ext Extents) Contains(p Point3d) bool {
	for dim := uint8(0); dim < 3; dim++ {
		if p[dim] < ext.MinPoint[dim] || p[dim] >= ext.MaxPoint[dim] {
			return false
		}
	}
	return true
}

// Rescale converts extents at resolution "from" to extents at resolution "to",
// flooring lower bounds and ceiling upper bounds.  The slight overlap this
// produces between adjacent levels keeps a coarser level covering at least the
// full extent of the finer one, so level transitions never expose a gap.
func (ext Extents) Rescale(from, to NdFloat32) (rescaled Extents, err error) {
	if len(from) < 3 || len(to) < 3 {
		err = fmt.Errorf("rescale requires 3d resolutions, got %s -> %s", from, to)
		return
	}
	for dim := uint8(0); dim < 3; dim++ {
		if to[dim] <= 0 || from[dim] <= 0 {
			err = fmt.Errorf("rescale requires positive resolutions, got %s -> %s", from, to)
			return
		}
		ratio := float64(from[dim]) / float64(to[dim])
		rescaled.MinPoint[dim] = int32(math.Floor(float64(ext.MinPoint[dim]) * ratio))
		rescaled.MaxPoint[dim] = int32(math.Ceil(float64(ext.MaxPoint[dim]) * ratio))
	}
	return
}

// ChunkRange returns the inclusive chunk grid coordinates covering these
// extents for the given chunk size.
func (ext Extents) ChunkRange(chunkSize Point3d) (minChunk, maxChunk ChunkPoint3d) {
	minChunk = ext.MinPoint.Chunk(chunkSize)
	last := ext.MaxPoint.Sub(Point3d{1, 1, 1})
	maxChunk = last.Chunk(chunkSize)
	return
}

// ClipChunk returns the voxel extents of the given chunk clipped to these
// extents, e.g., for edge chunks that extend past the volume bounds.
func (ext Extents) ClipChunk(c ChunkPoint3d, chunkSize Point3d) Extents {
	minPt := c.MinPoint(chunkSize).Max(ext.MinPoint)
	maxPt := c.MaxPoint(chunkSize).Add(Point3d{1, 1, 1}).Min(ext.MaxPoint)
	return Extents{MinPoint: minPt, MaxPoint: maxPt}
}
