/*
	This file handles 3d points and chunk grid coordinates used for chunk
	addressing throughout the streaming system.
*/

package ngstream

import (
	"fmt"
	"math"
)

// Point3d is a 3d voxel coordinate.
type Point3d [3]int32

func (p Point3d) String() string {
	return fmt.Sprintf("(%d,%d,%d)", p[0], p[1], p[2])
}

// Value returns the value at the specified dimension.
func (p Point3d) Value(dim uint8) int32 {
	return p[dim]
}

// Add returns the component-wise sum of two points.
func (p Point3d) Add(x Point3d) Point3d {
	return Point3d{p[0] + x[0], p[1] + x[1], p[2] + x[2]}
}

// Sub returns the component-wise difference of two points.
func (p Point3d) Sub(x Point3d) Point3d {
	return Point3d{p[0] - x[0], p[1] - x[1], p[2] - x[2]}
}

// Mult returns the component-wise product of two points.
func (p Point3d) Mult(x Point3d) Point3d {
	return Point3d{p[0] * x[0], p[1] * x[1], p[2] * x[2]}
}

// Max returns the component-wise maximum of two points.
func (p Point3d) Max(x Point3d) Point3d {
	result := p
	if p[0] < x[0] {
		result[0] = x[0]
	}
	if p[1] < x[1] {
		result[1] = x[1]
	}
	if p[2] < x[2] {
		result[2] = x[2]
	}
	return result
}

// Min returns the component-wise minimum of two points.
func (p Point3d) Min(x Point3d) Point3d {
	result := p
	if p[0] > x[0] {
		result[0] = x[0]
	}
	if p[1] > x[1] {
		result[1] = x[1]
	}
	if p[2] > x[2] {
		result[2] = x[2]
	}
	return result
}

// Prod returns the product of the components, e.g., the number of voxels
// spanned by a size expressed as a Point3d.
func (p Point3d) Prod() int64 {
	return int64(p[0]) * int64(p[1]) * int64(p[2])
}

// Chunk returns the chunk grid coordinate of the chunk containing this
// voxel coordinate given a chunk size.  Handles negative coordinates.
func (p Point3d) Chunk(size Point3d) ChunkPoint3d {
	var c ChunkPoint3d
	for dim := uint8(0); dim < 3; dim++ {
		if p[dim] < 0 {
			c[dim] = (p[dim]+1)/size[dim] - 1
		} else {
			c[dim] = p[dim] / size[dim]
		}
	}
	return c
}

// ChunkPoint3d is a 3d chunk grid coordinate.
type ChunkPoint3d [3]int32

var (
	MaxChunkPoint3d = ChunkPoint3d{math.MaxInt32, math.MaxInt32, math.MaxInt32}
	MinChunkPoint3d = ChunkPoint3d{math.MinInt32, math.MinInt32, math.MinInt32}
)

func (c ChunkPoint3d) String() string {
	return fmt.Sprintf("(%d,%d,%d)", c[0], c[1], c[2])
}

// Value returns the value at the specified dimension.
func (c ChunkPoint3d) Value(dim uint8) int32 {
	return c[dim]
}

// MinPoint returns the smallest voxel coordinate covered by this chunk.
func (c ChunkPoint3d) MinPoint(size Point3d) Point3d {
	return Point3d{c[0] * size[0], c[1] * size[1], c[2] * size[2]}
}

// MaxPoint returns the maximum voxel coordinate covered by this chunk.
func (c ChunkPoint3d) MaxPoint(size Point3d) Point3d {
	return Point3d{
		(c[0]+1)*size[0] - 1,
		(c[1]+1)*size[1] - 1,
		(c[2]+1)*size[2] - 1,
	}
}

// NdFloat32 is an N-dimensional slice of float32, used for resolutions in
// physical units per voxel along each axis.
type NdFloat32 []float32

func (n NdFloat32) String() string {
	s := "("
	for i, f := range n {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprintf("%g", f)
	}
	return s + ")"
}

// Equals returns true if the two slices have equal length and values.
func (n NdFloat32) Equals(n2 NdFloat32) bool {
	if len(n) != len(n2) {
		return false
	}
	for i := range n {
		if n[i] != n2[i] {
			return false
		}
	}
	return true
}
