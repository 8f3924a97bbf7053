package ngstream

import (
	"testing"
)

func TestRescaleScenario(t *testing.T) {
	// Level 0: resolution [10,10,10], offset [0,0,0], size [100,100,100].
	ext := Extents{MinPoint: Point3d{0, 0, 0}, MaxPoint: Point3d{100, 100, 100}}
	r0 := NdFloat32{10, 10, 10}
	r1 := NdFloat32{20, 20, 20}
	rescaled, err := ext.Rescale(r0, r1)
	if err != nil {
		t.Fatalf("rescale failed: %v", err)
	}
	if rescaled.MinPoint != (Point3d{0, 0, 0}) {
		t.Errorf("level 1 lower bound = %s, expected (0,0,0)", rescaled.MinPoint)
	}
	if rescaled.MaxPoint != (Point3d{50, 50, 50}) {
		t.Errorf("level 1 upper bound = %s, expected (50,50,50)", rescaled.MaxPoint)
	}
}

func TestRescaleFloorCeil(t *testing.T) {
	// Bounds not divisible by the resolution ratio must floor the lower bound
	// and ceil the upper bound, producing a slight overlap between levels.
	ext := Extents{MinPoint: Point3d{3, 5, 7}, MaxPoint: Point3d{101, 103, 105}}
	r0 := NdFloat32{8, 8, 8}
	for n := uint(1); n <= 4; n++ {
		rn := NdFloat32{r0[0] * float32(int32(1)<<n), r0[1] * float32(int32(1)<<n), r0[2] * float32(int32(1)<<n)}
		rescaled, err := ext.Rescale(r0, rn)
		if err != nil {
			t.Fatalf("level %d rescale failed: %v", n, err)
		}
		div := int32(1) << n
		for dim := uint8(0); dim < 3; dim++ {
			wantLower := floorDiv(ext.MinPoint[dim], div)
			wantUpper := ceilDiv(ext.MaxPoint[dim], div)
			if rescaled.MinPoint[dim] != wantLower {
				t.Errorf("level %d dim %d lower = %d, expected %d", n, dim, rescaled.MinPoint[dim], wantLower)
			}
			if rescaled.MaxPoint[dim] != wantUpper {
				t.Errorf("level %d dim %d upper = %d, expected %d", n, dim, rescaled.MaxPoint[dim], wantUpper)
			}
		}
	}
}

func floorDiv(a, b int32) int32 {
	if a < 0 && a%b != 0 {
		return a/b - 1
	}
	return a / b
}

func ceilDiv(a, b int32) int32 {
	if a > 0 && a%b != 0 {
		return a/b + 1
	}
	return a / b
}

func TestRescaleBadResolution(t *testing.T) {
	ext := Extents{MaxPoint: Point3d{10, 10, 10}}
	if _, err := ext.Rescale(NdFloat32{8, 8, 8}, NdFloat32{0, 16, 16}); err == nil {
		t.Errorf("expected error on zero resolution")
	}
	if _, err := ext.Rescale(NdFloat32{8, 8}, NdFloat32{16, 16, 16}); err == nil {
		t.Errorf("expected error on 2d resolution")
	}
}

func TestChunkRange(t *testing.T) {
	ext := Extents{MinPoint: Point3d{0, 0, 0}, MaxPoint: Point3d{100, 100, 100}}
	minChunk, maxChunk := ext.ChunkRange(Point3d{64, 64, 64})
	if minChunk != (ChunkPoint3d{0, 0, 0}) || maxChunk != (ChunkPoint3d{1, 1, 1}) {
		t.Errorf("got chunk range %s - %s, expected (0,0,0) - (1,1,1)", minChunk, maxChunk)
	}

	ext = Extents{MinPoint: Point3d{-10, 0, 0}, MaxPoint: Point3d{64, 64, 64}}
	minChunk, maxChunk = ext.ChunkRange(Point3d{64, 64, 64})
	if minChunk != (ChunkPoint3d{-1, 0, 0}) || maxChunk != (ChunkPoint3d{0, 0, 0}) {
		t.Errorf("got chunk range %s - %s, expected (-1,0,0) - (0,0,0)", minChunk, maxChunk)
	}
}

func TestClipChunk(t *testing.T) {
	ext := Extents{MinPoint: Point3d{0, 0, 0}, MaxPoint: Point3d{100, 100, 100}}
	clipped := ext.ClipChunk(ChunkPoint3d{1, 1, 1}, Point3d{64, 64, 64})
	if clipped.MinPoint != (Point3d{64, 64, 64}) {
		t.Errorf("clipped min = %s, expected (64,64,64)", clipped.MinPoint)
	}
	if clipped.MaxPoint != (Point3d{100, 100, 100}) {
		t.Errorf("clipped max = %s, expected (100,100,100)", clipped.MaxPoint)
	}
}
