package stream

import (
	"testing"

	"github.com/janelia-flyem/ngstream/ngstream"
)

func TestViewportRequests(t *testing.T) {
	src := newFakeSource(10)
	src.extents = ngstream.Extents{MaxPoint: ngstream.Point3d{32, 32, 32}}

	// A viewport covering half the volume in x: 2x4x4 chunks of 8^3.
	view := Viewport{
		Epoch:  1,
		Bounds: ngstream.Extents{MaxPoint: ngstream.Point3d{16, 32, 32}},
		Center: ngstream.Point3d{4, 4, 4},
	}
	wants := view.Requests(src)
	if len(wants) != 2*4*4 {
		t.Fatalf("%d requests, expected 32", len(wants))
	}

	// The chunk containing the focus outranks every other chunk.
	var best ChunkRequest
	for _, want := range wants {
		if want.Priority > best.Priority || best.Key == (ngstream.ChunkKey{}) {
			best = want
		}
		if want.Key.Source != src.id || want.Key.Encoding != ngstream.EncodingRaw {
			t.Fatalf("bad key in request: %+v", want.Key)
		}
	}
	if best.Key.Coord != (ngstream.ChunkPoint3d{0, 0, 0}) {
		t.Errorf("highest priority chunk = %s, expected the focus chunk", best.Key.Coord)
	}

	// A viewport fully outside the source extents yields nothing.
	offscreen := Viewport{
		Epoch: 2,
		Bounds: ngstream.Extents{
			MinPoint: ngstream.Point3d{100, 100, 100},
			MaxPoint: ngstream.Point3d{200, 200, 200},
		},
	}
	if wants := offscreen.Requests(src); wants != nil {
		t.Errorf("offscreen viewport produced %d requests", len(wants))
	}
}

// TestViewportOffsetVolume checks grid anchoring for a volume whose extents
// start away from the origin: grid coordinate (0,0,0) is the chunk at the
// volume's minimum voxel, not at absolute voxel (0,0,0).
func TestViewportOffsetVolume(t *testing.T) {
	src := newFakeSource(10)
	src.extents = ngstream.Extents{
		MinPoint: ngstream.Point3d{16, 0, 0},
		MaxPoint: ngstream.Point3d{32, 16, 16},
	}

	// The full volume is visible: a 2x2x2 grid of 8^3 chunks.
	view := Viewport{
		Epoch:  1,
		Bounds: src.extents,
		Center: ngstream.Point3d{17, 1, 1},
	}
	wants := view.Requests(src)
	if len(wants) != 2*2*2 {
		t.Fatalf("%d requests, expected 8", len(wants))
	}

	seen := make(map[ngstream.ChunkPoint3d]bool)
	var best ChunkRequest
	for _, want := range wants {
		seen[want.Key.Coord] = true
		for dim := 0; dim < 3; dim++ {
			if want.Key.Coord[dim] < 0 || want.Key.Coord[dim] > 1 {
				t.Fatalf("chunk %s outside the offset-anchored grid", want.Key.Coord)
			}
		}
		if want.Priority > best.Priority || best.Key == (ngstream.ChunkKey{}) {
			best = want
		}
	}
	if !seen[(ngstream.ChunkPoint3d{0, 0, 0})] {
		t.Error("chunk at the volume's minimum voxel never requested")
	}
	// The focus sits inside the first chunk of the offset grid.
	if best.Key.Coord != (ngstream.ChunkPoint3d{0, 0, 0}) {
		t.Errorf("highest priority chunk = %s, expected the focus chunk", best.Key.Coord)
	}
}

func TestViewportClipsToSourceExtents(t *testing.T) {
	src := newFakeSource(10)
	src.extents = ngstream.Extents{MaxPoint: ngstream.Point3d{12, 12, 12}}

	// Bounds larger than the source: only chunks overlapping the 12^3
	// volume appear, including the partial edge chunks.
	view := Viewport{
		Epoch:  1,
		Bounds: ngstream.Extents{MaxPoint: ngstream.Point3d{1000, 1000, 1000}},
	}
	wants := view.Requests(src)
	if len(wants) != 2*2*2 {
		t.Fatalf("%d requests, expected 8", len(wants))
	}
	for _, want := range wants {
		for dim := 0; dim < 3; dim++ {
			if want.Key.Coord[dim] < 0 || want.Key.Coord[dim] > 1 {
				t.Fatalf("chunk %s outside the clipped grid", want.Key.Coord)
			}
		}
	}
}
