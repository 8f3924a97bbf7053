package decode

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
)

// MeshManifest decodes the JSON manifest listing the fragment identifiers of
// one mesh object.  Fragment fetches are issued in a second phase, coupled to
// the manifest only by it being resident first.
func MeshManifest(data []byte) (*Payload, error) {
	var m struct {
		Fragments []string `json:"fragments"`
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: malformed mesh manifest JSON: %v", ErrBadPayload, err)
	}
	if m.Fragments == nil {
		return nil, fmt.Errorf("%w: mesh manifest missing required %q field", ErrBadPayload, "fragments")
	}
	return &Payload{
		Kind:      MeshManifestKind,
		Fragments: m.Fragments,
	}, nil
}

// MeshFragment decodes a binary triangle buffer: the first 4 bytes are the
// little-endian unsigned vertex count, followed by 3 float32 positions per
// vertex, followed by triangle indices (3 uint32 each) to the end of the
// payload.
func MeshFragment(data []byte) (*Payload, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: mesh fragment of %d bytes has no vertex count", ErrBadPayload, len(data))
	}
	numVertices := binary.LittleEndian.Uint32(data[0:4])
	vertexBytes := uint64(numVertices) * 12
	if uint64(len(data)-4) < vertexBytes {
		return nil, fmt.Errorf("%w: mesh fragment truncated: %d vertices need %d bytes, got %d",
			ErrBadPayload, numVertices, vertexBytes, len(data)-4)
	}
	indexBytes := uint64(len(data)-4) - vertexBytes
	if indexBytes%12 != 0 {
		return nil, fmt.Errorf("%w: mesh fragment index data is %d bytes, not a multiple of 12",
			ErrBadPayload, indexBytes)
	}

	vertices := make([]float32, numVertices*3)
	pos := 4
	for i := range vertices {
		bits := binary.LittleEndian.Uint32(data[pos : pos+4])
		vertices[i] = math.Float32frombits(bits)
		pos += 4
	}
	indices := make([]uint32, indexBytes/4)
	for i := range indices {
		indices[i] = binary.LittleEndian.Uint32(data[pos : pos+4])
		if indices[i] >= numVertices {
			return nil, fmt.Errorf("%w: mesh fragment triangle index %d out of range for %d vertices",
				ErrBadPayload, indices[i], numVertices)
		}
		pos += 4
	}
	return &Payload{
		Kind:     MeshFragmentKind,
		Vertices: vertices,
		Indices:  indices,
	}, nil
}
