package ngstream

import "fmt"

// Encoding identifies the wire format of a chunk payload.  The set of
// encodings is closed: sources bind the matching decoder with a switch at
// construction time rather than consulting a runtime lookup table.
type Encoding uint8

const (
	EncodingUnknown Encoding = iota
	EncodingRaw              // little-endian voxel buffer, possibly gzip-wrapped
	EncodingJPEG             // stack of JPEG-encoded XY planes
	EncodingCompressedSeg    // neuroglancer compressed_segmentation
	EncodingDVIDBlock        // DVID serialized-block framing around raw voxels
	EncodingTile             // 2d image tile (jpeg or png)
	EncodingMeshManifest     // JSON fragment manifest
	EncodingMeshFragment     // binary triangle buffer
	EncodingSkeleton         // SWC line geometry
	EncodingAnnotation       // JSON annotation element array
)

var encodingNames = map[Encoding]string{
	EncodingRaw:           "raw",
	EncodingJPEG:          "jpeg",
	EncodingCompressedSeg: "compressed_segmentation",
	EncodingDVIDBlock:     "dvidblock",
	EncodingTile:          "tile",
	EncodingMeshManifest:  "mesh-manifest",
	EncodingMeshFragment:  "mesh-fragment",
	EncodingSkeleton:      "skeleton",
	EncodingAnnotation:    "annotation",
}

func (e Encoding) String() string {
	name, found := encodingNames[e]
	if !found {
		return fmt.Sprintf("unknown encoding %d", uint8(e))
	}
	return name
}

// EncodingByName returns the Encoding for a metadata string like
// "compressed_segmentation".  Only raster encodings appear in server
// metadata; geometry encodings are implied by the source variant.
func EncodingByName(name string) (Encoding, error) {
	switch name {
	case "raw":
		return EncodingRaw, nil
	case "jpeg":
		return EncodingJPEG, nil
	case "compressed_segmentation":
		return EncodingCompressedSeg, nil
	default:
		return EncodingUnknown, fmt.Errorf("unsupported encoding %q", name)
	}
}

// CompatibleWith returns an error if the encoding cannot represent chunks of
// the given data type, e.g., compressed segmentation of float voxels.
func (e Encoding) CompatibleWith(t DataType) error {
	switch e {
	case EncodingJPEG:
		if t != T_uint8 {
			return fmt.Errorf("jpeg encoding requires uint8 voxels, got %s", t)
		}
	case EncodingCompressedSeg:
		if t != T_uint32 && t != T_uint64 {
			return fmt.Errorf("compressed_segmentation requires uint32 or uint64 voxels, got %s", t)
		}
	}
	return nil
}
