package decode

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/jpeg"
	"math"
	"testing"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"

	"github.com/janelia-flyem/ngstream/ngstream"
)

func gzipCompress(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func TestRawDecode(t *testing.T) {
	spec := VoxelSpec{Size: ngstream.Point3d{4, 4, 4}, DataType: ngstream.T_uint16}
	data := make([]byte, 4*4*4*2)
	for i := range data {
		data[i] = byte(i)
	}
	payload, err := Raw(spec, data)
	if err != nil {
		t.Fatalf("raw decode failed: %v", err)
	}
	if payload.Kind != VoxelsKind || !bytes.Equal(payload.Voxels, data) {
		t.Errorf("raw decode mangled voxel buffer")
	}
	if payload.ByteSize() != int64(len(data)) {
		t.Errorf("payload byte size = %d, expected %d", payload.ByteSize(), len(data))
	}

	if _, err := Raw(spec, data[:37]); !errors.Is(err, ErrBadPayload) {
		t.Errorf("short raw payload returned %v, expected ErrBadPayload", err)
	}
}

func TestRawDecodeGzip(t *testing.T) {
	spec := VoxelSpec{Size: ngstream.Point3d{2, 2, 2}, DataType: ngstream.T_uint8}
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	compressed := gzipCompress(t, data)
	payload, err := Raw(spec, compressed)
	if err != nil {
		t.Fatalf("gzipped raw decode failed: %v", err)
	}
	if !bytes.Equal(payload.Voxels, data) {
		t.Errorf("gzipped raw decode got %v, expected %v", payload.Voxels, data)
	}
}

func TestJPEGDecode(t *testing.T) {
	spec := VoxelSpec{Size: ngstream.Point3d{8, 8, 4}, DataType: ngstream.T_uint8}
	img := image.NewGray(image.Rect(0, 0, 8, 32))
	for i := range img.Pix {
		img.Pix[i] = uint8(i % 251)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 100}); err != nil {
		t.Fatalf("jpeg encode: %v", err)
	}

	payload, err := JPEG(spec, buf.Bytes())
	if err != nil {
		t.Fatalf("jpeg decode failed: %v", err)
	}
	if len(payload.Voxels) != 8*8*4 {
		t.Fatalf("jpeg decode returned %d voxels, expected %d", len(payload.Voxels), 8*8*4)
	}

	// P6: decoding the same payload twice yields bit-identical output.
	payload2, err := JPEG(spec, buf.Bytes())
	if err != nil {
		t.Fatalf("second jpeg decode failed: %v", err)
	}
	if !bytes.Equal(payload.Voxels, payload2.Voxels) {
		t.Errorf("jpeg decode is not deterministic")
	}

	// Dimension mismatch is terminal.
	badSpec := VoxelSpec{Size: ngstream.Point3d{16, 16, 4}, DataType: ngstream.T_uint8}
	if _, err := JPEG(badSpec, buf.Bytes()); !errors.Is(err, ErrBadPayload) {
		t.Errorf("jpeg size mismatch returned %v, expected ErrBadPayload", err)
	}
}

// encodeCompSeg builds a single-channel, single-block compressed_segmentation
// payload for a chunk whose size equals the block size.
func encodeCompSeg(t *testing.T, labels []uint64, size ngstream.Point3d, bits uint) []byte {
	t.Helper()
	unique := []uint64{}
	index := map[uint64]uint64{}
	for _, label := range labels {
		if _, found := index[label]; !found {
			index[label] = uint64(len(unique))
			unique = append(unique, label)
		}
	}

	// header: 1 channel offset word, then 2 block header words.
	var words []uint32
	words = append(words, 1)         // channel 0 starts at word 1
	words = append(words, 0, 0)      // block header placeholder
	tableOff := uint32(len(words)) - 1 // relative to channel start
	for _, label := range unique {
		words = append(words, uint32(label), uint32(label>>32))
	}
	valuesOff := uint32(len(words)) - 1
	numWords := (uint64(len(labels))*uint64(bits) + 31) / 32
	packed := make([]uint32, numWords)
	for i, label := range labels {
		bitpos := uint64(i) * uint64(bits)
		packed[bitpos/32] |= uint32(index[label] << (bitpos % 32))
	}
	words = append(words, packed...)
	words[1] = tableOff | uint32(bits)<<24
	words[2] = valuesOff

	out := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[i*4:i*4+4], w)
	}
	return out
}

func TestCompressedSegmentationDecode(t *testing.T) {
	size := ngstream.Point3d{4, 4, 4}
	labels := make([]uint64, 64)
	for i := range labels {
		switch {
		case i < 20:
			labels[i] = 9000000001
		case i < 50:
			labels[i] = 13
		default:
			labels[i] = 9000000007
		}
	}
	data := encodeCompSeg(t, labels, size, 2)
	spec := VoxelSpec{Size: size, DataType: ngstream.T_uint64, BlockSize: size}
	payload, err := CompressedSegmentation(spec, data)
	if err != nil {
		t.Fatalf("compressed segmentation decode failed: %v", err)
	}
	for i, want := range labels {
		got := binary.LittleEndian.Uint64(payload.Voxels[i*8 : i*8+8])
		if got != want {
			t.Fatalf("voxel %d = %d, expected %d", i, got, want)
		}
	}

	// P6: bit-identical on repeat decode.
	payload2, err := CompressedSegmentation(spec, data)
	if err != nil {
		t.Fatalf("second decode failed: %v", err)
	}
	if !bytes.Equal(payload.Voxels, payload2.Voxels) {
		t.Errorf("compressed segmentation decode is not deterministic")
	}

	// Block size mismatch: grid no longer fits the payload.
	badSpec := VoxelSpec{Size: size, DataType: ngstream.T_uint64, BlockSize: ngstream.Point3d{2, 2, 2}}
	if _, err := CompressedSegmentation(badSpec, data[:12]); !errors.Is(err, ErrBadPayload) {
		t.Errorf("block size mismatch returned %v, expected ErrBadPayload", err)
	}
}

func TestMeshManifestDecode(t *testing.T) {
	payload, err := MeshManifest([]byte(`{"fragments": ["frag.0", "frag.1", "frag.2"]}`))
	if err != nil {
		t.Fatalf("manifest decode failed: %v", err)
	}
	if len(payload.Fragments) != 3 || payload.Fragments[1] != "frag.1" {
		t.Errorf("manifest decode got fragments %v", payload.Fragments)
	}
	if _, err := MeshManifest([]byte(`{"fragments": `)); !errors.Is(err, ErrBadPayload) {
		t.Errorf("truncated manifest returned %v, expected ErrBadPayload", err)
	}
	if _, err := MeshManifest([]byte(`{"other": 3}`)); !errors.Is(err, ErrBadPayload) {
		t.Errorf("manifest without fragments returned %v, expected ErrBadPayload", err)
	}
}

func TestMeshFragmentDecode(t *testing.T) {
	vertices := []float32{0, 0, 0, 1, 0, 0, 0, 1, 0}
	indices := []uint32{0, 1, 2}
	data := make([]byte, 4+len(vertices)*4+len(indices)*4)
	binary.LittleEndian.PutUint32(data[0:4], 3)
	pos := 4
	for _, v := range vertices {
		binary.LittleEndian.PutUint32(data[pos:pos+4], math.Float32bits(v))
		pos += 4
	}
	for _, i := range indices {
		binary.LittleEndian.PutUint32(data[pos:pos+4], i)
		pos += 4
	}

	payload, err := MeshFragment(data)
	if err != nil {
		t.Fatalf("fragment decode failed: %v", err)
	}
	if len(payload.Vertices) != 9 || payload.Vertices[3] != 1 {
		t.Errorf("fragment vertices = %v", payload.Vertices)
	}
	if len(payload.Indices) != 3 {
		t.Errorf("fragment indices = %v", payload.Indices)
	}

	if _, err := MeshFragment(data[:10]); !errors.Is(err, ErrBadPayload) {
		t.Errorf("truncated vertex buffer returned %v, expected ErrBadPayload", err)
	}
	bad := make([]byte, len(data))
	copy(bad, data)
	binary.LittleEndian.PutUint32(bad[len(bad)-4:], 99)
	if _, err := MeshFragment(bad); !errors.Is(err, ErrBadPayload) {
		t.Errorf("out-of-range triangle index returned %v, expected ErrBadPayload", err)
	}
}

func TestSkeletonDecode(t *testing.T) {
	swc := `# test skeleton
1 0 10.5 20.0 30.0 1.5 -1
2 0 11.0 21.0 31.0 1.0 1
3 0 12.0 22.0 32.0 0.5 2
`
	payload, err := Skeleton([]byte(swc))
	if err != nil {
		t.Fatalf("skeleton decode failed: %v", err)
	}
	if len(payload.Vertices) != 9 || len(payload.Radii) != 3 || len(payload.Edges) != 2 {
		t.Fatalf("skeleton decode: %d vertices, %d radii, %d edges",
			len(payload.Vertices)/3, len(payload.Radii), len(payload.Edges))
	}
	if payload.Vertices[0] != 10.5 || payload.Radii[0] != 1.5 {
		t.Errorf("skeleton vertex 0 = %v, radius %v", payload.Vertices[0:3], payload.Radii[0])
	}

	if _, err := Skeleton([]byte("1 0 malformed")); !errors.Is(err, ErrBadPayload) {
		t.Errorf("malformed SWC returned %v, expected ErrBadPayload", err)
	}
	if _, err := Skeleton([]byte("1 0 0 0 0 1.0 7")); !errors.Is(err, ErrBadPayload) {
		t.Errorf("SWC with unknown parent returned %v, expected ErrBadPayload", err)
	}
}

func TestAnnotationsDecode(t *testing.T) {
	elemJSON := `[
		{"Pos":[15,27,35], "Kind":"PostSyn", "Tags":["Synapse1"]},
		{"Pos":[20,30,40], "Kind":"PreSyn", "Prop":{"conf":"0.9"}}
	]`
	payload, err := Annotations([]byte(elemJSON))
	if err != nil {
		t.Fatalf("annotation decode failed: %v", err)
	}
	if len(payload.Elements) != 2 {
		t.Fatalf("got %d elements, expected 2", len(payload.Elements))
	}
	if payload.Elements[0].Kind != PostSyn || payload.Elements[0].Pos != (ngstream.Point3d{15, 27, 35}) {
		t.Errorf("element 0 decoded as %+v", payload.Elements[0])
	}
	if payload.Elements[1].Prop["conf"] != "0.9" {
		t.Errorf("element 1 props = %v", payload.Elements[1].Prop)
	}

	if _, err := Annotations([]byte(`[{"Kind":"Bogus"}]`)); !errors.Is(err, ErrBadPayload) {
		t.Errorf("bad element kind returned %v, expected ErrBadPayload", err)
	}
}

func TestDVIDBlockDecode(t *testing.T) {
	spec := VoxelSpec{Size: ngstream.Point3d{4, 4, 1}, DataType: ngstream.T_uint8}
	voxels := make([]byte, 16)
	for i := range voxels {
		voxels[i] = byte(i * 3)
	}

	// Snappy compression + CRC32 checksum.
	compressed := snappy.Encode(nil, voxels)
	framed := make([]byte, 0, len(compressed)+5)
	format := uint8(Snappy)<<5 | uint8(CRC32)<<3
	framed = append(framed, format)
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc32.ChecksumIEEE(compressed))
	framed = append(framed, crcBuf[:]...)
	framed = append(framed, compressed...)

	payload, err := DVIDBlock(spec, framed)
	if err != nil {
		t.Fatalf("serialized block decode failed: %v", err)
	}
	if !bytes.Equal(payload.Voxels, voxels) {
		t.Errorf("serialized block decode mangled voxels")
	}

	// Corrupt the stored data so the CRC no longer matches.
	framed[len(framed)-1] ^= 0xff
	if _, err := DVIDBlock(spec, framed); !errors.Is(err, ErrBadPayload) {
		t.Errorf("corrupted block returned %v, expected ErrBadPayload", err)
	}

	// Uncompressed, no checksum.
	framed = append([]byte{0}, voxels...)
	payload, err = DVIDBlock(spec, framed)
	if err != nil {
		t.Fatalf("uncompressed block decode failed: %v", err)
	}
	if !bytes.Equal(payload.Voxels, voxels) {
		t.Errorf("uncompressed block decode mangled voxels")
	}
}
