package decode

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Raw decodes a little-endian voxel buffer.  Payloads arriving gzip-wrapped
// (sniffed by magic bytes) are transparently uncompressed first.
func Raw(spec VoxelSpec, data []byte) (*Payload, error) {
	if len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b {
		uncompressed, err := gzipUncompress(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		data = uncompressed
	}
	expected := spec.ExpectedBytes()
	if int64(len(data)) != expected {
		return nil, fmt.Errorf("%w: %s chunk %s needs %d bytes, got %d",
			ErrBadPayload, spec.DataType, spec.Size, expected, len(data))
	}
	return &Payload{
		Kind:     VoxelsKind,
		Voxels:   data,
		Size:     spec.Size,
		DataType: spec.DataType,
	}, nil
}

func gzipUncompress(in []byte) (out []byte, err error) {
	gzipIn := bytes.NewBuffer(in)
	var zr *gzip.Reader
	zr, err = gzip.NewReader(gzipIn)
	if err != nil {
		err = fmt.Errorf("can't uncompress gzip data: %v", err)
		return
	}
	out, err = io.ReadAll(zr)
	if err != nil {
		err = fmt.Errorf("can't read gzip data: %v", err)
		return
	}
	zr.Close()
	return
}
