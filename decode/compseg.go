package decode

import (
	"encoding/binary"
	"fmt"

	"github.com/janelia-flyem/ngstream/ngstream"
)

// CompressedSegmentation decodes the neuroglancer compressed_segmentation
// encoding into a little-endian uint32 or uint64 voxel buffer.  The chunk is
// subdivided into blocks of spec.BlockSize; each block carries a label lookup
// table and bit-packed per-voxel indices into it.  Edge blocks store only the
// in-volume voxels.
func CompressedSegmentation(spec VoxelSpec, data []byte) (*Payload, error) {
	if spec.DataType != ngstream.T_uint32 && spec.DataType != ngstream.T_uint64 {
		return nil, fmt.Errorf("%w: compressed_segmentation requires uint32 or uint64 voxels, got %s",
			ErrBadPayload, spec.DataType)
	}
	bsize := spec.BlockSize
	if bsize[0] <= 0 || bsize[1] <= 0 || bsize[2] <= 0 {
		return nil, fmt.Errorf("%w: compressed_segmentation needs positive block size, got %s",
			ErrBadPayload, bsize)
	}
	if len(data) < 4 || len(data)%4 != 0 {
		return nil, fmt.Errorf("%w: compressed_segmentation payload is %d bytes, not a multiple of 4",
			ErrBadPayload, len(data))
	}
	words := make([]uint32, len(data)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(data[i*4 : i*4+4])
	}

	// Single-channel chunks: channel 0 offset is the first header word.
	channelOff := uint64(words[0])
	if channelOff > uint64(len(words)) {
		return nil, fmt.Errorf("%w: channel offset %d beyond payload of %d words",
			ErrBadPayload, channelOff, len(words))
	}

	valueBytes := int(ngstream.DataTypeBytes(spec.DataType))
	sx, sy, sz := spec.Size[0], spec.Size[1], spec.Size[2]
	gx := (sx + bsize[0] - 1) / bsize[0]
	gy := (sy + bsize[1] - 1) / bsize[1]
	gz := (sz + bsize[2] - 1) / bsize[2]

	headerWords := uint64(gx) * uint64(gy) * uint64(gz) * 2
	if channelOff+headerWords > uint64(len(words)) {
		return nil, fmt.Errorf("%w: %d x %d x %d block grid needs %d header words, payload has %d after offset",
			ErrBadPayload, gx, gy, gz, headerWords, uint64(len(words))-channelOff)
	}

	out := make([]byte, spec.ExpectedBytes())
	var blockIdx uint64
	for bz := int32(0); bz < gz; bz++ {
		for by := int32(0); by < gy; by++ {
			for bx := int32(0); bx < gx; bx++ {
				header := channelOff + blockIdx*2
				blockIdx++
				w0 := uint64(words[header])
				w1 := uint64(words[header+1])
				tableOff := channelOff + (w0 & 0xffffff)
				bits := uint(w0 >> 24)
				valuesOff := channelOff + w1
				switch bits {
				case 0, 1, 2, 4, 8, 16, 32:
				default:
					return nil, fmt.Errorf("%w: block (%d,%d,%d) has %d encoded bits",
						ErrBadPayload, bx, by, bz, bits)
				}

				// Edge blocks are clipped to the chunk bounds.
				dx := bsize[0]
				if bx*bsize[0]+dx > sx {
					dx = sx - bx*bsize[0]
				}
				dy := bsize[1]
				if by*bsize[1]+dy > sy {
					dy = sy - by*bsize[1]
				}
				dz := bsize[2]
				if bz*bsize[2]+dz > sz {
					dz = sz - bz*bsize[2]
				}

				numVoxels := uint64(dx) * uint64(dy) * uint64(dz)
				valueWords := (numVoxels*uint64(bits) + 31) / 32
				if valuesOff+valueWords > uint64(len(words)) {
					return nil, fmt.Errorf("%w: block (%d,%d,%d) encoded values truncated",
						ErrBadPayload, bx, by, bz)
				}

				var voxel uint64
				for z := int32(0); z < dz; z++ {
					for y := int32(0); y < dy; y++ {
						for x := int32(0); x < dx; x++ {
							var index uint64
							if bits > 0 {
								bitpos := voxel * uint64(bits)
								word := words[valuesOff+bitpos/32]
								index = uint64(word>>(bitpos%32)) & ((1 << bits) - 1)
							}
							voxel++

							labelOff := tableOff + index*uint64(valueBytes)/4
							if labelOff+uint64(valueBytes)/4 > uint64(len(words)) {
								return nil, fmt.Errorf("%w: block (%d,%d,%d) label %d beyond lookup table",
									ErrBadPayload, bx, by, bz, index)
							}
							label := uint64(words[labelOff])
							if valueBytes == 8 {
								label |= uint64(words[labelOff+1]) << 32
							}

							vx := bx*bsize[0] + x
							vy := by*bsize[1] + y
							vz := bz*bsize[2] + z
							pos := (int64(vz)*int64(sy)+int64(vy))*int64(sx) + int64(vx)
							if valueBytes == 8 {
								binary.LittleEndian.PutUint64(out[pos*8:pos*8+8], label)
							} else {
								binary.LittleEndian.PutUint32(out[pos*4:pos*4+4], uint32(label))
							}
						}
					}
				}
			}
		}
	}
	return &Payload{
		Kind:     VoxelsKind,
		Voxels:   out,
		Size:     spec.Size,
		DataType: spec.DataType,
	}, nil
}
