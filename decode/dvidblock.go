/*
	This file strips DVID's serialized-block framing from chunk payloads:
	a format byte combining compression and checksum methods, an optional
	CRC32, then the possibly compressed voxel data.
*/

package decode

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/golang/snappy"
	lz4 "github.com/pierrec/lz4/v4"
)

// Compression is the compression method recorded in a serialization format byte.
// NOTE: Should be no more than 8 (3 bits) of compression types.
type Compression uint8

const (
	Uncompressed Compression = 0
	Snappy                   = 1 << iota
	LZ4
)

func (compress Compression) String() string {
	switch compress {
	case Uncompressed:
		return "No compression"
	case Snappy:
		return "Go Snappy compression"
	case LZ4:
		return "Go LZ4 compression"
	default:
		return "Unknown compression"
	}
}

// Checksum is the type of checksum employed for error checking stored data.
// NOTE: Should be no more than 4 (2 bits) of checksum types.
type Checksum uint8

const (
	NoChecksum Checksum = 0
	CRC32               = 1 << iota
)

// SerializationFormat is a single byte combining both compression and checksum methods.
type SerializationFormat uint8

func DecodeSerializationFormat(s SerializationFormat) (compress Compression, checksum Checksum) {
	compress = Compression(uint8(s) >> 5)
	checksum = Checksum((uint8(s) >> 3) & 0x03)
	return
}

// DVIDBlock removes the serialized-block framing and decodes the inner raw
// voxel buffer.  The framing is: format byte, optional stored CRC32 of the
// compressed data, then the data itself.
func DVIDBlock(spec VoxelSpec, data []byte) (*Payload, error) {
	inner, err := deframe(data)
	if err != nil {
		return nil, err
	}
	return Raw(spec, inner)
}

func deframe(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty serialized block", ErrBadPayload)
	}
	compress, checksum := DecodeSerializationFormat(SerializationFormat(data[0]))
	pos := 1

	var storedCrc32 uint32
	switch checksum {
	case NoChecksum:
	case CRC32:
		if len(data) < pos+4 {
			return nil, fmt.Errorf("%w: serialized block too short for CRC32", ErrBadPayload)
		}
		storedCrc32 = binary.LittleEndian.Uint32(data[pos : pos+4])
		pos += 4
	default:
		return nil, fmt.Errorf("%w: illegal checksum in serialized block", ErrBadPayload)
	}

	cdata := data[pos:]
	if checksum == CRC32 {
		crcChecksum := crc32.ChecksumIEEE(cdata)
		if crcChecksum != storedCrc32 {
			return nil, fmt.Errorf("%w: bad checksum, stored %x got %x", ErrBadPayload, storedCrc32, crcChecksum)
		}
	}

	switch compress {
	case Uncompressed:
		return cdata, nil
	case Snappy:
		out, err := snappy.Decode(nil, cdata)
		if err != nil {
			return nil, fmt.Errorf("%w: snappy decode: %v", ErrBadPayload, err)
		}
		return out, nil
	case LZ4:
		if len(cdata) < 4 {
			return nil, fmt.Errorf("%w: LZ4 block too short for size prefix", ErrBadPayload)
		}
		origSize := binary.LittleEndian.Uint32(cdata[0:4])
		out := make([]byte, int(origSize))
		if _, err := lz4.UncompressBlock(cdata[4:], out); err != nil {
			return nil, fmt.Errorf("%w: LZ4 decode: %v", ErrBadPayload, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: illegal compression format (%d) in serialized block", ErrBadPayload, compress)
	}
}
