/*
Package precomputed implements the neuroglancer precomputed backend: info
JSON parsing with schema validation, unsharded and sharded volume chunk
sources, and mesh/skeleton object sources.
*/
package precomputed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/janelia-flyem/ngstream/ngstream"
)

// infoSchema validates server info JSON before struct decoding so a
// misconfigured server fails with a field-level message instead of a
// zero-valued struct downstream.
const infoSchema = `{
	"type": "object",
	"required": ["data_type", "scales"],
	"properties": {
		"@type": {"type": "string"},
		"type": {"enum": ["image", "segmentation"]},
		"data_type": {
			"enum": ["uint8", "uint16", "uint32", "uint64", "float32", "float64"]
		},
		"num_channels": {"type": "integer", "minimum": 1},
		"scales": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["key", "resolution", "size", "chunk_sizes", "encoding"],
				"properties": {
					"key": {"type": "string", "minLength": 1},
					"resolution": {
						"type": "array", "minItems": 3, "maxItems": 3,
						"items": {"type": "number", "exclusiveMinimum": 0}
					},
					"voxel_offset": {
						"type": "array", "minItems": 3, "maxItems": 3,
						"items": {"type": "integer"}
					},
					"size": {
						"type": "array", "minItems": 3, "maxItems": 3,
						"items": {"type": "integer", "minimum": 0}
					},
					"chunk_sizes": {
						"type": "array",
						"minItems": 1,
						"items": {
							"type": "array", "minItems": 3, "maxItems": 3,
							"items": {"type": "integer", "exclusiveMinimum": 0}
						}
					},
					"encoding": {
						"enum": ["raw", "jpeg", "compressed_segmentation"]
					},
					"compressed_segmentation_block_size": {
						"type": "array", "minItems": 3, "maxItems": 3,
						"items": {"type": "integer", "exclusiveMinimum": 0}
					},
					"sharding": {"type": "object"}
				}
			}
		},
		"mesh": {"type": "string"},
		"skeletons": {"type": "string"}
	}
}`

var compiledInfoSchema = jsonschema.MustCompileString("precomputed-info.json", infoSchema)

type ngShard struct {
	FormatType    string `json:"@type"` // should be "neuroglancer_uint64_sharded_v1"
	Hash          string `json:"hash"`
	MinishardBits uint8  `json:"minishard_bits"`
	PreshiftBits  uint8  `json:"preshift_bits"`
	ShardBits     uint8  `json:"shard_bits"`
	IndexEncoding string `json:"minishard_index_encoding"` // "raw" or "gzip"
	DataEncoding  string `json:"data_encoding"`            // "raw" or "gzip"
}

type ngScale struct {
	ChunkSizes []ngstream.Point3d `json:"chunk_sizes"`
	Encoding   string             `json:"encoding"`
	Key        string             `json:"key"`
	Resolution ngstream.NdFloat32 `json:"resolution"`
	Sharding   *ngShard           `json:"sharding"`
	Size       ngstream.Point3d   `json:"size"`
	Offset     ngstream.Point3d   `json:"voxel_offset"`
	CompSegSz  ngstream.Point3d   `json:"compressed_segmentation_block_size"`

	encoding ngstream.Encoding
	extents  ngstream.Extents // derived from base level by rescale

	numBits       [3]uint8 // required bits per dimension precomputed on init
	maxBits       uint8    // max of required bits across dimensions
	minishardMask uint64   // bit mask for minishard bits in hashed chunk ID
	shardMask     uint64   // bit mask for shard bits in hashed chunk ID
	shardIndexEnd uint64   // where minishard indices begin in every shard file
}

type ngVolume struct {
	StoreType   string    `json:"@type"`     // "neuroglancer_multiscale_volume"
	VolumeType  string    `json:"type"`      // "image" or "segmentation"
	DataType    string    `json:"data_type"` // "uint8" ... "float64"
	NumChannels int       `json:"num_channels"`
	Scales      []ngScale `json:"scales"`
	MeshDir     string    `json:"mesh"`      // optional if VolumeType == segmentation
	SkelDir     string    `json:"skeletons"` // optional if VolumeType == segmentation

	dataType ngstream.DataType
}

func gzipUncompress(in []byte) (out []byte, err error) {
	zr, err := gzip.NewReader(bytes.NewBuffer(in))
	if err != nil {
		return nil, fmt.Errorf("can't uncompress gzip data: %v", err)
	}
	out, err = io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("can't read gzip data: %v", err)
	}
	zr.Close()
	return out, nil
}

// log2 returns the power of 2 necessary to cover the given value.
func log2(value int32) uint8 {
	var exp uint8
	pow := int32(1)
	for {
		if pow >= value {
			return exp
		}
		pow *= 2
		exp++
	}
}

// parseInfo validates and decodes a precomputed info JSON document and
// precomputes the derived per-scale fields.
func parseInfo(data []byte) (*ngVolume, error) {
	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("precomputed info is not valid JSON: %v", err)
	}
	if err := compiledInfoSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("precomputed info failed validation: %v", err)
	}
	vol := new(ngVolume)
	if err := json.Unmarshal(data, vol); err != nil {
		return nil, err
	}
	if err := vol.initialize(); err != nil {
		return nil, err
	}
	return vol, nil
}

func (vol *ngVolume) initialize() error {
	var err error
	if vol.dataType, err = ngstream.DataTypeByName(vol.DataType); err != nil {
		return err
	}
	if len(vol.Scales) == 0 {
		return fmt.Errorf("precomputed info has zero scales")
	}

	// Per-level voxel bounds rescale from the base level by the resolution
	// ratio so bounds stay integer-consistent across levels.  Server-reported
	// sizes still drive the shard bit math since that grid is what the files
	// were written against.
	base := &vol.Scales[0]
	base.extents = ngstream.Extents{
		MinPoint: base.Offset,
		MaxPoint: base.Offset.Add(base.Size),
	}
	for n := range vol.Scales {
		scale := &vol.Scales[n]
		if scale.encoding, err = ngstream.EncodingByName(scale.Encoding); err != nil {
			return fmt.Errorf("scale %d (%q): %v", n, scale.Key, err)
		}
		if err := scale.encoding.CompatibleWith(vol.dataType); err != nil {
			return fmt.Errorf("scale %d (%q): %v", n, scale.Key, err)
		}
		if scale.encoding == ngstream.EncodingCompressedSeg && scale.CompSegSz == (ngstream.Point3d{}) {
			return fmt.Errorf("scale %d (%q) has compressed_segmentation encoding but no block size", n, scale.Key)
		}
		if n > 0 {
			prev := vol.Scales[n-1].Resolution
			for dim := 0; dim < 3; dim++ {
				if scale.Resolution[dim] < prev[dim] {
					return fmt.Errorf("scale %d (%q) resolution %s finer than scale %d %s",
						n, scale.Key, scale.Resolution, n-1, prev)
				}
			}
			if scale.Resolution.Equals(prev) {
				return fmt.Errorf("scale %d (%q) repeats resolution %s", n, scale.Key, prev)
			}
			if scale.extents, err = base.extents.Rescale(base.Resolution, scale.Resolution); err != nil {
				return fmt.Errorf("scale %d (%q): %v", n, scale.Key, err)
			}
		}

		if scale.Sharding == nil {
			continue
		}
		if scale.Sharding.FormatType != "neuroglancer_uint64_sharded_v1" {
			return fmt.Errorf("scale %d has unexpected shard type: %s", n, scale.Sharding.FormatType)
		}
		var maxBits uint8
		for dim := uint8(0); dim < 3; dim++ {
			numBits := log2(scale.Size[dim])
			if numBits > maxBits {
				maxBits = numBits
			}
			scale.numBits[dim] = numBits
		}
		scale.maxBits = maxBits

		// compute minishard and shard masks for the hashed chunk ID
		const on uint64 = 0xFFFFFFFFFFFFFFFF
		minishardBits := scale.Sharding.MinishardBits
		shardBits := scale.Sharding.ShardBits
		minishardOff := ((on >> minishardBits) << minishardBits)
		scale.minishardMask = ^minishardOff
		excessBits := 64 - shardBits - minishardBits - scale.Sharding.PreshiftBits
		scale.shardMask = (minishardOff << excessBits) >> excessBits
		scale.shardIndexEnd = (1 << uint64(minishardBits)) * 16

		ngstream.Debugf("scale %d minishard mask: %0*x\n", n, 16, scale.minishardMask)
		ngstream.Debugf("scale %d     shard mask: %0*x\n", n, 16, scale.shardMask)
	}
	return nil
}
