package dvidapi

import (
	"context"
	"fmt"

	"github.com/janelia-flyem/ngstream/decode"
	"github.com/janelia-flyem/ngstream/ngstream"
	"github.com/janelia-flyem/ngstream/source"
)

// tileOrientations are the axis-aligned tile planes an imagetile instance
// serves.  Each becomes a tiling alternative within a level.
var tileOrientations = []string{"xy", "xz", "yz"}

// tileSource reads 2d tiles of one orientation at one pyramid level.
type tileSource struct {
	id       ngstream.SourceID
	level    int
	mirrors  []string
	prefix   string // api/node/{uuid}/{instance}
	dims     string // "xy", "xz", or "yz"
	tileSize ngstream.Point3d
	extents  ngstream.Extents
	getter   getter
}

func newTileSource(level int, mirrors []string, uuid, instance, dims string,
	spec tileLevelSpec, extents ngstream.Extents, g getter) *tileSource {

	// A tile chunk is one plane thick in the orthogonal dimension.
	tileSize := spec.TileSize
	switch dims {
	case "xy":
		tileSize[2] = 1
	case "xz":
		tileSize[1] = 1
	case "yz":
		tileSize[0] = 1
	}
	return &tileSource{
		id:       source.NewSourceID(),
		level:    level,
		mirrors:  mirrors,
		prefix:   fmt.Sprintf("api/node/%s/%s", uuid, instance),
		dims:     dims,
		tileSize: tileSize,
		extents:  extents,
		getter:   g,
	}
}

func (src *tileSource) ID() ngstream.SourceID       { return src.id }
func (src *tileSource) Level() int                  { return src.level }
func (src *tileSource) Encoding() ngstream.Encoding { return ngstream.EncodingTile }
func (src *tileSource) DataType() ngstream.DataType { return ngstream.T_uint8 }
func (src *tileSource) ChunkSize() ngstream.Point3d { return src.tileSize }
func (src *tileSource) Extents() ngstream.Extents   { return src.extents }

// ComputePath gives the tile path: {prefix}/tile/{dims}/{level}/{gx}_{gy}_{gz}.
func (src *tileSource) ComputePath(chunkPos ngstream.ChunkPoint3d, chunkSize ngstream.Point3d) string {
	return fmt.Sprintf("%s/tile/%s/%d/%d_%d_%d", src.prefix, src.dims, src.level,
		chunkPos[0], chunkPos[1], chunkPos[2])
}

func (src *tileSource) FetchRaw(ctx context.Context, chunkPos ngstream.ChunkPoint3d) ([]byte, error) {
	return src.getter.Fetch(ctx, src.mirrors, src.ComputePath(chunkPos, src.tileSize))
}

// Decode interprets the tile as a JPEG plane.  Tiles are full size even at
// volume edges; the server pads, so no clipping happens here.
func (src *tileSource) Decode(chunkPos ngstream.ChunkPoint3d, data []byte) (*decode.Payload, error) {
	// decode.JPEG treats the buffer as stacked XY planes; a single tile is
	// one plane of the in-plane dimensions.
	var planeSize ngstream.Point3d
	switch src.dims {
	case "xy":
		planeSize = ngstream.Point3d{src.tileSize[0], src.tileSize[1], 1}
	case "xz":
		planeSize = ngstream.Point3d{src.tileSize[0], src.tileSize[2], 1}
	case "yz":
		planeSize = ngstream.Point3d{src.tileSize[1], src.tileSize[2], 1}
	}
	return decode.JPEG(decode.VoxelSpec{Size: planeSize, DataType: ngstream.T_uint8}, data)
}
