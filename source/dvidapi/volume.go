package dvidapi

import (
	"context"
	"fmt"

	"github.com/janelia-flyem/ngstream/decode"
	"github.com/janelia-flyem/ngstream/ngstream"
	"github.com/janelia-flyem/ngstream/source"
)

// getter is satisfied by both fetch.Fetcher and fetch.Credentialed.
type getter interface {
	Fetch(ctx context.Context, mirrors []string, path string) ([]byte, error)
}

// rasterSource reads image-block chunks for one downres level of a DVID
// data instance.  Level 0 is the named instance; coarser levels use the
// DVID pyramid naming convention {instance}_{level}.
type rasterSource struct {
	id        ngstream.SourceID
	level     int
	mirrors   []string
	prefix    string // api/node/{uuid}/{instance with level suffix}
	encoding  ngstream.Encoding
	dataType  ngstream.DataType
	chunkSize ngstream.Point3d
	offset    ngstream.Point3d
	extents   ngstream.Extents
	getter    getter
	decoder   func(spec decode.VoxelSpec, data []byte) (*decode.Payload, error)
}

// levelInstance returns the data instance name serving a downres level.
func levelInstance(instance string, level int) string {
	if level == 0 {
		return instance
	}
	return fmt.Sprintf("%s_%d", instance, level)
}

func newRasterSource(level int, mirrors []string, uuid, instance string,
	props rasterProps, encoding ngstream.Encoding, dataType ngstream.DataType,
	extents ngstream.Extents, g getter) (*rasterSource, error) {

	var decoder func(spec decode.VoxelSpec, data []byte) (*decode.Payload, error)
	switch encoding {
	case ngstream.EncodingRaw:
		decoder = decode.Raw
	case ngstream.EncodingJPEG:
		decoder = decode.JPEG
	case ngstream.EncodingDVIDBlock:
		decoder = decode.DVIDBlock
	default:
		return nil, fmt.Errorf("no raster decoder for encoding %s", encoding)
	}
	return &rasterSource{
		id:        source.NewSourceID(),
		level:     level,
		mirrors:   mirrors,
		prefix:    fmt.Sprintf("api/node/%s/%s", uuid, levelInstance(instance, level)),
		encoding:  encoding,
		dataType:  dataType,
		chunkSize: props.BlockSize,
		offset:    extents.MinPoint,
		extents:   extents,
		getter:    g,
		decoder:   decoder,
	}, nil
}

func (src *rasterSource) ID() ngstream.SourceID       { return src.id }
func (src *rasterSource) Level() int                  { return src.level }
func (src *rasterSource) Encoding() ngstream.Encoding { return src.encoding }
func (src *rasterSource) DataType() ngstream.DataType { return src.dataType }
func (src *rasterSource) ChunkSize() ngstream.Point3d { return src.chunkSize }
func (src *rasterSource) Extents() ngstream.Extents   { return src.extents }

func (src *rasterSource) chunkExtents(chunkPos ngstream.ChunkPoint3d, chunkSize ngstream.Point3d) ngstream.Extents {
	begin := src.offset.Add(chunkPos.MinPoint(chunkSize))
	end := begin.Add(chunkSize).Min(src.extents.MaxPoint)
	return ngstream.Extents{MinPoint: begin, MaxPoint: end}
}

// ComputePath gives the raster range path: {prefix}/x0-x1_y0-y1_z0-z1 with
// exclusive upper bounds, clipped at the volume edge.
func (src *rasterSource) ComputePath(chunkPos ngstream.ChunkPoint3d, chunkSize ngstream.Point3d) string {
	ext := src.chunkExtents(chunkPos, chunkSize)
	return fmt.Sprintf("%s/%d-%d_%d-%d_%d-%d", src.prefix,
		ext.MinPoint[0], ext.MaxPoint[0],
		ext.MinPoint[1], ext.MaxPoint[1],
		ext.MinPoint[2], ext.MaxPoint[2])
}

func (src *rasterSource) FetchRaw(ctx context.Context, chunkPos ngstream.ChunkPoint3d) ([]byte, error) {
	return src.getter.Fetch(ctx, src.mirrors, src.ComputePath(chunkPos, src.chunkSize))
}

func (src *rasterSource) Decode(chunkPos ngstream.ChunkPoint3d, data []byte) (*decode.Payload, error) {
	ext := src.chunkExtents(chunkPos, src.chunkSize)
	return src.decoder(decode.VoxelSpec{Size: ext.Size(), DataType: src.dataType}, data)
}
