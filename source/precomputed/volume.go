package precomputed

import (
	"context"
	"fmt"

	"github.com/janelia-flyem/ngstream/decode"
	"github.com/janelia-flyem/ngstream/ngstream"
	"github.com/janelia-flyem/ngstream/source"
)

// getter is satisfied by both fetch.Fetcher and fetch.Credentialed, so a
// source composes credentials by holding whichever getter it was built with.
// Sharded sources need the ranged-read path too, and it must carry the same
// credentials as whole-object reads.
type getter interface {
	Fetch(ctx context.Context, mirrors []string, path string) ([]byte, error)
	FetchRange(ctx context.Context, mirrors []string, path string, offset, size uint64) ([]byte, error)
}

// voxelDecoder is the decoder bound at source construction.
type voxelDecoder func(spec decode.VoxelSpec, data []byte) (*decode.Payload, error)

// bindDecoder resolves the voxel decoder for an encoding.  The encoding set
// is closed, so an unknown value here is a construction-time bug.
func bindDecoder(encoding ngstream.Encoding) (voxelDecoder, error) {
	switch encoding {
	case ngstream.EncodingRaw:
		return decode.Raw, nil
	case ngstream.EncodingJPEG:
		return decode.JPEG, nil
	case ngstream.EncodingCompressedSeg:
		return decode.CompressedSegmentation, nil
	case ngstream.EncodingDVIDBlock:
		return decode.DVIDBlock, nil
	default:
		return nil, fmt.Errorf("no voxel decoder for encoding %s", encoding)
	}
}

// volumeSource reads unsharded precomputed raster chunks for one scale.
type volumeSource struct {
	id        ngstream.SourceID
	level     int
	mirrors   []string
	scaleKey  string
	encoding  ngstream.Encoding
	dataType  ngstream.DataType
	chunkSize ngstream.Point3d
	offset    ngstream.Point3d
	extents   ngstream.Extents
	compSegSz ngstream.Point3d
	getter    getter
	decoder   voxelDecoder
}

func newVolumeSource(level int, mirrors []string, vol *ngVolume, scale *ngScale,
	chunkSize ngstream.Point3d, g getter) (*volumeSource, error) {

	decoder, err := bindDecoder(scale.encoding)
	if err != nil {
		return nil, err
	}
	return &volumeSource{
		id:        source.NewSourceID(),
		level:     level,
		mirrors:   mirrors,
		scaleKey:  scale.Key,
		encoding:  scale.encoding,
		dataType:  vol.dataType,
		chunkSize: chunkSize,
		offset:    scale.Offset,
		extents:   scale.extents,
		compSegSz: scale.CompSegSz,
		getter:    g,
		decoder:   decoder,
	}, nil
}

func (src *volumeSource) ID() ngstream.SourceID          { return src.id }
func (src *volumeSource) Level() int                     { return src.level }
func (src *volumeSource) Encoding() ngstream.Encoding    { return src.encoding }
func (src *volumeSource) DataType() ngstream.DataType    { return src.dataType }
func (src *volumeSource) ChunkSize() ngstream.Point3d    { return src.chunkSize }
func (src *volumeSource) Extents() ngstream.Extents      { return src.extents }

// chunkExtents returns the voxel bounds of a grid chunk clipped to the
// volume extents.  The chunk grid is anchored at the voxel offset, per the
// precomputed convention.
func (src *volumeSource) chunkExtents(chunkPos ngstream.ChunkPoint3d, chunkSize ngstream.Point3d) ngstream.Extents {
	begin := src.offset.Add(chunkPos.MinPoint(chunkSize))
	end := begin.Add(chunkSize).Min(src.extents.MaxPoint)
	return ngstream.Extents{MinPoint: begin, MaxPoint: end}
}

// ComputePath gives the unsharded chunk object path:
// {key}/x0-x1_y0-y1_z0-z1 with exclusive upper bounds, clipped at volume
// edges.
func (src *volumeSource) ComputePath(chunkPos ngstream.ChunkPoint3d, chunkSize ngstream.Point3d) string {
	ext := src.chunkExtents(chunkPos, chunkSize)
	return fmt.Sprintf("%s/%d-%d_%d-%d_%d-%d", src.scaleKey,
		ext.MinPoint[0], ext.MaxPoint[0],
		ext.MinPoint[1], ext.MaxPoint[1],
		ext.MinPoint[2], ext.MaxPoint[2])
}

func (src *volumeSource) FetchRaw(ctx context.Context, chunkPos ngstream.ChunkPoint3d) ([]byte, error) {
	return src.getter.Fetch(ctx, src.mirrors, src.ComputePath(chunkPos, src.chunkSize))
}

func (src *volumeSource) Decode(chunkPos ngstream.ChunkPoint3d, data []byte) (*decode.Payload, error) {
	ext := src.chunkExtents(chunkPos, src.chunkSize)
	spec := decode.VoxelSpec{
		Size:      ext.Size(),
		DataType:  src.dataType,
		BlockSize: src.compSegSz,
	}
	return src.decoder(spec, data)
}
