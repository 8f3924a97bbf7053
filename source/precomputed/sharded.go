package precomputed

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/golang/groupcache/lru"

	"github.com/janelia-flyem/ngstream/decode"
	"github.com/janelia-flyem/ngstream/fetch"
	"github.com/janelia-flyem/ngstream/ngstream"
	"github.com/janelia-flyem/ngstream/source"
)

// maxShardIndexEntries bounds the shard-index LRU per source.  An entry is
// one shard file's fixed index plus its decoded minishard maps.
const maxShardIndexEntries = 64

// rangeGetter reads a byte range of a remote object.
type rangeGetter interface {
	FetchRange(ctx context.Context, mirrors []string, path string, offset, size uint64) ([]byte, error)
}

type shardT struct {
	sync.RWMutex
	index      []byte // fixed-size shard index
	minishards map[uint64]map[uint64]valueLoc
}

type valueLoc struct {
	pos  uint64 // byte of value start relative to start of file
	size uint64 // size of value in bytes
}

// shardedSource reads raster chunks for one scale stored in the
// neuroglancer_uint64_sharded_v1 layout: chunk grid coordinate -> compressed
// morton code -> (shard file, minishard) -> range reads through a two-level
// index.
type shardedSource struct {
	id        ngstream.SourceID
	level     int
	mirrors   []string
	scale     ngScale
	dataType  ngstream.DataType
	chunkSize ngstream.Point3d
	decoder   voxelDecoder
	fetcher   rangeGetter

	indexMu sync.Mutex
	indexes *lru.Cache // shard filename -> *shardT
}

func newShardedSource(level int, mirrors []string, vol *ngVolume, scale *ngScale,
	chunkSize ngstream.Point3d, fetcher rangeGetter) (*shardedSource, error) {

	decoder, err := bindDecoder(scale.encoding)
	if err != nil {
		return nil, err
	}
	switch scale.Sharding.Hash {
	case "identity":
		// no-op
	default:
		return nil, fmt.Errorf("unimplemented hash method for shard: %q", scale.Sharding.Hash)
	}
	switch scale.Sharding.IndexEncoding {
	case "", "raw", "gzip":
	default:
		return nil, fmt.Errorf("unknown minishard_index_encoding: %s", scale.Sharding.IndexEncoding)
	}
	return &shardedSource{
		id:        source.NewSourceID(),
		level:     level,
		mirrors:   mirrors,
		scale:     *scale,
		dataType:  vol.dataType,
		chunkSize: chunkSize,
		decoder:   decoder,
		fetcher:   fetcher,
		indexes:   lru.New(maxShardIndexEntries),
	}, nil
}

func (src *shardedSource) ID() ngstream.SourceID       { return src.id }
func (src *shardedSource) Level() int                  { return src.level }
func (src *shardedSource) Encoding() ngstream.Encoding { return src.scale.encoding }
func (src *shardedSource) DataType() ngstream.DataType { return src.dataType }
func (src *shardedSource) ChunkSize() ngstream.Point3d { return src.chunkSize }
func (src *shardedSource) Extents() ngstream.Extents   { return src.scale.extents }

// mortonCode computes the compressed 3d morton code for a chunk grid
// coordinate: bits interleave LSB to MSB per dimension, but dimensions whose
// size needs fewer bits drop out once exhausted, conserving bits of the
// uint64 for asymmetric volumes.
func (src *shardedSource) mortonCode(chunkPos ngstream.ChunkPoint3d) (mortonCode uint64) {
	var coords [3]uint64
	for dim := uint8(0); dim < 3; dim++ {
		coords[dim] = uint64(chunkPos[dim])
	}

	var outBit uint8
	for curBit := uint8(0); curBit < src.scale.maxBits; curBit++ {
		for dim := uint8(0); dim < 3; dim++ {
			if curBit < src.scale.numBits[dim] {
				bitVal := coords[dim] & 0x0000000000000001
				mortonCode |= (bitVal << outBit)
				outBit++
				coords[dim] = coords[dim] >> 1
			}
		}
	}
	return
}

// calcShard maps a chunk grid coordinate to its shard file, minishard
// number, and chunk ID.
func (src *shardedSource) calcShard(chunkPos ngstream.ChunkPoint3d) (fname string, minishard, chunkID uint64) {
	chunkID = src.mortonCode(chunkPos)
	hashedID := chunkID >> src.scale.Sharding.PreshiftBits
	minishard = hashedID & src.scale.minishardMask
	shard := uint32((hashedID & src.scale.shardMask) >> src.scale.Sharding.MinishardBits)
	shardPadding := uint8(1)
	if src.scale.Sharding.ShardBits > 4 {
		shardPadding = 1 + (src.scale.Sharding.ShardBits-1)/4
	}
	fname = fmt.Sprintf("%s/%0*x.shard", src.scale.Key, shardPadding, shard)
	return
}

// ComputePath returns the shard file holding the chunk.  Unlike the
// unsharded layout there is no per-chunk object; the byte range within the
// shard comes from the minishard index at fetch time.
func (src *shardedSource) ComputePath(chunkPos ngstream.ChunkPoint3d, chunkSize ngstream.Point3d) string {
	fname, _, _ := src.calcShard(chunkPos)
	return fname
}

func (src *shardedSource) getShard(ctx context.Context, shardFile string) (*shardT, error) {
	src.indexMu.Lock()
	cached, found := src.indexes.Get(shardFile)
	src.indexMu.Unlock()
	if found {
		return cached.(*shardT), nil
	}

	timedLog := ngstream.NewTimeLog()
	indexData, err := src.fetcher.FetchRange(ctx, src.mirrors, shardFile, 0, src.scale.shardIndexEnd)
	if err != nil {
		return nil, err
	}
	if uint64(len(indexData)) < src.scale.shardIndexEnd {
		return nil, fmt.Errorf("shard index of %q is %d bytes, expected %d",
			shardFile, len(indexData), src.scale.shardIndexEnd)
	}
	shard := &shardT{
		index:      indexData,
		minishards: make(map[uint64]map[uint64]valueLoc),
	}
	timedLog.Debugf("loaded shard index from object %q", shardFile)

	src.indexMu.Lock()
	src.indexes.Add(shardFile, shard)
	src.indexMu.Unlock()
	return shard, nil
}

func (src *shardedSource) getMinishardMap(ctx context.Context, shardFile string, minishard uint64) (map[uint64]valueLoc, error) {
	shard, err := src.getShard(ctx, shardFile)
	if err != nil {
		return nil, err
	}

	shard.RLock()
	minishardMap, found := shard.minishards[minishard]
	shard.RUnlock()
	if found {
		return minishardMap, nil
	}

	minishardMap, err = src.loadMinishardMap(ctx, shardFile, shard, minishard)
	if err != nil {
		return nil, err
	}
	shard.Lock()
	shard.minishards[minishard] = minishardMap
	shard.Unlock()
	return minishardMap, nil
}

// loadMinishardMap range-reads and decodes one minishard index: three
// parallel arrays of n uint64s (chunk ID deltas, offset deltas, sizes).
// Chunk IDs and offsets are delta encoded; sizes are not.
func (src *shardedSource) loadMinishardMap(ctx context.Context, shardFile string, shard *shardT, minishard uint64) (map[uint64]valueLoc, error) {
	timedLog := ngstream.NewTimeLog()

	pos := minishard * 16
	begByte := binary.LittleEndian.Uint64(shard.index[pos:pos+8]) + src.scale.shardIndexEnd
	endByte := binary.LittleEndian.Uint64(shard.index[pos+8:pos+16]) + src.scale.shardIndexEnd
	if endByte == begByte {
		return map[uint64]valueLoc{}, nil
	}

	rawData, err := src.fetcher.FetchRange(ctx, src.mirrors, shardFile, begByte, endByte-begByte)
	if err != nil {
		return nil, err
	}

	var minishardData []byte
	switch src.scale.Sharding.IndexEncoding {
	case "", "raw":
		minishardData = rawData
	case "gzip":
		minishardData, err = gzipUncompress(rawData)
		if err != nil {
			return nil, err
		}
	}

	indexSize := len(minishardData)
	if indexSize%24 != 0 {
		return nil, fmt.Errorf("minishard data length is %d bytes, which is not multiple of 24", indexSize)
	}
	n := uint64(indexSize) / 24
	minishardMap := make(map[uint64]valueLoc, n)

	var chunkID, offset uint64
	var idPos, offsetPos, sizePos, i, sizeAcc uint64
	offsetPos = n * 8
	sizePos = n * 16
	sizeAcc = src.scale.shardIndexEnd
	for i = 0; i < n; i++ {
		delta := binary.LittleEndian.Uint64(minishardData[idPos : idPos+8])
		if i == 0 {
			chunkID = delta
		} else {
			chunkID += delta
		}
		delta = binary.LittleEndian.Uint64(minishardData[offsetPos : offsetPos+8])
		if i == 0 {
			offset = delta
		} else {
			offset += delta
		}
		size := binary.LittleEndian.Uint64(minishardData[sizePos : sizePos+8])

		minishardMap[chunkID] = valueLoc{
			pos:  offset + sizeAcc,
			size: size,
		}
		sizeAcc += size
		idPos += 8
		offsetPos += 8
		sizePos += 8
	}

	timedLog.Debugf("loaded minishard map with %s encoding: %d entries, %d bytes",
		src.scale.Sharding.IndexEncoding, n, indexSize)
	return minishardMap, nil
}

// FetchRaw resolves the chunk through the shard/minishard index and
// range-reads its payload.  A chunk absent from the minishard map does not
// exist on the server.
func (src *shardedSource) FetchRaw(ctx context.Context, chunkPos ngstream.ChunkPoint3d) ([]byte, error) {
	shardFile, minishard, chunkID := src.calcShard(chunkPos)
	minishardMap, err := src.getMinishardMap(ctx, shardFile, minishard)
	if err != nil {
		return nil, err
	}
	loc, found := minishardMap[chunkID]
	if !found {
		return nil, fmt.Errorf("%w: chunk %s (id %x) in shard %q", fetch.ErrNotFound, chunkPos, chunkID, shardFile)
	}
	data, err := src.fetcher.FetchRange(ctx, src.mirrors, shardFile, loc.pos, loc.size)
	if err != nil {
		return nil, err
	}
	if src.scale.Sharding.DataEncoding == "gzip" {
		return gzipUncompress(data)
	}
	return data, nil
}

func (src *shardedSource) chunkExtents(chunkPos ngstream.ChunkPoint3d, chunkSize ngstream.Point3d) ngstream.Extents {
	begin := src.scale.Offset.Add(chunkPos.MinPoint(chunkSize))
	end := begin.Add(chunkSize).Min(src.scale.extents.MaxPoint)
	return ngstream.Extents{MinPoint: begin, MaxPoint: end}
}

func (src *shardedSource) Decode(chunkPos ngstream.ChunkPoint3d, data []byte) (*decode.Payload, error) {
	ext := src.chunkExtents(chunkPos, src.chunkSize)
	spec := decode.VoxelSpec{
		Size:      ext.Size(),
		DataType:  src.dataType,
		BlockSize: src.scale.CompSegSz,
	}
	return src.decoder(spec, data)
}
