package dvidapi

import (
	"context"
	"fmt"

	"github.com/janelia-flyem/ngstream/decode"
	"github.com/janelia-flyem/ngstream/ngstream"
	"github.com/janelia-flyem/ngstream/source"
)

// annotationSource reads spatially indexed annotation elements chunk by
// chunk through the elements query:
// {prefix}/elements/{sx}_{sy}_{sz}/{x0}_{y0}_{z0}.
type annotationSource struct {
	id        ngstream.SourceID
	mirrors   []string
	prefix    string // api/node/{uuid}/{instance}
	chunkSize ngstream.Point3d
	extents   ngstream.Extents
	getter    getter
}

func newAnnotationSource(mirrors []string, uuid, instance string,
	chunkSize ngstream.Point3d, extents ngstream.Extents, g getter) *annotationSource {

	return &annotationSource{
		id:        source.NewSourceID(),
		mirrors:   mirrors,
		prefix:    fmt.Sprintf("api/node/%s/%s", uuid, instance),
		chunkSize: chunkSize,
		extents:   extents,
		getter:    g,
	}
}

func (src *annotationSource) ID() ngstream.SourceID       { return src.id }
func (src *annotationSource) Level() int                  { return 0 }
func (src *annotationSource) Encoding() ngstream.Encoding { return ngstream.EncodingAnnotation }
func (src *annotationSource) DataType() ngstream.DataType { return ngstream.T_uint8 }
func (src *annotationSource) ChunkSize() ngstream.Point3d { return src.chunkSize }
func (src *annotationSource) Extents() ngstream.Extents   { return src.extents }

func (src *annotationSource) ComputePath(chunkPos ngstream.ChunkPoint3d, chunkSize ngstream.Point3d) string {
	begin := chunkPos.MinPoint(chunkSize)
	return fmt.Sprintf("%s/elements/%d_%d_%d/%d_%d_%d", src.prefix,
		chunkSize[0], chunkSize[1], chunkSize[2],
		begin[0], begin[1], begin[2])
}

func (src *annotationSource) FetchRaw(ctx context.Context, chunkPos ngstream.ChunkPoint3d) ([]byte, error) {
	return src.getter.Fetch(ctx, src.mirrors, src.ComputePath(chunkPos, src.chunkSize))
}

func (src *annotationSource) Decode(chunkPos ngstream.ChunkPoint3d, data []byte) (*decode.Payload, error) {
	return decode.Annotations(data)
}
