package precomputed

import (
	"context"
	"fmt"

	"github.com/janelia-flyem/ngstream/decode"
	"github.com/janelia-flyem/ngstream/ngstream"
	"github.com/janelia-flyem/ngstream/source"
)

// skeletonSource retrieves SWC line geometry for objects in a single phase.
type skeletonSource struct {
	id      ngstream.SourceID
	mirrors []string
	skelDir string
	getter  getter
}

func newSkeletonSource(mirrors []string, skelDir string, g getter) *skeletonSource {
	return &skeletonSource{
		id:      source.NewSourceID(),
		mirrors: mirrors,
		skelDir: skelDir,
		getter:  g,
	}
}

func (src *skeletonSource) ID() ngstream.SourceID {
	return src.id
}

// SkeletonPath gives the skeleton object path: {skelDir}/{objectId}_swc.
func (src *skeletonSource) SkeletonPath(objectID uint64) string {
	return fmt.Sprintf("%s/%d_swc", src.skelDir, objectID)
}

// Download fetches and decodes the skeleton for an object.
func (src *skeletonSource) Download(ctx context.Context, objectID uint64) (*decode.Payload, error) {
	data, err := src.getter.Fetch(ctx, src.mirrors, src.SkeletonPath(objectID))
	if err != nil {
		return nil, err
	}
	return decode.Skeleton(data)
}
