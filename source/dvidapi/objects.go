package dvidapi

import (
	"context"
	"fmt"

	"github.com/janelia-flyem/ngstream/decode"
	"github.com/janelia-flyem/ngstream/ngstream"
	"github.com/janelia-flyem/ngstream/source"
)

// meshSource serves legacy meshes stored in a keyvalue instance conventionally
// named {segmentation}_meshes: a manifest under {objectId}:{lod} and binary
// fragments under their own keys.
type meshSource struct {
	id      ngstream.SourceID
	mirrors []string
	prefix  string // api/node/{uuid}/{instance}/key
	getter  getter
}

func newMeshSource(mirrors []string, uuid, instance string, g getter) *meshSource {
	return &meshSource{
		id:      source.NewSourceID(),
		mirrors: mirrors,
		prefix:  fmt.Sprintf("api/node/%s/%s/key", uuid, instance),
		getter:  g,
	}
}

func (src *meshSource) ID() ngstream.SourceID {
	return src.id
}

func (src *meshSource) ManifestPath(objectID uint64, lod int) string {
	return fmt.Sprintf("%s/%d:%d", src.prefix, objectID, lod)
}

func (src *meshSource) FragmentPath(fragment string) string {
	return fmt.Sprintf("%s/%s", src.prefix, fragment)
}

func (src *meshSource) Download(ctx context.Context, objectID uint64, lod int) (*decode.Payload, error) {
	data, err := src.getter.Fetch(ctx, src.mirrors, src.ManifestPath(objectID, lod))
	if err != nil {
		return nil, err
	}
	return decode.MeshManifest(data)
}

func (src *meshSource) DownloadFragment(ctx context.Context, fragment string) (*decode.Payload, error) {
	data, err := src.getter.Fetch(ctx, src.mirrors, src.FragmentPath(fragment))
	if err != nil {
		return nil, err
	}
	return decode.MeshFragment(data)
}

// skeletonSource serves SWC skeletons stored in a keyvalue instance
// conventionally named {segmentation}_skeletons under keys {objectId}_swc.
type skeletonSource struct {
	id      ngstream.SourceID
	mirrors []string
	prefix  string // api/node/{uuid}/{instance}/key
	getter  getter
}

func newSkeletonSource(mirrors []string, uuid, instance string, g getter) *skeletonSource {
	return &skeletonSource{
		id:      source.NewSourceID(),
		mirrors: mirrors,
		prefix:  fmt.Sprintf("api/node/%s/%s/key", uuid, instance),
		getter:  g,
	}
}

func (src *skeletonSource) ID() ngstream.SourceID {
	return src.id
}

func (src *skeletonSource) SkeletonPath(objectID uint64) string {
	return fmt.Sprintf("%s/%d_swc", src.prefix, objectID)
}

func (src *skeletonSource) Download(ctx context.Context, objectID uint64) (*decode.Payload, error) {
	data, err := src.getter.Fetch(ctx, src.mirrors, src.SkeletonPath(objectID))
	if err != nil {
		return nil, err
	}
	return decode.Skeleton(data)
}
