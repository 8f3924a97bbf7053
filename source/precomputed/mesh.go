package precomputed

import (
	"context"
	"fmt"

	"github.com/janelia-flyem/ngstream/decode"
	"github.com/janelia-flyem/ngstream/ngstream"
	"github.com/janelia-flyem/ngstream/source"
)

// meshSource retrieves object meshes in two phases: the JSON manifest naming
// fragment files, then each fragment's binary triangle buffer.  Each
// fragment fetch carries its own context so one can be cancelled without
// affecting the rest.
type meshSource struct {
	id      ngstream.SourceID
	mirrors []string
	meshDir string
	getter  getter
}

func newMeshSource(mirrors []string, meshDir string, g getter) *meshSource {
	return &meshSource{
		id:      source.NewSourceID(),
		mirrors: mirrors,
		meshDir: meshDir,
		getter:  g,
	}
}

func (src *meshSource) ID() ngstream.SourceID {
	return src.id
}

// ManifestPath gives the manifest object path: {meshDir}/{objectId}:{lod}.
func (src *meshSource) ManifestPath(objectID uint64, lod int) string {
	return fmt.Sprintf("%s/%d:%d", src.meshDir, objectID, lod)
}

// FragmentPath gives a fragment object path: {meshDir}/{fragmentId}.
func (src *meshSource) FragmentPath(fragment string) string {
	return fmt.Sprintf("%s/%s", src.meshDir, fragment)
}

// Download fetches and decodes the fragment manifest for an object.
func (src *meshSource) Download(ctx context.Context, objectID uint64, lod int) (*decode.Payload, error) {
	data, err := src.getter.Fetch(ctx, src.mirrors, src.ManifestPath(objectID, lod))
	if err != nil {
		return nil, err
	}
	return decode.MeshManifest(data)
}

// DownloadFragment fetches and decodes one fragment triangle buffer.
func (src *meshSource) DownloadFragment(ctx context.Context, fragment string) (*decode.Payload, error) {
	data, err := src.getter.Fetch(ctx, src.mirrors, src.FragmentPath(fragment))
	if err != nil {
		return nil, err
	}
	return decode.MeshFragment(data)
}
