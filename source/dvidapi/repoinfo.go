/*
Package dvidapi implements the DVID backend: repository-info parsing,
image-block raster sources with optional serialized-block framing, image-tile
sources, annotation element sources, and keyvalue-backed mesh and skeleton
collections.
*/
package dvidapi

import (
	"encoding/json"
	"fmt"

	"github.com/janelia-flyem/ngstream/ngstream"
)

// instanceBase is the type-independent part of a data instance description.
type instanceBase struct {
	TypeName    string
	TypeVersion string
	Name        string
	DataUUID    string
	RepoUUID    string
}

// dataInstance is one parsed data instance: the common base plus the
// type-specific extended properties left raw for per-type decoding.
type dataInstance struct {
	Base     instanceBase
	Extended json.RawMessage
}

// dagNode is one node of the repo version DAG.
type dagNode struct {
	UUID      string
	VersionID int
	Locked    bool
	Parents   []int
	Children  []int
}

// repoInfo is the parsed repository description.  Skipped records data
// instances whose description failed to parse; a partial failure of one
// instance never fails the whole repo.
type repoInfo struct {
	Root          string
	Alias         string
	Description   string
	DataInstances map[string]dataInstance
	DAG           struct {
		Nodes map[string]dagNode
	}
	Skipped map[string]error
}

// parseRepoInfo decodes repository-info JSON.  Each data instance is decoded
// independently so one malformed instance is recorded and skipped instead of
// failing the repo.
func parseRepoInfo(data []byte) (*repoInfo, error) {
	var envelope struct {
		Root          string
		Alias         string
		Description   string
		DataInstances map[string]json.RawMessage
		DAG           struct {
			Nodes map[string]dagNode
		}
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("repository info is not valid JSON: %v", err)
	}
	info := &repoInfo{
		Root:          envelope.Root,
		Alias:         envelope.Alias,
		Description:   envelope.Description,
		DataInstances: make(map[string]dataInstance, len(envelope.DataInstances)),
		DAG:           envelope.DAG,
		Skipped:       make(map[string]error),
	}
	for name, raw := range envelope.DataInstances {
		var instance dataInstance
		if err := json.Unmarshal(raw, &instance); err != nil {
			info.Skipped[name] = err
			ngstream.Warningf("Skipping data instance %q in repo %s: %v\n", name, envelope.Root, err)
			continue
		}
		if instance.Base.TypeName == "" {
			info.Skipped[name] = fmt.Errorf("data instance %q has no TypeName", name)
			ngstream.Warningf("Skipping data instance %q in repo %s: no TypeName\n", name, envelope.Root)
			continue
		}
		info.DataInstances[name] = instance
	}
	return info, nil
}

// rasterProps are the extended properties of image-block instances
// (uint8blk, labelblk, labelmap, ...).
type rasterProps struct {
	Values []struct {
		DataType string
		Label    string
	}
	Interpolable    bool
	BlockSize       ngstream.Point3d
	VoxelSize       ngstream.NdFloat32
	MinPoint        ngstream.Point3d
	MaxPoint        ngstream.Point3d
	MaxDownresLevel int
}

func parseRasterProps(extended json.RawMessage, name string) (rasterProps, error) {
	var props rasterProps
	if err := json.Unmarshal(extended, &props); err != nil {
		return props, fmt.Errorf("extended properties of %q: %v", name, err)
	}
	if len(props.Values) == 0 {
		return props, fmt.Errorf("data instance %q describes no voxel values", name)
	}
	if props.BlockSize == (ngstream.Point3d{}) {
		return props, fmt.Errorf("data instance %q has no BlockSize", name)
	}
	if len(props.VoxelSize) < 3 {
		return props, fmt.Errorf("data instance %q has no 3d VoxelSize", name)
	}
	return props, nil
}

// tileLevelSpec is the resolution and tile size of one tile pyramid level.
type tileLevelSpec struct {
	Resolution ngstream.NdFloat32
	TileSize   ngstream.Point3d
}

// tileProps are the extended properties of imagetile instances: a pyramid of
// levels keyed by scale number.
type tileProps struct {
	Levels map[string]tileLevelSpec
	Source string
}

func parseTileProps(extended json.RawMessage, name string) (tileProps, error) {
	var props tileProps
	if err := json.Unmarshal(extended, &props); err != nil {
		return props, fmt.Errorf("extended properties of %q: %v", name, err)
	}
	if len(props.Levels) == 0 {
		return props, fmt.Errorf("tile instance %q describes no levels", name)
	}
	for key, level := range props.Levels {
		if len(level.Resolution) < 3 {
			return props, fmt.Errorf("tile instance %q level %s has no 3d resolution", name, key)
		}
		if level.TileSize == (ngstream.Point3d{}) {
			return props, fmt.Errorf("tile instance %q level %s has no tile size", name, key)
		}
	}
	return props, nil
}
