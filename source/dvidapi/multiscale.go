package dvidapi

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/janelia-flyem/ngstream/fetch"
	"github.com/janelia-flyem/ngstream/ngstream"
	"github.com/janelia-flyem/ngstream/source"
)

// Register adds the DVID backend to a source registry so dataset URLs of the
// form "dvid://https://server/{uuid}/{instance}" resolve here.
func Register(r *source.Registry) error {
	return r.Register("dvid", "DVID server API", "0.1.0", Open)
}

// Volume is one DVID data instance opened as a multiscale source.
type Volume struct {
	uuid     string
	instance string
	dataType ngstream.DataType
	scales   []source.Scale
	sources  [][]source.ChunkSource
	mesh     source.MeshSource
	skeleton source.SkeletonSource
}

// splitRef separates a DVID dataset reference into the server base URL, the
// version UUID, and the data instance name.  The reference uses the last two
// path segments: https://server[/path]/{uuid}/{instance}.
func splitRef(ref string) (base, uuid, instance string, err error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", "", "", fmt.Errorf("bad DVID dataset reference %q: %v", ref, err)
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) < 2 || segments[len(segments)-1] == "" || segments[len(segments)-2] == "" {
		return "", "", "", fmt.Errorf("DVID dataset reference %q needs /{uuid}/{instance} path", ref)
	}
	instance = segments[len(segments)-1]
	uuid = segments[len(segments)-2]
	u.Path = strings.TrimSuffix(strings.Trim(u.Path, "/"),
		"/"+uuid+"/"+instance)
	if u.Path != "" {
		u.Path = "/" + u.Path
	}
	base = u.Scheme + "://" + u.Host + u.Path
	return base, uuid, instance, nil
}

// Open fetches and parses the repository info and builds chunk sources for
// the named data instance.  The info fetch is memoized through the metadata
// cache.
func Open(ctx context.Context, spec source.Spec, deps *source.Deps) (source.MultiscaleSource, error) {
	if deps == nil || deps.Fetcher == nil {
		return nil, fmt.Errorf("no fetcher wired for DVID dataset @ %q", spec.Mirrors)
	}

	var mirrors []string
	var uuid, instance string
	for _, ref := range spec.Mirrors {
		base, refUUID, refInstance, err := splitRef(ref)
		if err != nil {
			return nil, err
		}
		if uuid == "" {
			uuid, instance = refUUID, refInstance
		} else if refUUID != uuid || refInstance != instance {
			return nil, fmt.Errorf("mirror %q names %s/%s, expected %s/%s",
				ref, refUUID, refInstance, uuid, instance)
		}
		mirrors = append(mirrors, base)
	}

	g, err := resolveGetter(spec, deps, mirrors)
	if err != nil {
		return nil, err
	}

	infoPath := fmt.Sprintf("api/repo/%s/info", uuid)
	key := source.CacheKey(append(append([]string{}, mirrors...), uuid, spec.Auth.CredentialsKey)...)
	var infoCache *source.InfoCache
	if deps != nil {
		infoCache = deps.InfoCache
	}
	data, err := infoCache.GetOrFetch(key, func() ([]byte, error) {
		return g.Fetch(ctx, mirrors, infoPath)
	})
	if err != nil {
		return nil, fmt.Errorf("reading DVID repo info @ %q: %v", mirrors, err)
	}
	info, err := parseRepoInfo(data)
	if err != nil {
		return nil, err
	}
	di, found := info.DataInstances[instance]
	if !found {
		if skipErr, skipped := info.Skipped[instance]; skipped {
			return nil, fmt.Errorf("data instance %q in repo %s failed to parse: %v", instance, uuid, skipErr)
		}
		return nil, fmt.Errorf("no data instance %q in repo %s (alias %q)", instance, uuid, info.Alias)
	}

	v := &Volume{uuid: uuid, instance: instance}
	switch di.Base.TypeName {
	case "uint8blk", "uint16blk", "uint32blk", "uint64blk", "float32blk", "labelblk", "labelmap":
		err = v.buildRaster(mirrors, di, g)
	case "imagetile":
		err = v.buildTiles(mirrors, info, di, g)
	case "annotation":
		err = v.buildAnnotations(mirrors, info, g)
	default:
		err = fmt.Errorf("data instance %q has unsupported type %q", instance, di.Base.TypeName)
	}
	if err != nil {
		return nil, err
	}

	// Linked object collections follow the keyvalue naming convention.
	if meshInstance := instance + "_meshes"; hasKeyvalue(info, meshInstance) {
		v.mesh = newMeshSource(mirrors, uuid, meshInstance, g)
	}
	if skelInstance := instance + "_skeletons"; hasKeyvalue(info, skelInstance) {
		v.skeleton = newSkeletonSource(mirrors, uuid, skelInstance, g)
	}

	ngstream.Infof("Opened DVID %s instance %q (%s), %d levels @ %q\n",
		di.Base.TypeName, instance, v.dataType, len(v.sources), mirrors)
	return v, nil
}

func resolveGetter(spec source.Spec, deps *source.Deps, mirrors []string) (getter, error) {
	if spec.Auth.CredentialsKey == "" {
		return deps.Fetcher, nil
	}
	if deps.Credentials == nil {
		return nil, fmt.Errorf("dataset @ %q names credentials %q but no registry is wired",
			mirrors, spec.Auth.CredentialsKey)
	}
	creds := deps.Credentials.Get(spec.Auth.CredentialsKey)
	if creds == nil {
		return nil, fmt.Errorf("no credentials registered under key %q", spec.Auth.CredentialsKey)
	}
	return fetch.NewCredentialed(deps.Fetcher, creds), nil
}

func hasKeyvalue(info *repoInfo, name string) bool {
	di, found := info.DataInstances[name]
	return found && di.Base.TypeName == "keyvalue"
}

// rasterEncoding maps a DVID voxel type to the wire encoding of its chunk
// payloads: label types arrive with serialized-block framing, image types as
// raw little-endian buffers.
func rasterEncoding(typeName string) ngstream.Encoding {
	switch typeName {
	case "labelblk", "labelmap":
		return ngstream.EncodingDVIDBlock
	default:
		return ngstream.EncodingRaw
	}
}

func (v *Volume) buildRaster(mirrors []string, di dataInstance, g getter) error {
	props, err := parseRasterProps(di.Extended, di.Base.Name)
	if err != nil {
		return err
	}
	if v.dataType, err = ngstream.DataTypeByName(props.Values[0].DataType); err != nil {
		return fmt.Errorf("data instance %q: %v", di.Base.Name, err)
	}
	encoding := rasterEncoding(di.Base.TypeName)

	// DVID extents report MaxPoint inclusively.
	baseExtents := ngstream.Extents{
		MinPoint: props.MinPoint,
		MaxPoint: props.MaxPoint.Add(ngstream.Point3d{1, 1, 1}),
	}
	baseRes := props.VoxelSize

	for level := 0; level <= props.MaxDownresLevel; level++ {
		res := make(ngstream.NdFloat32, 3)
		for dim := 0; dim < 3; dim++ {
			res[dim] = baseRes[dim] * float32(int32(1)<<level)
		}
		extents, err := baseExtents.Rescale(baseRes, res)
		if err != nil {
			return fmt.Errorf("data instance %q level %d: %v", di.Base.Name, level, err)
		}
		src, err := newRasterSource(level, mirrors, v.uuid, v.instance, props,
			encoding, v.dataType, extents, g)
		if err != nil {
			return err
		}
		v.sources = append(v.sources, []source.ChunkSource{src})
		v.scales = append(v.scales, source.Scale{
			Key:        levelInstance(v.instance, level),
			Resolution: res,
			Extents:    extents,
			ChunkSizes: []ngstream.Point3d{props.BlockSize},
			Encoding:   encoding,
		})
	}
	return nil
}

func (v *Volume) buildTiles(mirrors []string, info *repoInfo, di dataInstance, g getter) error {
	props, err := parseTileProps(di.Extended, di.Base.Name)
	if err != nil {
		return err
	}
	v.dataType = ngstream.T_uint8

	// Tile extents derive from the source raster instance when present.
	var baseExtents ngstream.Extents
	var baseRes ngstream.NdFloat32
	if sourceDI, found := info.DataInstances[props.Source]; found {
		if sourceProps, err := parseRasterProps(sourceDI.Extended, props.Source); err == nil {
			baseExtents = ngstream.Extents{
				MinPoint: sourceProps.MinPoint,
				MaxPoint: sourceProps.MaxPoint.Add(ngstream.Point3d{1, 1, 1}),
			}
			baseRes = sourceProps.VoxelSize
		}
	}

	// Levels are keyed by scale number strings; iterate in numeric order so
	// finer levels come first.
	levels := make([]int, 0, len(props.Levels))
	for key := range props.Levels {
		level, err := strconv.Atoi(key)
		if err != nil {
			return fmt.Errorf("tile instance %q has non-numeric level %q", di.Base.Name, key)
		}
		levels = append(levels, level)
	}
	sort.Ints(levels)

	for _, level := range levels {
		spec := props.Levels[strconv.Itoa(level)]
		extents := baseExtents
		if baseRes != nil {
			if extents, err = baseExtents.Rescale(baseRes, spec.Resolution); err != nil {
				return fmt.Errorf("tile instance %q level %d: %v", di.Base.Name, level, err)
			}
		}
		alternatives := make([]source.ChunkSource, 0, len(tileOrientations))
		for _, dims := range tileOrientations {
			alternatives = append(alternatives,
				newTileSource(level, mirrors, v.uuid, v.instance, dims, spec, extents, g))
		}
		v.sources = append(v.sources, alternatives)
		v.scales = append(v.scales, source.Scale{
			Key:        strconv.Itoa(level),
			Resolution: spec.Resolution,
			Extents:    extents,
			ChunkSizes: []ngstream.Point3d{spec.TileSize},
			Encoding:   ngstream.EncodingTile,
		})
	}
	return nil
}

// defaultAnnotationChunk is the spatial index granularity used when the
// annotation instance is not synced to a raster volume we can read it from.
var defaultAnnotationChunk = ngstream.Point3d{64, 64, 64}

func (v *Volume) buildAnnotations(mirrors []string, info *repoInfo, g getter) error {
	v.dataType = ngstream.T_uint8
	chunkSize := defaultAnnotationChunk
	var extents ngstream.Extents
	var res ngstream.NdFloat32

	// Borrow geometry from any raster instance in the repo so the manager
	// can bound the visible set.
	for name, di := range info.DataInstances {
		switch di.Base.TypeName {
		case "uint8blk", "labelblk", "labelmap":
			if props, err := parseRasterProps(di.Extended, name); err == nil {
				chunkSize = props.BlockSize
				extents = ngstream.Extents{
					MinPoint: props.MinPoint,
					MaxPoint: props.MaxPoint.Add(ngstream.Point3d{1, 1, 1}),
				}
				res = props.VoxelSize
			}
		}
	}

	src := newAnnotationSource(mirrors, v.uuid, v.instance, chunkSize, extents, g)
	v.sources = [][]source.ChunkSource{{src}}
	v.scales = []source.Scale{{
		Key:        v.instance,
		Resolution: res,
		Extents:    extents,
		ChunkSizes: []ngstream.Point3d{chunkSize},
		Encoding:   ngstream.EncodingAnnotation,
	}}
	return nil
}

// Sources returns per-level chunk sources, finest first.
func (v *Volume) Sources() [][]source.ChunkSource {
	return v.sources
}

func (v *Volume) Scales() []source.Scale {
	return v.scales
}

func (v *Volume) DataType() ngstream.DataType {
	return v.dataType
}

func (v *Volume) Mesh() source.MeshSource {
	return v.mesh
}

func (v *Volume) Skeleton() source.SkeletonSource {
	return v.skeleton
}
