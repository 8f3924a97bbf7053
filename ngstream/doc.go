/*
Package ngstream provides the core types shared by the chunked multiresolution
streaming system: voxel points and chunk grid coordinates, per-level extents
with the floor/ceil rescale policy, voxel data types, chunk payload encodings,
chunk keys, and package-level logging.
*/
package ngstream
