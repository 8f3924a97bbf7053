package decode

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Skeleton decodes SWC text into line geometry: vertex positions, per-vertex
// radii, and edges connecting each sample to its parent.  SWC lines have the
// form "id type x y z radius parent" with '#' comment lines.
func Skeleton(data []byte) (*Payload, error) {
	var vertices []float32
	var radii []float32
	var edges [][2]uint32
	parents := make(map[uint32]int64) // vertex index -> SWC parent id
	indexByID := make(map[int64]uint32)

	lineNum := 0
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 7 {
			return nil, fmt.Errorf("%w: SWC line %d has %d fields, expected 7", ErrBadPayload, lineNum, len(fields))
		}
		id, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: SWC line %d has bad sample id %q", ErrBadPayload, lineNum, fields[0])
		}
		var coord [3]float64
		for dim := 0; dim < 3; dim++ {
			coord[dim], err = strconv.ParseFloat(fields[2+dim], 32)
			if err != nil {
				return nil, fmt.Errorf("%w: SWC line %d has bad coordinate %q", ErrBadPayload, lineNum, fields[2+dim])
			}
		}
		radius, err := strconv.ParseFloat(fields[5], 32)
		if err != nil {
			return nil, fmt.Errorf("%w: SWC line %d has bad radius %q", ErrBadPayload, lineNum, fields[5])
		}
		parent, err := strconv.ParseInt(fields[6], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: SWC line %d has bad parent id %q", ErrBadPayload, lineNum, fields[6])
		}

		index := uint32(len(radii))
		if _, found := indexByID[id]; found {
			return nil, fmt.Errorf("%w: SWC line %d repeats sample id %d", ErrBadPayload, lineNum, id)
		}
		indexByID[id] = index
		vertices = append(vertices, float32(coord[0]), float32(coord[1]), float32(coord[2]))
		radii = append(radii, float32(radius))
		if parent >= 0 {
			parents[index] = parent
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading SWC text: %v", ErrBadPayload, err)
	}

	for index, parent := range parents {
		parentIndex, found := indexByID[parent]
		if !found {
			return nil, fmt.Errorf("%w: SWC sample refers to unknown parent id %d", ErrBadPayload, parent)
		}
		edges = append(edges, [2]uint32{parentIndex, index})
	}
	return &Payload{
		Kind:     SkeletonKind,
		Vertices: vertices,
		Edges:    edges,
		Radii:    radii,
	}, nil
}
