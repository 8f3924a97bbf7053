package decode

import (
	"encoding/json"
	"fmt"

	"github.com/janelia-flyem/ngstream/ngstream"
)

// ElementType gives the type of an annotation element.
type ElementType uint8

const (
	UnknownElem ElementType = iota
	PostSyn                 // Post-synaptic element
	PreSyn                  // Pre-synaptic element
	Gap                     // Gap junction
	Note                    // A note or bookmark with some description
)

// MarshalJSON implements the json.Marshaler interface.
func (e ElementType) MarshalJSON() ([]byte, error) {
	switch e {
	case UnknownElem:
		return []byte(`"Unknown"`), nil
	case PostSyn:
		return []byte(`"PostSyn"`), nil
	case PreSyn:
		return []byte(`"PreSyn"`), nil
	case Gap:
		return []byte(`"Gap"`), nil
	case Note:
		return []byte(`"Note"`), nil
	default:
		return nil, fmt.Errorf("unknown element type: %d", e)
	}
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (e *ElementType) UnmarshalJSON(b []byte) error {
	switch string(b) {
	case `"Unknown"`:
		*e = UnknownElem
	case `"PostSyn"`:
		*e = PostSyn
	case `"PreSyn"`:
		*e = PreSyn
	case `"Gap"`:
		*e = Gap
	case `"Note"`:
		*e = Note
	default:
		return fmt.Errorf("unknown element type in JSON: %s", string(b))
	}
	return nil
}

// Element describes a spatially-indexed point annotation.
type Element struct {
	Pos  ngstream.Point3d
	Kind ElementType
	Tags []string          `json:",omitempty"`
	Prop map[string]string `json:",omitempty"`
}

// Annotations decodes a JSON array of annotation elements as returned by a
// spatial elements query.  A JSON null (no elements in the region) decodes
// to an empty payload.
func Annotations(data []byte) (*Payload, error) {
	var elems []Element
	if err := json.Unmarshal(data, &elems); err != nil {
		return nil, fmt.Errorf("%w: malformed annotation element JSON: %v", ErrBadPayload, err)
	}
	return &Payload{
		Kind:     AnnotationKind,
		Elements: elems,
	}, nil
}
