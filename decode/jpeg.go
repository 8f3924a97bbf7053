package decode

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/janelia-flyem/ngstream/ngstream"
)

// JPEG decodes a chunk stored as a single JPEG image holding the XY planes
// stacked vertically, i.e., an image of width sx and height sy*sz.  Only
// uint8 grayscale chunks use this encoding.
func JPEG(spec VoxelSpec, data []byte) (*Payload, error) {
	if spec.DataType != ngstream.T_uint8 {
		return nil, fmt.Errorf("%w: jpeg decode requires uint8 voxels, got %s", ErrBadPayload, spec.DataType)
	}
	img, err := jpeg.Decode(bytes.NewBuffer(data))
	if err != nil {
		return nil, fmt.Errorf("%w: jpeg decode: %v", ErrBadPayload, err)
	}
	gray, ok := img.(*image.Gray)
	if !ok {
		// Some encoders emit YCbCr even for grayscale sources.
		bounds := img.Bounds()
		gray = image.NewGray(bounds)
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				gray.Set(x, y, img.At(x, y))
			}
		}
	}
	sx, sy, sz := int(spec.Size[0]), int(spec.Size[1]), int(spec.Size[2])
	if gray.Bounds().Dx() != sx || gray.Bounds().Dy() != sy*sz {
		return nil, fmt.Errorf("%w: jpeg image is %d x %d, expected %d x %d for chunk %s",
			ErrBadPayload, gray.Bounds().Dx(), gray.Bounds().Dy(), sx, sy*sz, spec.Size)
	}
	voxels := make([]byte, sx*sy*sz)
	for row := 0; row < sy*sz; row++ {
		copy(voxels[row*sx:(row+1)*sx], gray.Pix[row*gray.Stride:row*gray.Stride+sx])
	}
	return &Payload{
		Kind:     VoxelsKind,
		Voxels:   voxels,
		Size:     spec.Size,
		DataType: spec.DataType,
	}, nil
}
