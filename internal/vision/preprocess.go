package vision

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// Layout is the memory order of an image input tensor.
type Layout int

const (
	LayoutNCHW Layout = iota
	LayoutNHWC
)

func (l Layout) String() string {
	if l == LayoutNHWC {
		return "NHWC"
	}
	return "NCHW"
}

// InputSpec is the spatial contract of a model's image input, read from the
// model's declared input shape.
type InputSpec struct {
	Layout Layout
	Height int
	Width  int
}

// Shape returns the batch-of-one tensor shape for the spec.
func (s InputSpec) Shape() []int64 {
	if s.Layout == LayoutNHWC {
		return []int64{1, int64(s.Height), int64(s.Width), 3}
	}
	return []int64{1, 3, int64(s.Height), int64(s.Width)}
}

// SpecFromShape derives the input layout and size from a rank-4 shape. The
// channel axis is whichever of axis 1 or axis 3 equals 3. Dynamic spatial
// dimensions (<= 0) fall back to the given default size.
func SpecFromShape(shape []int64, defaultSize int) (InputSpec, error) {
	if len(shape) != 4 {
		return InputSpec{}, fmt.Errorf("%w: rank %d", ErrInputShape, len(shape))
	}
	dim := func(v int64) int {
		if v <= 0 {
			return defaultSize
		}
		return int(v)
	}
	var spec InputSpec
	switch {
	case shape[1] == 3:
		spec = InputSpec{Layout: LayoutNCHW, Height: dim(shape[2]), Width: dim(shape[3])}
	case shape[3] == 3:
		spec = InputSpec{Layout: LayoutNHWC, Height: dim(shape[1]), Width: dim(shape[2])}
	default:
		return InputSpec{}, fmt.Errorf("%w: no 3-channel axis in %v", ErrInputShape, shape)
	}
	if spec.Height <= 0 || spec.Width <= 0 {
		return InputSpec{}, fmt.Errorf("%w: dynamic spatial size in %v", ErrInputShape, shape)
	}
	return spec, nil
}

// Normalization is the per-channel (RGB) mean and standard deviation applied
// to pixel values scaled into [0,1].
type Normalization struct {
	Mean [3]float32
	Std  [3]float32
}

// Identity leaves pixels in [0,1].
var Identity = Normalization{Mean: [3]float32{0, 0, 0}, Std: [3]float32{1, 1, 1}}

// DecodeImage decodes JPEG, PNG or WebP bytes.
func DecodeImage(data []byte) (image.Image, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	switch format {
	case "jpeg", "png", "webp":
		return img, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedImage, format)
	}
}

// Preprocess decodes data, resizes it to the spec and returns the normalised
// float tensor in the spec's layout.
func Preprocess(data []byte, spec InputSpec, norm Normalization) ([]float32, error) {
	img, err := DecodeImage(data)
	if err != nil {
		return nil, err
	}
	return ToTensor(img, spec, norm)
}

// ToTensor resizes img to the spec with bilinear sampling and lays out the
// normalised RGB values.
func ToTensor(img image.Image, spec InputSpec, norm Normalization) ([]float32, error) {
	for c := 0; c < 3; c++ {
		if norm.Std[c] == 0 {
			return nil, fmt.Errorf("std for channel %d must be non-zero", c)
		}
	}
	dst := image.NewRGBA(image.Rect(0, 0, spec.Width, spec.Height))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

	h, w := spec.Height, spec.Width
	plane := h * w
	out := make([]float32, 3*plane)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			o := dst.PixOffset(x, y)
			for c := 0; c < 3; c++ {
				v := (float32(dst.Pix[o+c])/255 - norm.Mean[c]) / norm.Std[c]
				if spec.Layout == LayoutNHWC {
					out[(y*w+x)*3+c] = v
				} else {
					out[c*plane+y*w+x] = v
				}
			}
		}
	}
	return out, nil
}
