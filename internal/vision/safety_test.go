package vision

import (
	"context"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var colorGray = color.RGBA{R: 128, G: 128, B: 128, A: 255}

func TestNSFWScore_SingleLogit(t *testing.T) {
	s, err := NSFWScore([]float32{0}, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, s, 1e-9)

	s, err = NSFWScore([]float32{4}, nil)
	require.NoError(t, err)
	assert.InDelta(t, 1/(1+math.Exp(-4)), s, 1e-9)
}

func TestNSFWScore_SoftmaxAggregation(t *testing.T) {
	logits := []float32{0, 0, 0, 0}
	s, err := NSFWScore(logits, []int{1, 3})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, s, 1e-9)

	s, err = NSFWScore([]float32{10, -10, -10}, []int{1, 2})
	require.NoError(t, err)
	assert.Less(t, s, 0.001)

	_, err = NSFWScore([]float32{1, 2}, []int{5})
	assert.ErrorIs(t, err, ErrUnexpectedOutput)
	_, err = NSFWScore(nil, nil)
	assert.ErrorIs(t, err, ErrUnexpectedOutput)
}

var spec640 = InputSpec{Layout: LayoutNCHW, Height: 640, Width: 640}

func TestDetections_PostNMS(t *testing.T) {
	cfg := DefaultSafetyConfig().Detector
	out := Tensor{
		Shape: []int64{1, 4, 6},
		Float32: []float32{
			100, 100, 300, 500, 0.90, 0, // person
			100, 100, 300, 500, 0.95, 2, // car
			400, 100, 500, 400, 0.20, 0, // low confidence
			0, 0, 5, 5, 0.99, 0, // tiny box
		},
	}
	boxes, err := Detections(out, spec640, cfg)
	require.NoError(t, err)
	require.Len(t, boxes, 1)
	assert.InDelta(t, 100.0/640, boxes[0].X1, 1e-9)
	assert.InDelta(t, 500.0/640, boxes[0].Y2, 1e-9)
	assert.InDelta(t, 0.90, boxes[0].Score, 1e-6)
}

func TestDetections_DenseGrid(t *testing.T) {
	cfg := DefaultSafetyConfig().Detector
	// [cx,cy,w,h,obj,person,car]
	out := Tensor{
		Shape: []int64{1, 4, 7},
		Float32: []float32{
			320, 320, 200, 400, 0.9, 0.9, 0.1, // person
			322, 318, 200, 400, 0.8, 0.9, 0.1, // overlapping duplicate
			100, 100, 80, 80, 0.9, 0.1, 0.9, // car
			500, 300, 600, 10, 0.9, 0.9, 0.0, // sliver
		},
	}
	boxes, err := Detections(out, spec640, cfg)
	require.NoError(t, err)
	require.Len(t, boxes, 1, "duplicate suppressed, car and sliver filtered")
	assert.InDelta(t, 0.81, boxes[0].Score, 1e-6)
	assert.InDelta(t, 220.0/640, boxes[0].X1, 1e-6)
}

func TestDetections_NormalizedCoordinates(t *testing.T) {
	cfg := DefaultSafetyConfig().Detector
	out := Tensor{Shape: []int64{1, 1, 6}, Float32: []float32{0.1, 0.1, 0.4, 0.9, 0.8, 0}}
	boxes, err := Detections(out, spec640, cfg)
	require.NoError(t, err)
	require.Len(t, boxes, 1)
	assert.InDelta(t, 0.1, boxes[0].X1, 1e-6)
	assert.InDelta(t, 0.9, boxes[0].Y2, 1e-6)
}

func TestDetections_BadShape(t *testing.T) {
	cfg := DefaultSafetyConfig().Detector
	_, err := Detections(Tensor{Shape: []int64{4}, Float32: make([]float32, 4)}, spec640, cfg)
	assert.ErrorIs(t, err, ErrUnexpectedOutput)
	_, err = Detections(Tensor{Shape: []int64{1, 2, 4}, Float32: make([]float32, 8)}, spec640, cfg)
	assert.ErrorIs(t, err, ErrUnexpectedOutput)
}

func TestSafetyChecker_Check(t *testing.T) {
	nsfw := &fakeSession{
		shape:   []int64{1, 224, 224, 3},
		outputs: []Tensor{{Shape: []int64{1, 1}, Float32: []float32{3}}},
	}
	detector := &fakeSession{
		shape:   []int64{1, 3, 64, 64},
		outputs: []Tensor{{Shape: []int64{1, 1, 6}, Float32: []float32{10, 5, 40, 60, 0.9, 0}}},
	}
	c, err := NewSafetyChecker(staticLazy(nsfw), staticLazy(detector), DefaultSafetyConfig())
	require.NoError(t, err)

	res, err := c.Check(context.Background(), solidPNG(t, 32, 32, colorGray))
	require.NoError(t, err)
	assert.InDelta(t, 1/(1+math.Exp(-3)), res.NSFWScore, 1e-9)
	assert.True(t, res.HasPerson)
	assert.Equal(t, 1, res.PersonCount)
	require.Len(t, res.PersonBoxes, 1)
	assert.InDelta(t, 10.0/64, res.PersonBoxes[0].X1, 1e-9)
}

func TestSafetyChecker_NoPerson(t *testing.T) {
	nsfw := &fakeSession{
		shape:   []int64{1, 3, 32, 32},
		outputs: []Tensor{{Shape: []int64{1, 5}, Float32: []float32{0, 0, 5, 0, 0}}},
	}
	detector := &fakeSession{
		shape:   []int64{1, 3, 64, 64},
		outputs: []Tensor{{Shape: []int64{1, 0, 6}}},
	}
	c, err := NewSafetyChecker(staticLazy(nsfw), staticLazy(detector), DefaultSafetyConfig())
	require.NoError(t, err)

	res, err := c.Check(context.Background(), solidPNG(t, 16, 16, colorGray))
	require.NoError(t, err)
	assert.False(t, res.HasPerson)
	assert.Zero(t, res.PersonCount)
	assert.Less(t, res.NSFWScore, 0.1)
}

func TestLoadSafetyConfig(t *testing.T) {
	cfg, err := LoadSafetyConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultSafetyConfig(), cfg)

	path := filepath.Join(t.TempDir(), "safety.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
nsfw:
  labels: [safe, explicit, suggestive]
  unsafe: [explicit, suggestive]
detector:
  confidence: 0.5
  min_area: 0.02
`), 0o644))

	cfg, err = LoadSafetyConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"safe", "explicit", "suggestive"}, cfg.NSFW.Labels)
	assert.Equal(t, 0.5, cfg.Detector.Confidence)
	assert.Equal(t, 0.02, cfg.Detector.MinArea)
	assert.Equal(t, DefaultSafetyConfig().Detector.MaxAspect, cfg.Detector.MaxAspect, "unset fields keep defaults")
}

func TestLoadSafetyConfig_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "safety.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nsfw:\n  unsafe: [missing]\n"), 0o644))
	_, err := LoadSafetyConfig(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("detector:\n  min_area: 0.9\n  max_area: 0.1\n"), 0o644))
	_, err = LoadSafetyConfig(path)
	assert.Error(t, err)
}
