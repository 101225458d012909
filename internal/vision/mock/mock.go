package mock

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"

	"github.com/kiranshivaraju/gymvision/pkg/models"
)

// MockEmbedder satisfies models.Embedder for testing.
type MockEmbedder struct {
	Ref       models.ModelRef
	Dim       int
	EmbedFunc func(ctx context.Context, image []byte) ([]float32, error)
}

func (m *MockEmbedder) Model() models.ModelRef { return m.Ref }
func (m *MockEmbedder) Dimension() int         { return m.Dim }

func (m *MockEmbedder) Embed(ctx context.Context, image []byte) ([]float32, error) {
	if m.EmbedFunc != nil {
		return m.EmbedFunc(ctx, image)
	}
	return HashVector(image, m.Dim), nil
}

// NewMockEmbedder returns an embedder producing deterministic unit vectors
// derived from the image bytes.
func NewMockEmbedder(dim int) *MockEmbedder {
	return &MockEmbedder{
		Ref: models.ModelRef{Vendor: "mock", Name: "mock-encoder", Version: "1"},
		Dim: dim,
	}
}

// NewFailingEmbedder returns an embedder that always fails with err.
func NewFailingEmbedder(dim int, err error) *MockEmbedder {
	m := NewMockEmbedder(dim)
	m.EmbedFunc = func(context.Context, []byte) ([]float32, error) { return nil, err }
	return m
}

// HashVector expands sha256(data) into a unit vector of length dim.
func HashVector(data []byte, dim int) []float32 {
	v := make([]float32, dim)
	seed := sha256.Sum256(data)
	var norm float64
	for i := range v {
		block := sha256.Sum256(append(seed[:], byte(i), byte(i>>8)))
		x := float64(int32(binary.LittleEndian.Uint32(block[:4]))) / math.MaxInt32
		v[i] = float32(x)
		norm += x * x
	}
	if norm == 0 {
		v[0], norm = 1, 1
	}
	inv := 1 / math.Sqrt(norm)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}

// MockSafetyChecker satisfies models.SafetyChecker for testing.
type MockSafetyChecker struct {
	CheckFunc func(ctx context.Context, image []byte) (models.SafetyResult, error)
}

func (m *MockSafetyChecker) Check(ctx context.Context, image []byte) (models.SafetyResult, error) {
	if m.CheckFunc != nil {
		return m.CheckFunc(ctx, image)
	}
	return models.SafetyResult{}, nil
}

// NewSafeChecker reports every image as safe.
func NewSafeChecker() *MockSafetyChecker {
	return &MockSafetyChecker{}
}

// NewFixedChecker returns the same result for every image.
func NewFixedChecker(res models.SafetyResult) *MockSafetyChecker {
	return &MockSafetyChecker{
		CheckFunc: func(context.Context, []byte) (models.SafetyResult, error) { return res, nil },
	}
}

var (
	_ models.Embedder      = (*MockEmbedder)(nil)
	_ models.SafetyChecker = (*MockSafetyChecker)(nil)
)
