package vision

import (
	"context"
	"fmt"

	"github.com/kiranshivaraju/gymvision/pkg/models"
)

// EmbedderConfig describes the image encoder.
type EmbedderConfig struct {
	Model     models.ModelRef
	Dimension int
	Norm      Normalization
	// DefaultSize replaces dynamic spatial input dimensions.
	DefaultSize int
}

// Embedder turns image bytes into L2-normalised vectors with an encoder
// session.
type Embedder struct {
	sess *LazySession
	cfg  EmbedderConfig
}

var _ models.Embedder = (*Embedder)(nil)

func NewEmbedder(sess *LazySession, cfg EmbedderConfig) *Embedder {
	if cfg.DefaultSize <= 0 {
		cfg.DefaultSize = 224
	}
	return &Embedder{sess: sess, cfg: cfg}
}

func (e *Embedder) Model() models.ModelRef { return e.cfg.Model }
func (e *Embedder) Dimension() int         { return e.cfg.Dimension }

func (e *Embedder) Embed(ctx context.Context, image []byte) ([]float32, error) {
	s, err := e.sess.Get(ctx)
	if err != nil {
		return nil, err
	}
	spec, err := SpecFromShape(s.InputShape(), e.cfg.DefaultSize)
	if err != nil {
		return nil, err
	}
	input, err := Preprocess(image, spec, e.cfg.Norm)
	if err != nil {
		return nil, err
	}
	outputs, err := s.Run(ctx, input, spec.Shape())
	if err != nil {
		return nil, fmt.Errorf("run embedding model: %w", err)
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("%w: embedding model returned no outputs", ErrUnexpectedOutput)
	}
	return L2Normalize(outputs[0].Floats(), e.cfg.Dimension)
}
