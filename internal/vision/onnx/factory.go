package onnx

import (
	"context"
	"fmt"

	"github.com/kiranshivaraju/gymvision/internal/config"
	"github.com/kiranshivaraju/gymvision/internal/vision"
	"github.com/kiranshivaraju/gymvision/internal/vision/modelsource"
	"github.com/kiranshivaraju/gymvision/pkg/models"
)

// NewService builds the embedding and safety providers on ONNX Runtime.
// Sessions load lazily; call Warmup to load them eagerly.
func NewService(cfg config.ModelsConfig, safety vision.SafetyConfig, loader *modelsource.Loader) (*vision.Service, error) {
	if err := InitRuntime(cfg.RuntimeLibrary); err != nil {
		return nil, err
	}
	session := func(name string, src config.ModelSource) *vision.LazySession {
		return vision.NewLazySession(name, func(ctx context.Context) (vision.Session, error) {
			path, err := loader.Ensure(ctx, name, src)
			if err != nil {
				return nil, err
			}
			return Open(path, 0)
		})
	}

	svc, err := vision.NewService(
		session("embedding", cfg.Embedding),
		session("nsfw", cfg.NSFW),
		session("detector", cfg.Detector),
		vision.EmbedderConfig{
			Model:     models.ModelRef{Vendor: cfg.Vendor, Name: cfg.Name, Version: cfg.Version},
			Dimension: cfg.Dimension,
			Norm:      vision.Normalization{Mean: cfg.Mean, Std: cfg.Std},
		},
		safety,
	)
	if err != nil {
		return nil, fmt.Errorf("vision service: %w", err)
	}
	return svc, nil
}
