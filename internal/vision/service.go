package vision

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Service owns the three process-wide model sessions and the providers built
// on them. Construct it once at startup and share it.
type Service struct {
	Embedder *Embedder
	Safety   *SafetyChecker
	sessions []*LazySession
}

// NewService wires the providers over the given sessions.
func NewService(embed, nsfw, detector *LazySession, embedCfg EmbedderConfig, safetyCfg SafetyConfig) (*Service, error) {
	checker, err := NewSafetyChecker(nsfw, detector, safetyCfg)
	if err != nil {
		return nil, err
	}
	return &Service{
		Embedder: NewEmbedder(embed, embedCfg),
		Safety:   checker,
		sessions: []*LazySession{embed, nsfw, detector},
	}, nil
}

// Warmup loads every session concurrently and returns the first failure.
func (s *Service) Warmup(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, sess := range s.sessions {
		g.Go(func() error {
			_, err := sess.Get(gctx)
			return err
		})
	}
	return g.Wait()
}

// Close releases every session and returns the first error.
func (s *Service) Close() error {
	var first error
	for _, sess := range s.sessions {
		if err := sess.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
