package vision

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Tensor is one model output. Float16 holds little-endian binary16 values
// when the model emits half precision; otherwise Float32 is set.
type Tensor struct {
	Shape   []int64
	Float32 []float32
	Float16 []byte
}

// Floats returns the tensor data as float32, decoding half precision.
func (t Tensor) Floats() []float32 {
	if t.Float16 != nil {
		return DecodeHalfBytes(t.Float16)
	}
	return t.Float32
}

// Session runs a single-input image model.
type Session interface {
	InputShape() []int64
	Run(ctx context.Context, input []float32, shape []int64) ([]Tensor, error)
	Close() error
}

// Loader opens a model session.
type Loader func(ctx context.Context) (Session, error)

// LazySession opens its model on first use. Concurrent first callers share a
// single load; later callers reuse the loaded session.
type LazySession struct {
	name  string
	load  Loader
	group singleflight.Group

	mu     sync.RWMutex
	sess   Session
	closed bool
}

func NewLazySession(name string, load Loader) *LazySession {
	return &LazySession{name: name, load: load}
}

func (l *LazySession) Name() string { return l.name }

// Get returns the loaded session, loading it if needed. A failed load is not
// cached; the next call tries again.
func (l *LazySession) Get(ctx context.Context) (Session, error) {
	if s, err := l.current(); s != nil || err != nil {
		return s, err
	}
	v, err, _ := l.group.Do(l.name, func() (interface{}, error) {
		if s, err := l.current(); s != nil || err != nil {
			return s, err
		}
		// The load outlives the caller that happened to trigger it.
		s, err := l.load(context.WithoutCancel(ctx))
		if err != nil {
			slog.Error("model session load failed", "model", l.name, "error", err)
			return nil, fmt.Errorf("load %s model: %w", l.name, err)
		}

		l.mu.Lock()
		defer l.mu.Unlock()
		if l.closed {
			_ = s.Close()
			return nil, ErrClosed
		}
		l.sess = s
		slog.Info("model session loaded", "model", l.name)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Session), nil
}

func (l *LazySession) current() (Session, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrClosed
	}
	return l.sess, nil
}

// Close releases the session. Further Get calls return ErrClosed.
func (l *LazySession) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if l.sess == nil {
		return nil
	}
	err := l.sess.Close()
	l.sess = nil
	return err
}
