package vision

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSession returns fixed outputs for any input.
type fakeSession struct {
	shape   []int64
	outputs []Tensor
	runErr  error
	closed  atomic.Bool
	runs    atomic.Int32
}

func (f *fakeSession) InputShape() []int64 { return f.shape }

func (f *fakeSession) Run(_ context.Context, input []float32, shape []int64) ([]Tensor, error) {
	f.runs.Add(1)
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	if int64(len(input)) != n {
		return nil, errors.New("input does not match shape")
	}
	return f.outputs, f.runErr
}

func (f *fakeSession) Close() error {
	f.closed.Store(true)
	return nil
}

func staticLazy(s Session) *LazySession {
	return NewLazySession("fake", func(context.Context) (Session, error) { return s, nil })
}

func TestLazySession_LoadsOnceUnderConcurrency(t *testing.T) {
	var loads atomic.Int32
	sess := &fakeSession{shape: []int64{1, 3, 8, 8}}
	lazy := NewLazySession("embedding", func(context.Context) (Session, error) {
		loads.Add(1)
		time.Sleep(20 * time.Millisecond)
		return sess, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := lazy.Get(context.Background())
			assert.NoError(t, err)
			assert.Same(t, sess, got)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), loads.Load())
}

func TestLazySession_FailedLoadIsRetried(t *testing.T) {
	var loads atomic.Int32
	lazy := NewLazySession("nsfw", func(context.Context) (Session, error) {
		if loads.Add(1) == 1 {
			return nil, errors.New("model file missing")
		}
		return &fakeSession{}, nil
	})

	_, err := lazy.Get(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load nsfw model")

	_, err = lazy.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), loads.Load())
}

func TestLazySession_Close(t *testing.T) {
	sess := &fakeSession{}
	lazy := staticLazy(sess)
	_, err := lazy.Get(context.Background())
	require.NoError(t, err)

	require.NoError(t, lazy.Close())
	assert.True(t, sess.closed.Load())
	_, err = lazy.Get(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEmbedder_Embed(t *testing.T) {
	sess := &fakeSession{
		shape:   []int64{1, 3, 8, 8},
		outputs: []Tensor{{Shape: []int64{1, 4}, Float32: []float32{3, 0, 4, 0}}},
	}
	e := NewEmbedder(staticLazy(sess), EmbedderConfig{Dimension: 4, Norm: Identity})

	vec, err := e.Embed(context.Background(), solidPNG(t, 16, 16, colorGray))
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.6, 0, 0.8, 0}, vec, 1e-6)
	assert.Equal(t, int32(1), sess.runs.Load())
}

func TestEmbedder_HalfPrecisionOutput(t *testing.T) {
	// 1.0, -2.0 as little-endian binary16.
	sess := &fakeSession{
		shape:   []int64{1, 8, 8, 3},
		outputs: []Tensor{{Shape: []int64{1, 2}, Float16: []byte{0x00, 0x3c, 0x00, 0xc0}}},
	}
	e := NewEmbedder(staticLazy(sess), EmbedderConfig{Dimension: 2, Norm: Identity})

	vec, err := e.Embed(context.Background(), solidPNG(t, 8, 8, colorGray))
	require.NoError(t, err)
	assert.InDelta(t, 1/2.2360679, vec[0], 1e-6)
	assert.InDelta(t, -2/2.2360679, vec[1], 1e-6)
}

func TestEmbedder_DimensionMismatchFailsLoudly(t *testing.T) {
	sess := &fakeSession{
		shape:   []int64{1, 3, 8, 8},
		outputs: []Tensor{{Shape: []int64{1, 3}, Float32: []float32{1, 2, 3}}},
	}
	e := NewEmbedder(staticLazy(sess), EmbedderConfig{Dimension: 512, Norm: Identity})

	_, err := e.Embed(context.Background(), solidPNG(t, 8, 8, colorGray))
	assert.ErrorIs(t, err, ErrInvalidVector)
}

func TestService_WarmupAndClose(t *testing.T) {
	sessions := []*fakeSession{{}, {}, {}}
	var loads atomic.Int32
	lazy := func(s *fakeSession) *LazySession {
		return NewLazySession("m", func(context.Context) (Session, error) {
			loads.Add(1)
			return s, nil
		})
	}
	svc, err := NewService(lazy(sessions[0]), lazy(sessions[1]), lazy(sessions[2]),
		EmbedderConfig{Dimension: 4}, DefaultSafetyConfig())
	require.NoError(t, err)

	require.NoError(t, svc.Warmup(context.Background()))
	assert.Equal(t, int32(3), loads.Load())
	require.NoError(t, svc.Warmup(context.Background()))
	assert.Equal(t, int32(3), loads.Load(), "warm sessions are not reloaded")

	require.NoError(t, svc.Close())
	for _, s := range sessions {
		assert.True(t, s.closed.Load())
	}
}

func TestService_WarmupPropagatesFailure(t *testing.T) {
	ok := staticLazy(&fakeSession{})
	bad := NewLazySession("detector", func(context.Context) (Session, error) {
		return nil, errors.New("no such file")
	})
	svc, err := NewService(ok, staticLazy(&fakeSession{}), bad, EmbedderConfig{Dimension: 4}, DefaultSafetyConfig())
	require.NoError(t, err)
	assert.Error(t, svc.Warmup(context.Background()))
}
