// Package onnx runs vision models with ONNX Runtime.
package onnx

import (
	"context"
	"fmt"
	"sync"

	"github.com/kiranshivaraju/gymvision/internal/vision"
	ort "github.com/yalue/onnxruntime_go"
)

var (
	envOnce sync.Once
	envErr  error
)

// InitRuntime loads the ONNX Runtime shared library. Only the first call has
// any effect.
func InitRuntime(libPath string) error {
	envOnce.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			envErr = fmt.Errorf("initialize onnxruntime: %w", err)
		}
	})
	return envErr
}

// DestroyRuntime tears down the runtime after every session is closed.
func DestroyRuntime() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// Session is a single-input model session.
type Session struct {
	mu         sync.Mutex
	sess       *ort.DynamicAdvancedSession
	inputShape []int64
	outputs    []ort.InputOutputInfo
}

var _ vision.Session = (*Session)(nil)

// Open loads the model at path. The runtime must already be initialised.
func Open(path string, intraOpThreads int) (*Session, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", path, err)
	}
	if len(inputs) != 1 {
		return nil, fmt.Errorf("%w: %s declares %d inputs, want 1", vision.ErrInputShape, path, len(inputs))
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("%w: %s declares no outputs", vision.ErrUnexpectedOutput, path)
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer opts.Destroy()
	if intraOpThreads > 0 {
		if err := opts.SetIntraOpNumThreads(intraOpThreads); err != nil {
			return nil, fmt.Errorf("session options: %w", err)
		}
	}

	outNames := make([]string, len(outputs))
	for i, o := range outputs {
		outNames[i] = o.Name
	}
	sess, err := ort.NewDynamicAdvancedSession(path, []string{inputs[0].Name}, outNames, opts)
	if err != nil {
		return nil, fmt.Errorf("create session for %s: %w", path, err)
	}
	return &Session{
		sess:       sess,
		inputShape: []int64(inputs[0].Dimensions),
		outputs:    outputs,
	}, nil
}

func (s *Session) InputShape() []int64 {
	return append([]int64(nil), s.inputShape...)
}

// Run executes the model on one float32 input. Outputs with a fully static
// shape are preallocated; dynamic ones are allocated by the runtime.
func (s *Session) Run(ctx context.Context, input []float32, shape []int64) ([]vision.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	in, err := ort.NewTensor(ort.NewShape(shape...), input)
	if err != nil {
		return nil, fmt.Errorf("input tensor: %w", err)
	}
	defer in.Destroy()

	values := make([]ort.Value, len(s.outputs))
	defer func() {
		for _, v := range values {
			if v != nil {
				v.Destroy()
			}
		}
	}()
	for i, info := range s.outputs {
		v, err := preallocate(info)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}

	s.mu.Lock()
	err = s.sess.Run([]ort.Value{in}, values)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("onnx run: %w", err)
	}

	out := make([]vision.Tensor, len(values))
	for i, v := range values {
		t, err := toTensor(v, s.outputs[i])
		if err != nil {
			return nil, err
		}
		out[i] = t
	}
	return out, nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		return nil
	}
	err := s.sess.Destroy()
	s.sess = nil
	return err
}

func staticShape(dims ort.Shape) (ort.Shape, bool) {
	shape := make(ort.Shape, len(dims))
	for i, d := range dims {
		switch {
		case d > 0:
			shape[i] = d
		case i == 0:
			shape[i] = 1
		default:
			return nil, false
		}
	}
	return shape, true
}

func preallocate(info ort.InputOutputInfo) (ort.Value, error) {
	shape, ok := staticShape(info.Dimensions)
	if !ok {
		return nil, nil
	}
	switch info.DataType {
	case ort.TensorElementDataTypeFloat:
		return ort.NewEmptyTensor[float32](shape)
	case ort.TensorElementDataTypeFloat16:
		return ort.NewCustomDataTensor(shape, make([]byte, 2*shape.FlattenedSize()), ort.TensorElementDataTypeFloat16)
	default:
		return nil, fmt.Errorf("%w: output %s has element type %v", vision.ErrUnexpectedOutput, info.Name, info.DataType)
	}
}

func toTensor(v ort.Value, info ort.InputOutputInfo) (vision.Tensor, error) {
	switch t := v.(type) {
	case *ort.Tensor[float32]:
		return vision.Tensor{
			Shape:   []int64(t.GetShape()),
			Float32: append([]float32(nil), t.GetData()...),
		}, nil
	case *ort.CustomDataTensor:
		if info.DataType != ort.TensorElementDataTypeFloat16 {
			break
		}
		return vision.Tensor{
			Shape:   []int64(t.GetShape()),
			Float16: append([]byte(nil), t.GetData()...),
		}, nil
	}
	return vision.Tensor{}, fmt.Errorf("%w: output %s has unsupported value type %T", vision.ErrUnexpectedOutput, info.Name, v)
}
