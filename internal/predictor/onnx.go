package predictor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/types"
	ort "github.com/yalue/onnxruntime_go"
)

var (
	ortOnce sync.Once
	ortErr  error
)

func initRuntime() error {
	ortOnce.Do(func() {
		libPath := "/usr/lib/libonnxruntime.so"
		switch runtime.GOOS {
		case "windows":
			libPath = "onnxruntime.dll"
		case "darwin":
			libPath = "libonnxruntime.dylib"
		}
		ort.SetSharedLibraryPath(libPath)
		ortErr = ort.InitializeEnvironment()
	})
	return ortErr
}

// ONNX runs a local model with a [1, 7] float input named "input" and a
// [1, 3] output named "output" holding bid price, bid quantity and confidence.
// The session reuses its tensors, so calls are serialized.
type ONNX struct {
	mu        sync.Mutex
	session   *ort.AdvancedSession
	input     *ort.Tensor[float32]
	output    *ort.Tensor[float32]
	available bool
}

func NewONNX(modelPath string) (*ONNX, error) {
	if err := initRuntime(); err != nil {
		return nil, fmt.Errorf("failed to initialize onnxruntime: %w", err)
	}

	input, err := ort.NewTensor(ort.NewShape(1, featureCount), make([]float32, featureCount))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input"}, []string{"output"},
		[]ort.Value{input}, []ort.Value{output}, nil)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return &ONNX{
		session:   session,
		input:     input,
		output:    output,
		available: true,
	}, nil
}

func (m *ONNX) Predict(ctx context.Context, snap *types.ContextSnapshot) (types.Prediction, error) {
	if err := ctx.Err(); err != nil {
		return types.Prediction{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.available {
		return types.Prediction{}, errors.New("model not available")
	}

	copy(m.input.GetData(), features(snap))
	if err := m.session.Run(); err != nil {
		return types.Prediction{}, fmt.Errorf("inference failed: %w", err)
	}

	out := m.output.GetData()
	return types.Prediction{
		BidPrice:    float64(out[0]),
		BidQuantity: float64(out[1]),
		Confidence:  float64(out[2]),
	}, nil
}

func (m *ONNX) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.available = false
	if m.session != nil {
		m.session.Destroy()
	}
	if m.input != nil {
		m.input.Destroy()
	}
	if m.output != nil {
		m.output.Destroy()
	}
}
