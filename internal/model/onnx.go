package model

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/Brownie44l1/xray-gradcam/internal/tensor"
)

var (
	envMu   sync.Mutex
	envRefs int
)

func acquireEnvironment(library string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if envRefs == 0 {
		if library != "" {
			ort.SetSharedLibraryPath(library)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}
	envRefs++
	return nil
}

func releaseEnvironment() error {
	envMu.Lock()
	defer envMu.Unlock()
	if envRefs == 0 {
		return nil
	}
	envRefs--
	if envRefs == 0 {
		return ort.DestroyEnvironment()
	}
	return nil
}

type ONNXConfig struct {
	Name        string
	ModelPath   string
	InputName   string
	OutputName  string
	InputShape  []int64
	OutputShape []int64
	Library     string
}

// ONNXBlock runs an exported sub-network (typically the convolutional
// feature extractor) through onnxruntime. It has no backward pass, so it can
// be a Grad-CAM target but gradients never flow through it.
type ONNXBlock struct {
	named
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	inputShape   []int
	outputShape  []int
	closed       bool
}

func NewONNXBlock(cfg ONNXConfig) (*ONNXBlock, error) {
	if len(cfg.InputShape) == 0 || len(cfg.OutputShape) == 0 {
		return nil, fmt.Errorf("onnx block %s: input_shape and output_shape are required", cfg.Name)
	}
	if err := acquireEnvironment(cfg.Library); err != nil {
		return nil, err
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(cfg.InputShape...))
	if err != nil {
		releaseEnvironment()
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(cfg.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		releaseEnvironment()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(cfg.ModelPath,
		[]string{cfg.InputName}, []string{cfg.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		releaseEnvironment()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &ONNXBlock{
		named:        named{cfg.Name},
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		inputShape:   toInts(cfg.InputShape),
		outputShape:  toInts(cfg.OutputShape),
	}, nil
}

// Forward copies x into the bound input tensor and runs the session. Runs
// are serialized because the bound tensors are shared.
func (b *ONNXBlock) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if tensor.Size(b.inputShape) != x.Len() {
		return nil, fmt.Errorf("onnx block %s: expected input %v, got %v", b.name, b.inputShape, x.Shape)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("onnx block %s: session closed", b.name)
	}

	copy(b.inputTensor.GetData(), x.Data)
	if err := b.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	out := append([]float32(nil), b.outputTensor.GetData()...)
	return tensor.New(b.outputShape, out)
}

func (b *ONNXBlock) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.inputTensor != nil {
		b.inputTensor.Destroy()
	}
	if b.outputTensor != nil {
		b.outputTensor.Destroy()
	}
	if b.session != nil {
		b.session.Destroy()
	}
	return releaseEnvironment()
}

func toInts(s []int64) []int {
	out := make([]int, len(s))
	for i, v := range s {
		out[i] = int(v)
	}
	return out
}
