package model

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Brownie44l1/xray-gradcam/internal/tensor"
)

// Checkpoint is the serialized network: layer configuration plus named
// weight tensors.
type Checkpoint struct {
	ModelSpec ModelSpec          `json:"model_spec"`
	Weights   []WeightTensor     `json:"weights"`
	Metadata  CheckpointMetadata `json:"metadata"`
}

type ModelSpec struct {
	InputShape []int       `json:"input_shape"`
	Layers     []LayerSpec `json:"layers"`
}

// WeightTensor is one parameter tensor, named "<layer>.<kind>".
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

type CheckpointMetadata struct {
	Version     string    `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
}

func LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint: %w", err)
	}
	return &cp, nil
}

func (cp *Checkpoint) Save(path string) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

// Options tune how a checkpoint is turned into a Network.
type Options struct {
	// BaseDir resolves relative ONNX model paths; defaults to the
	// checkpoint's directory.
	BaseDir string
	// ONNXLibrary is the onnxruntime shared library, if not on the default
	// search path.
	ONNXLibrary string
}

// Load reads the checkpoint at path and builds a Network labelled with the
// metadata classes.
func Load(path string, meta Metadata, opts Options) (*Network, error) {
	cp, err := LoadCheckpoint(path)
	if err != nil {
		return nil, err
	}
	if opts.BaseDir == "" {
		opts.BaseDir = filepath.Dir(path)
	}
	return cp.Build(meta, opts)
}

// Build instantiates every layer of the checkpoint.
func (cp *Checkpoint) Build(meta Metadata, opts Options) (*Network, error) {
	inputShape := cp.ModelSpec.InputShape
	if len(inputShape) == 0 {
		for _, d := range meta.InputShape {
			inputShape = append(inputShape, int(d))
		}
	}

	weights := make(map[string]WeightTensor, len(cp.Weights))
	for _, w := range cp.Weights {
		if tensor.Size(w.Shape) != len(w.Data) {
			return nil, fmt.Errorf("weight %q: shape %v needs %d values, got %d", w.Name, w.Shape, tensor.Size(w.Shape), len(w.Data))
		}
		weights[w.Name] = w
	}

	var layers []Layer
	closeAll := func() {
		for _, l := range layers {
			if b, ok := l.(*ONNXBlock); ok {
				b.Close()
			}
		}
	}
	for _, spec := range cp.ModelSpec.Layers {
		l, err := buildLayer(spec, weights, opts)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("failed to build layer %q: %w", spec.Name, err)
		}
		layers = append(layers, l)
	}

	net, err := NewNetwork(inputShape, meta.Classes, layers...)
	if err != nil {
		closeAll()
		return nil, err
	}
	return net, nil
}

func buildLayer(spec LayerSpec, weights map[string]WeightTensor, opts Options) (Layer, error) {
	param := func(kind string, required bool) (*tensor.Tensor, error) {
		w, ok := weights[spec.Name+"."+kind]
		if !ok {
			if required {
				return nil, fmt.Errorf("missing weight %s.%s", spec.Name, kind)
			}
			return nil, nil
		}
		return tensor.New(w.Shape, w.Data)
	}
	vec := func(kind string, required bool) ([]float32, error) {
		t, err := param(kind, required)
		if t == nil || err != nil {
			return nil, err
		}
		return t.Data, nil
	}

	switch spec.Type {
	case Conv2D:
		w, err := param("weight", true)
		if err != nil {
			return nil, err
		}
		b, err := vec("bias", false)
		if err != nil {
			return nil, err
		}
		return NewConv2D(spec.Name, w, b, spec.intParam("stride", 1), spec.intParam("padding", 0))
	case BatchNorm:
		mean, err := vec("running_mean", true)
		if err != nil {
			return nil, err
		}
		variance, err := vec("running_var", true)
		if err != nil {
			return nil, err
		}
		gamma, err := vec("weight", false)
		if err != nil {
			return nil, err
		}
		beta, err := vec("bias", false)
		if err != nil {
			return nil, err
		}
		return NewBatchNorm(spec.Name, gamma, beta, mean, variance, spec.floatParam("eps", 1e-5))
	case ReLU:
		return NewReLU(spec.Name), nil
	case MaxPool2D:
		k := spec.intParam("kernel_size", 2)
		return NewMaxPool2D(spec.Name, k, spec.intParam("stride", k)), nil
	case GlobalAvgPool:
		return NewGlobalAvgPool(spec.Name), nil
	case Flatten:
		return NewFlatten(spec.Name), nil
	case Dense:
		w, err := param("weight", true)
		if err != nil {
			return nil, err
		}
		b, err := vec("bias", false)
		if err != nil {
			return nil, err
		}
		return NewDense(spec.Name, w, b)
	case Detach:
		return NewDetach(spec.Name), nil
	case ONNX:
		modelPath := spec.stringParam("path", "")
		if modelPath == "" {
			return nil, fmt.Errorf("onnx layer needs a path parameter")
		}
		if !filepath.IsAbs(modelPath) {
			modelPath = filepath.Join(opts.BaseDir, modelPath)
		}
		return NewONNXBlock(ONNXConfig{
			Name:        spec.Name,
			ModelPath:   modelPath,
			InputName:   spec.stringParam("input_name", "input"),
			OutputName:  spec.stringParam("output_name", "features"),
			InputShape:  spec.intsParam("input_shape"),
			OutputShape: spec.intsParam("output_shape"),
			Library:     opts.ONNXLibrary,
		})
	default:
		return nil, fmt.Errorf("unsupported layer type %s", spec.Type)
	}
}
