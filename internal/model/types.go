package model

import (
	"encoding/json"
	"fmt"
	"os"
)

// Metadata describes how images are fed to the network and how its outputs
// are labelled. It is stored next to the weights as model_metadata.json.
type Metadata struct {
	InputShape  []int64   `json:"input_shape"`
	OutputShape []int64   `json:"output_shape"`
	Classes     []string  `json:"classes"`
	ImageSize   int       `json:"image_size"`
	Mean        []float32 `json:"mean"`
	Std         []float32 `json:"std"`
	TargetLayer string    `json:"target_layer,omitempty"`
}

// DefaultClasses is the label order the chest X-ray model was trained with.
var DefaultClasses = []string{"NORMAL", "PNEUMONIA", "TB"}

func LoadMetadata(path string) (Metadata, error) {
	metaFile, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}

	var metadata Metadata
	if err := json.Unmarshal(metaFile, &metadata); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}
	metadata.applyDefaults()
	if err := metadata.Validate(); err != nil {
		return Metadata{}, err
	}
	return metadata, nil
}

func (m *Metadata) applyDefaults() {
	if len(m.Classes) == 0 {
		m.Classes = append([]string(nil), DefaultClasses...)
	}
	if m.ImageSize == 0 {
		m.ImageSize = 224
	}
	if len(m.InputShape) == 0 {
		s := int64(m.ImageSize)
		m.InputShape = []int64{1, 3, s, s}
	}
	if len(m.OutputShape) == 0 {
		m.OutputShape = []int64{1, int64(len(m.Classes))}
	}
	// ImageNet statistics
	if len(m.Mean) == 0 {
		m.Mean = []float32{0.485, 0.456, 0.406}
	}
	if len(m.Std) == 0 {
		m.Std = []float32{0.229, 0.224, 0.225}
	}
}

func (m Metadata) Validate() error {
	if len(m.InputShape) != 4 || m.InputShape[0] != 1 {
		return fmt.Errorf("input_shape must be [1, C, H, W], got %v", m.InputShape)
	}
	c := int(m.InputShape[1])
	if len(m.Mean) != c || len(m.Std) != c {
		return fmt.Errorf("mean/std need %d channels, got %d/%d", c, len(m.Mean), len(m.Std))
	}
	for i, s := range m.Std {
		if s == 0 {
			return fmt.Errorf("std[%d] is zero", i)
		}
	}
	if int(m.InputShape[2]) != m.ImageSize || int(m.InputShape[3]) != m.ImageSize {
		return fmt.Errorf("image_size %d does not match input_shape %v", m.ImageSize, m.InputShape)
	}
	if len(m.OutputShape) != 2 || int(m.OutputShape[1]) != len(m.Classes) {
		return fmt.Errorf("output_shape %v does not match %d classes", m.OutputShape, len(m.Classes))
	}
	seen := make(map[string]bool, len(m.Classes))
	for _, c := range m.Classes {
		if c == "" || seen[c] {
			return fmt.Errorf("class labels must be unique and non-empty: %v", m.Classes)
		}
		seen[c] = true
	}
	return nil
}

// LayerType names a layer kind in a checkpoint.
type LayerType int

const (
	Conv2D LayerType = iota
	BatchNorm
	ReLU
	MaxPool2D
	GlobalAvgPool
	Flatten
	Dense
	Detach
	ONNX
)

var layerTypeNames = map[LayerType]string{
	Conv2D:        "Conv2D",
	BatchNorm:     "BatchNorm",
	ReLU:          "ReLU",
	MaxPool2D:     "MaxPool2D",
	GlobalAvgPool: "GlobalAvgPool",
	Flatten:       "Flatten",
	Dense:         "Dense",
	Detach:        "Detach",
	ONNX:          "ONNX",
}

func (lt LayerType) String() string {
	if s, ok := layerTypeNames[lt]; ok {
		return s
	}
	return "Unknown"
}

func (lt LayerType) MarshalText() ([]byte, error) {
	s, ok := layerTypeNames[lt]
	if !ok {
		return nil, fmt.Errorf("unknown layer type %d", int(lt))
	}
	return []byte(s), nil
}

func (lt *LayerType) UnmarshalText(text []byte) error {
	for k, v := range layerTypeNames {
		if v == string(text) {
			*lt = k
			return nil
		}
	}
	return fmt.Errorf("unknown layer type %q", text)
}

// LayerSpec is the configuration of one layer; weights live separately in
// the checkpoint and are looked up as "<name>.<kind>".
type LayerSpec struct {
	Type       LayerType      `json:"type"`
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

func (s LayerSpec) intParam(key string, def int) int {
	switch v := s.Parameters[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

func (s LayerSpec) floatParam(key string, def float32) float32 {
	switch v := s.Parameters[key].(type) {
	case float64:
		return float32(v)
	case float32:
		return v
	case int:
		return float32(v)
	}
	return def
}

func (s LayerSpec) stringParam(key, def string) string {
	if v, ok := s.Parameters[key].(string); ok {
		return v
	}
	return def
}

func (s LayerSpec) intsParam(key string) []int64 {
	raw, ok := s.Parameters[key].([]any)
	if !ok {
		if ints, ok := s.Parameters[key].([]int64); ok {
			return ints
		}
		return nil
	}
	out := make([]int64, 0, len(raw))
	for _, v := range raw {
		f, ok := v.(float64)
		if !ok {
			return nil
		}
		out = append(out, int64(f))
	}
	return out
}
