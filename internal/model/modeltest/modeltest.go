// Package modeltest builds small deterministic networks and on-disk model
// fixtures for tests.
package modeltest

import (
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Brownie44l1/xray-gradcam/internal/model"
)

const (
	ImageSize   = 16
	TargetLayer = "features.norm5"
)

// Metadata matches the tiny network: 3x16x16 input, three classes.
func Metadata() model.Metadata {
	return model.Metadata{
		InputShape:  []int64{1, 3, ImageSize, ImageSize},
		OutputShape: []int64{1, 3},
		Classes:     append([]string(nil), model.DefaultClasses...),
		ImageSize:   ImageSize,
		Mean:        []float32{0.485, 0.456, 0.406},
		Std:         []float32{0.229, 0.224, 0.225},
		TargetLayer: TargetLayer,
	}
}

// Checkpoint is a miniature DenseNet-shaped classifier:
// conv -> relu -> pool -> conv -> norm5 -> relu -> avgpool -> classifier.
func Checkpoint(seed int64) *model.Checkpoint {
	rng := rand.New(rand.NewSource(seed))
	randn := func(shape []int, scale float32) model.WeightTensor {
		n := 1
		for _, d := range shape {
			n *= d
		}
		data := make([]float32, n)
		for i := range data {
			data[i] = float32(rng.NormFloat64()) * scale
		}
		return model.WeightTensor{Shape: shape, Data: data}
	}
	named := func(name string, w model.WeightTensor) model.WeightTensor {
		w.Name = name
		return w
	}
	positive := func(n int) []float32 {
		out := make([]float32, n)
		for i := range out {
			out[i] = 0.5 + rng.Float32()
		}
		return out
	}

	return &model.Checkpoint{
		ModelSpec: model.ModelSpec{
			InputShape: []int{1, 3, ImageSize, ImageSize},
			Layers: []model.LayerSpec{
				{Type: model.Conv2D, Name: "features.conv0", Parameters: map[string]any{"stride": 1, "padding": 1}},
				{Type: model.ReLU, Name: "features.relu0"},
				{Type: model.MaxPool2D, Name: "features.pool0", Parameters: map[string]any{"kernel_size": 2}},
				{Type: model.Conv2D, Name: "features.conv1", Parameters: map[string]any{"stride": 1, "padding": 1}},
				{Type: model.BatchNorm, Name: TargetLayer, Parameters: map[string]any{"eps": 1e-5}},
				{Type: model.ReLU, Name: "relu"},
				{Type: model.GlobalAvgPool, Name: "avgpool"},
				{Type: model.Dense, Name: "classifier"},
			},
		},
		Weights: []model.WeightTensor{
			named("features.conv0.weight", randn([]int{4, 3, 3, 3}, 0.5)),
			named("features.conv0.bias", randn([]int{4}, 0.1)),
			named("features.conv1.weight", randn([]int{6, 4, 3, 3}, 0.4)),
			named(TargetLayer+".weight", model.WeightTensor{Shape: []int{6}, Data: positive(6)}),
			named(TargetLayer+".bias", randn([]int{6}, 0.2)),
			named(TargetLayer+".running_mean", randn([]int{6}, 0.1)),
			named(TargetLayer+".running_var", model.WeightTensor{Shape: []int{6}, Data: positive(6)}),
			named("classifier.weight", randn([]int{3, 6}, 1)),
			named("classifier.bias", randn([]int{3}, 0.1)),
		},
		Metadata: model.CheckpointMetadata{
			Version:     "1",
			CreatedAt:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			Description: "tiny fixture",
		},
	}
}

// Network builds the tiny classifier in memory.
func Network(t testing.TB, seed int64) *model.Network {
	t.Helper()
	net, err := Checkpoint(seed).Build(Metadata(), model.Options{})
	if err != nil {
		t.Fatalf("failed to build tiny network: %v", err)
	}
	return net
}

// WriteFixture writes checkpoint.json and model_metadata.json into dir.
func WriteFixture(t testing.TB, dir string, seed int64) (checkpointPath, metadataPath string) {
	t.Helper()
	checkpointPath = filepath.Join(dir, "checkpoint.json")
	metadataPath = filepath.Join(dir, "model_metadata.json")

	if err := Checkpoint(seed).Save(checkpointPath); err != nil {
		t.Fatalf("failed to write checkpoint: %v", err)
	}
	meta, err := json.Marshal(Metadata())
	if err != nil {
		t.Fatalf("failed to encode metadata: %v", err)
	}
	if err := os.WriteFile(metadataPath, meta, 0o644); err != nil {
		t.Fatalf("failed to write metadata: %v", err)
	}
	return checkpointPath, metadataPath
}
