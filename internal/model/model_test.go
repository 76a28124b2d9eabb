package model_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/diff/fd"

	"github.com/Brownie44l1/xray-gradcam/internal/model"
	"github.com/Brownie44l1/xray-gradcam/internal/model/modeltest"
	"github.com/Brownie44l1/xray-gradcam/internal/tensor"
)

func ramp(shape ...int) *tensor.Tensor {
	x := tensor.Zeros(shape...)
	for i := range x.Data {
		x.Data[i] = float32((i*7)%11)/11 - 0.4
	}
	return x
}

// affineNetwork has no kinks, so central differences are exact up to
// rounding.
func affineNetwork(t *testing.T, extra ...model.Layer) *model.Network {
	t.Helper()
	w := ramp(2, 3, 3, 3)
	conv, err := model.NewConv2D("conv", w, []float32{0.1, -0.2}, 1, 1)
	require.NoError(t, err)
	bn, err := model.NewBatchNorm("bn", []float32{1.5, 0.5}, []float32{0, 1}, []float32{0.1, 0.2}, []float32{1, 4}, 1e-5)
	require.NoError(t, err)
	dense, err := model.NewDense("fc", ramp(3, 2), []float32{0, 0, 0.5})
	require.NoError(t, err)

	layers := []model.Layer{conv, bn}
	layers = append(layers, extra...)
	layers = append(layers, model.NewGlobalAvgPool("gap"), dense)
	net, err := model.NewNetwork([]int{1, 3, 5, 5}, []string{"a", "b", "c"}, layers...)
	require.NoError(t, err)
	return net
}

func TestBackwardMatchesFiniteDifferences(t *testing.T) {
	ctx := context.Background()
	net := affineNetwork(t)
	x := ramp(1, 3, 5, 5)

	for class := 0; class < 3; class++ {
		p := net.NewPass()
		_, err := p.Forward(ctx, x)
		require.NoError(t, err)

		var grad *tensor.Tensor
		h := p.OnGradient(x, func(g *tensor.Tensor) { grad = g })
		p.ZeroGrad()
		require.NoError(t, p.Backward(ctx, class))
		h.Remove()
		require.NotNil(t, grad, "input gradient was not delivered")

		for _, i := range []int{0, 12, 31, 48, 74} {
			score := func(v float64) float64 {
				shifted := x.Clone()
				shifted.Data[i] = float32(v)
				s, err := net.Predict(ctx, shifted)
				require.NoError(t, err)
				return float64(s[class])
			}
			want := fd.Derivative(score, float64(x.Data[i]), &fd.Settings{Formula: fd.Central, Step: 0.5})
			assert.InDelta(t, want, float64(grad.Data[i]), 1e-4, "class %d element %d", class, i)
		}
	}
}

func TestForwardHookSeesRecordedTensor(t *testing.T) {
	ctx := context.Background()
	net := affineNetwork(t)
	p := net.NewPass()

	var act *tensor.Tensor
	calls := 0
	h := p.OnForward("bn", func(out *tensor.Tensor) { act = out; calls++ })
	removed := p.OnForward("conv", func(*tensor.Tensor) { t.Fatal("removed hook fired") })
	removed.Remove()
	removed.Remove()
	assert.Equal(t, 1, p.ActiveHooks())

	_, err := p.Forward(ctx, ramp(1, 3, 5, 5))
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	assert.Equal(t, []int{1, 2, 5, 5}, act.Shape)

	var grad *tensor.Tensor
	g := p.OnGradient(act, func(gr *tensor.Tensor) { grad = gr })
	require.NoError(t, p.Backward(ctx, 1))
	require.NotNil(t, grad)
	assert.True(t, grad.SameShape(act))

	// hooks receive a copy
	before := p.Gradient(act).Data[0]
	grad.Data[0] = before + 100
	assert.Equal(t, before, p.Gradient(act).Data[0])

	h.Remove()
	g.Remove()
	assert.Zero(t, p.ActiveHooks())
}

func TestGradientThroughAvgPoolHead(t *testing.T) {
	ctx := context.Background()
	net := affineNetwork(t)
	p := net.NewPass()

	var act *tensor.Tensor
	p.OnForward("bn", func(out *tensor.Tensor) { act = out })
	_, err := p.Forward(ctx, ramp(1, 3, 5, 5))
	require.NoError(t, err)

	var grad *tensor.Tensor
	p.OnGradient(act, func(g *tensor.Tensor) { grad = g })
	require.NoError(t, p.Backward(ctx, 2))

	// d score[2] / d act[c, y, x] = W[2, c] / (H*W)
	w := ramp(3, 2)
	for c := 0; c < 2; c++ {
		for _, v := range grad.Plane(0, c) {
			assert.InDelta(t, w.Data[2*2+c]/25, v, 1e-6)
		}
	}
}

func TestBackwardStopsAtNonDifferentiableLayer(t *testing.T) {
	ctx := context.Background()
	net := affineNetwork(t, model.NewDetach("detach"))
	p := net.NewPass()

	var act, detached *tensor.Tensor
	p.OnForward("bn", func(out *tensor.Tensor) { act = out })
	p.OnForward("detach", func(out *tensor.Tensor) { detached = out })
	_, err := p.Forward(ctx, ramp(1, 3, 5, 5))
	require.NoError(t, err)

	fired := false
	p.OnGradient(act, func(*tensor.Tensor) { fired = true })
	var downstream *tensor.Tensor
	p.OnGradient(detached, func(g *tensor.Tensor) { downstream = g })
	require.NoError(t, p.Backward(ctx, 0))
	assert.False(t, fired)
	assert.Nil(t, p.Gradient(act))

	// the layers after the detach still differentiate
	require.NotNil(t, downstream)
	w := ramp(3, 2)
	for c := 0; c < 2; c++ {
		for _, v := range downstream.Plane(0, c) {
			assert.InDelta(t, w.Data[c]/25, v, 1e-6)
		}
	}
}

func TestBackwardValidation(t *testing.T) {
	ctx := context.Background()
	net := affineNetwork(t)
	p := net.NewPass()
	require.Error(t, p.Backward(ctx, 0), "backward before forward")

	_, err := p.Forward(ctx, ramp(1, 3, 5, 5))
	require.NoError(t, err)
	assert.Error(t, p.Backward(ctx, 3))
	assert.Error(t, p.Backward(ctx, -1))

	_, err = p.Forward(ctx, ramp(1, 3, 4, 4))
	assert.Error(t, err)
}

func TestReLUAndMaxPoolGradients(t *testing.T) {
	ctx := context.Background()
	dw, err := tensor.New([]int{1, 2}, []float32{10, 20})
	require.NoError(t, err)
	dense, err := model.NewDense("fc", dw, nil)
	require.NoError(t, err)
	net, err := model.NewNetwork([]int{1, 1, 2, 4}, []string{"only"},
		model.NewReLU("relu"), model.NewMaxPool2D("pool", 2, 2), model.NewFlatten("flat"), dense)
	require.NoError(t, err)

	x, err := tensor.New([]int{1, 1, 2, 4}, []float32{
		-1, 2, 3, -4,
		5, -6, -7, 1,
	})
	require.NoError(t, err)

	p := net.NewPass()
	var relu, pool *tensor.Tensor
	p.OnForward("relu", func(out *tensor.Tensor) { relu = out })
	p.OnForward("pool", func(out *tensor.Tensor) { pool = out })
	scores, err := p.Forward(ctx, x)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 2, 3, 0, 5, 0, 0, 1}, relu.Data)
	assert.Equal(t, []int{1, 1, 1, 2}, pool.Shape)
	assert.Equal(t, []float32{5, 3}, pool.Data)
	assert.InDelta(t, 110, scores[0], 1e-4)

	var gx, gpool *tensor.Tensor
	p.OnGradient(x, func(g *tensor.Tensor) { gx = g })
	p.OnGradient(pool, func(g *tensor.Tensor) { gpool = g })
	require.NoError(t, p.Backward(ctx, 0))
	require.NotNil(t, gpool)
	assert.InDeltaSlice(t, []float32{10, 20}, gpool.Data, 1e-6)
	require.NotNil(t, gx)
	assert.InDeltaSlice(t, []float32{0, 0, 20, 0, 10, 0, 0, 0}, gx.Data, 1e-6)
}

func TestBackwardAccumulatesUntilZeroGrad(t *testing.T) {
	ctx := context.Background()
	net := affineNetwork(t)
	p := net.NewPass()

	var act *tensor.Tensor
	p.OnForward("bn", func(out *tensor.Tensor) { act = out })
	_, err := p.Forward(ctx, ramp(1, 3, 5, 5))
	require.NoError(t, err)
	p.OnGradient(act, func(*tensor.Tensor) {})

	require.NoError(t, p.Backward(ctx, 1))
	once := p.Gradient(act).Clone()
	require.NoError(t, p.Backward(ctx, 1))
	for i, v := range p.Gradient(act).Data {
		assert.InDelta(t, 2*once.Data[i], v, 1e-6)
	}

	p.ZeroGrad()
	assert.Nil(t, p.Gradient(act))
	require.NoError(t, p.Backward(ctx, 1))
	assert.InDeltaSlice(t, once.Data, p.Gradient(act).Data, 1e-7)
}

func TestLoadFromDisk(t *testing.T) {
	ctx := context.Background()
	cpPath, metaPath := modeltest.WriteFixture(t, t.TempDir(), 3)

	meta, err := model.LoadMetadata(metaPath)
	require.NoError(t, err)
	if diff := cmp.Diff(modeltest.Metadata(), meta); diff != "" {
		t.Fatalf("metadata mismatch (-want +got):\n%s", diff)
	}

	loaded, err := model.Load(cpPath, meta, model.Options{})
	require.NoError(t, err)
	defer loaded.Close()
	inMemory := modeltest.Network(t, 3)

	x := ramp(1, 3, modeltest.ImageSize, modeltest.ImageSize)
	want, err := inMemory.Predict(ctx, x)
	require.NoError(t, err)
	got, err := loaded.Predict(ctx, x)
	require.NoError(t, err)
	assert.InDeltaSlice(t, want, got, 1e-6)

	target, ok := loaded.LastSpatialLayer()
	require.True(t, ok)
	assert.Equal(t, "relu", target)
	shape, ok := loaded.OutputShape(modeltest.TargetLayer)
	require.True(t, ok)
	assert.Equal(t, []int{1, 6, 8, 8}, shape)
}

func TestLoadMissingArtifacts(t *testing.T) {
	dir := t.TempDir()
	_, err := model.Load(filepath.Join(dir, "checkpoint.json"), modeltest.Metadata(), model.Options{})
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = model.LoadMetadata(filepath.Join(dir, "model_metadata.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestBuildRejectsBadCheckpoints(t *testing.T) {
	cp := modeltest.Checkpoint(1)
	cp.Weights = cp.Weights[:len(cp.Weights)-2]
	_, err := cp.Build(modeltest.Metadata(), model.Options{})
	assert.ErrorContains(t, err, "classifier.weight")

	meta := modeltest.Metadata()
	meta.Classes = []string{"NORMAL", "PNEUMONIA"}
	_, err = modeltest.Checkpoint(1).Build(meta, model.Options{})
	assert.ErrorContains(t, err, "does not match 2 classes")
}

func TestMetadataValidate(t *testing.T) {
	meta := modeltest.Metadata()
	require.NoError(t, meta.Validate())

	meta.Std = []float32{1, 0, 1}
	assert.Error(t, meta.Validate())

	meta = modeltest.Metadata()
	meta.Classes = []string{"A", "A", "B"}
	assert.Error(t, meta.Validate())
}

func TestLayerTypeText(t *testing.T) {
	var lt model.LayerType
	require.NoError(t, lt.UnmarshalText([]byte("GlobalAvgPool")))
	assert.Equal(t, model.GlobalAvgPool, lt)
	assert.Error(t, lt.UnmarshalText([]byte("Transformer")))
	assert.Equal(t, "Unknown", model.LayerType(99).String())
}
