package gradcam

import (
	"context"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"github.com/Brownie44l1/xray-gradcam/internal/failure"
	"github.com/Brownie44l1/xray-gradcam/internal/model"
	"github.com/Brownie44l1/xray-gradcam/internal/model/modeltest"
	"github.com/Brownie44l1/xray-gradcam/internal/tensor"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func randomInput(seed int64, shape ...int) *tensor.Tensor {
	rng := rand.New(rand.NewSource(seed))
	x := tensor.Zeros(shape...)
	for i := range x.Data {
		x.Data[i] = float32(rng.NormFloat64())
	}
	return x
}

func tinyEngine(t *testing.T, target string) (*Engine, *model.Network) {
	t.Helper()
	net := modeltest.Network(t, 11)
	e, err := New(net, target, nil)
	require.NoError(t, err)
	return e, net
}

func intPtr(v int) *int { return &v }

func TestGenerateHeatmapRangeAndShape(t *testing.T) {
	e, _ := tinyEngine(t, modeltest.TargetLayer)
	ctx := context.Background()

	for seed := int64(0); seed < 6; seed++ {
		x := randomInput(seed, 1, 3, modeltest.ImageSize, modeltest.ImageSize)
		for class := 0; class < 3; class++ {
			hm, err := e.Generate(ctx, x, intPtr(class))
			require.NoError(t, err)
			assert.Equal(t, 8, hm.Width)
			assert.Equal(t, 8, hm.Height)
			require.Len(t, hm.Values, 64)

			lo, hi := hm.Values[0], hm.Values[0]
			for _, v := range hm.Values {
				assert.GreaterOrEqual(t, v, 0.0)
				assert.LessOrEqual(t, v, 1.0)
				lo, hi = min(lo, v), max(hi, v)
			}
			assert.Zero(t, lo)
			assert.LessOrEqual(t, hi, 1.0)
		}
	}
}

func TestGenerateIsDeterministic(t *testing.T) {
	e, _ := tinyEngine(t, modeltest.TargetLayer)
	ctx := context.Background()
	x := randomInput(42, 1, 3, modeltest.ImageSize, modeltest.ImageSize)

	first, err := e.Generate(ctx, x, nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		again, err := e.Generate(ctx, x, nil)
		require.NoError(t, err)
		assert.InDeltaSlice(t, first.Values, again.Values, 1e-12)
	}

	// a freshly built engine over identical weights agrees
	fresh, _ := tinyEngine(t, modeltest.TargetLayer)
	other, err := fresh.Generate(ctx, x, nil)
	require.NoError(t, err)
	assert.InDeltaSlice(t, first.Values, other.Values, 1e-12)
}

func TestGenerateDefaultsToTopClass(t *testing.T) {
	e, net := tinyEngine(t, modeltest.TargetLayer)
	ctx := context.Background()
	x := randomInput(5, 1, 3, modeltest.ImageSize, modeltest.ImageSize)

	scores, err := net.Predict(ctx, x)
	require.NoError(t, err)

	implicit, err := e.Generate(ctx, x, nil)
	require.NoError(t, err)
	explicit, err := e.Generate(ctx, x, intPtr(tensor.ArgMax(scores)))
	require.NoError(t, err)
	assert.Equal(t, explicit.Values, implicit.Values)
}

// The head after norm5 is relu -> avgpool -> classifier, so the gradient of a
// class score is W[class, c] / (H*W) wherever the activation is positive.
func TestGenerateMatchesClosedFormGradient(t *testing.T) {
	e, net := tinyEngine(t, modeltest.TargetLayer)
	ctx := context.Background()
	x := randomInput(9, 1, 3, modeltest.ImageSize, modeltest.ImageSize)

	var act *tensor.Tensor
	p := net.NewPass()
	p.OnForward(modeltest.TargetLayer, func(out *tensor.Tensor) { act = out })
	_, err := p.Forward(ctx, x)
	require.NoError(t, err)

	var classifier []float32
	for _, w := range modeltest.Checkpoint(11).Weights {
		if w.Name == "classifier.weight" {
			classifier = w.Data
		}
	}
	require.Len(t, classifier, 18)

	const class = 1
	grad := tensor.Zeros(act.Shape...)
	for c := 0; c < 6; c++ {
		a, g := act.Plane(0, c), grad.Plane(0, c)
		for i, v := range a {
			if v > 0 {
				g[i] = classifier[class*6+c] / 64
			}
		}
	}
	want, err := Reduce(act, grad)
	require.NoError(t, err)

	got, err := e.Generate(ctx, x, intPtr(class))
	require.NoError(t, err)
	assert.InDeltaSlice(t, want.Values, got.Values, 1e-6)
}

func TestGenerateUnknownTargetIsConfigurationError(t *testing.T) {
	e, _ := tinyEngine(t, "features.denseblock9")
	x := randomInput(1, 1, 3, modeltest.ImageSize, modeltest.ImageSize)

	_, err := e.Generate(context.Background(), x, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, failure.ErrConfiguration)
	assert.ErrorContains(t, err, "was not invoked")
}

func TestGenerateDisconnectedTargetIsComputationError(t *testing.T) {
	cp := modeltest.Checkpoint(11)
	var layers []model.LayerSpec
	for _, l := range cp.ModelSpec.Layers {
		layers = append(layers, l)
		if l.Name == modeltest.TargetLayer {
			layers = append(layers, model.LayerSpec{Type: model.Detach, Name: "no_grad"})
		}
	}
	cp.ModelSpec.Layers = layers
	net, err := cp.Build(modeltest.Metadata(), model.Options{})
	require.NoError(t, err)

	e, err := New(net, modeltest.TargetLayer, nil)
	require.NoError(t, err)
	_, err = e.Generate(context.Background(), randomInput(1, 1, 3, modeltest.ImageSize, modeltest.ImageSize), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, failure.ErrComputation)
}

func TestGenerateRejectsBadArguments(t *testing.T) {
	e, _ := tinyEngine(t, modeltest.TargetLayer)
	ctx := context.Background()
	x := randomInput(1, 1, 3, modeltest.ImageSize, modeltest.ImageSize)

	for _, class := range []int{-1, 3, 100} {
		_, err := e.Generate(ctx, x, intPtr(class))
		assert.ErrorIs(t, err, failure.ErrConfiguration, "class %d", class)
	}

	_, err := e.Generate(ctx, randomInput(1, 1, 3, 8, 8), nil)
	assert.ErrorIs(t, err, failure.ErrConfiguration)
	_, err = e.Generate(ctx, nil, nil)
	assert.ErrorIs(t, err, failure.ErrConfiguration)

	_, err = New(nil, "x", nil)
	assert.ErrorIs(t, err, failure.ErrConfiguration)
	_, err = New(modeltest.Network(t, 1), "", nil)
	assert.ErrorIs(t, err, failure.ErrConfiguration)
}

func TestGenerateHonorsCancelledContext(t *testing.T) {
	e, _ := tinyEngine(t, modeltest.TargetLayer)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Generate(ctx, randomInput(1, 1, 3, modeltest.ImageSize, modeltest.ImageSize), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReduceUniformMapIsAllZero(t *testing.T) {
	act := tensor.Zeros(1, 3, 4, 5)
	grad := tensor.Zeros(1, 3, 4, 5)
	for i := range act.Data {
		act.Data[i] = 2
		grad.Data[i] = 0.25
	}
	hm, err := Reduce(act, grad)
	require.NoError(t, err)
	assert.Equal(t, 5, hm.Width)
	assert.Equal(t, 4, hm.Height)
	for _, v := range hm.Values {
		assert.Zero(t, v)
	}
}

func TestReduceRectifiesNegativeEvidence(t *testing.T) {
	act, err := tensor.New([]int{1, 1, 2, 2}, []float32{-3, -1, 1, 3})
	require.NoError(t, err)
	grad, err := tensor.New([]int{1, 1, 2, 2}, []float32{1, 1, 1, 1})
	require.NoError(t, err)

	hm, err := Reduce(act, grad)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0, 0, 1.0 / 3, 1}, hm.Values, 1e-7)
	assert.InDelta(t, 1.0/3, hm.At(0, 1), 1e-7)

	weights, err := ChannelWeights(grad)
	require.NoError(t, err)
	assert.Equal(t, []float64{1}, weights)

	_, err = Reduce(act, tensor.Zeros(1, 2, 2, 2))
	assert.ErrorIs(t, err, failure.ErrComputation)
}

// gatedClassifier parks the first pass created after arming at its "gap"
// forward hook, which runs after the "feat" activation has been captured.
type gatedClassifier struct {
	*model.Network
	armed   atomic.Bool
	reached chan struct{}
	release chan struct{}
}

func (g *gatedClassifier) NewPass() *model.Pass {
	p := g.Network.NewPass()
	if g.armed.CompareAndSwap(true, false) {
		p.OnForward("gap", func(*tensor.Tensor) {
			close(g.reached)
			<-g.release
		})
	}
	return p
}

// gatedNetwork sums the input channels into a single feature map; its class 0
// heatmap is the normalized channel sum, so distinct inputs give distinct maps.
func gatedNetwork(t *testing.T) *gatedClassifier {
	t.Helper()
	w, err := tensor.New([]int{1, 3, 1, 1}, []float32{1, 1, 1})
	require.NoError(t, err)
	feat, err := model.NewConv2D("feat", w, nil, 1, 0)
	require.NoError(t, err)
	head, err := tensor.New([]int{2, 1}, []float32{1, -1})
	require.NoError(t, err)
	fc, err := model.NewDense("fc", head, nil)
	require.NoError(t, err)

	net, err := model.NewNetwork([]int{1, 3, 4, 4}, []string{"NORMAL", "PNEUMONIA"},
		feat, model.NewGlobalAvgPool("gap"), fc)
	require.NoError(t, err)
	return &gatedClassifier{Network: net, reached: make(chan struct{}), release: make(chan struct{})}
}

func gradientImage(leftToRight bool) *tensor.Tensor {
	x := tensor.Zeros(1, 3, 4, 4)
	for c := 0; c < 3; c++ {
		p := x.Plane(0, c)
		for y := 0; y < 4; y++ {
			for xx := 0; xx < 4; xx++ {
				v := float32(xx + 1)
				if !leftToRight {
					v = float32(4 - xx)
				}
				p[y*4+xx] = v
			}
		}
	}
	return x
}

func TestSharedCaptureCorruptsOverlappingCalls(t *testing.T) {
	gate := gatedNetwork(t)
	e, err := New(gate, "feat", nil)
	require.NoError(t, err)
	ctx := context.Background()
	inputA, inputB := gradientImage(true), gradientImage(false)

	wantA, err := e.Generate(ctx, inputA, intPtr(0))
	require.NoError(t, err)
	wantB, err := e.Generate(ctx, inputB, intPtr(0))
	require.NoError(t, err)
	require.NotEqual(t, wantA.Values, wantB.Values)

	shared := &capture{}
	gate.armed.Store(true)

	var gotA *Heatmap
	var errA error
	done := make(chan struct{})
	go func() {
		defer close(done)
		gotA, errA = e.generate(ctx, shared, inputA, intPtr(0))
	}()

	// A has captured its activation and is parked after the target layer.
	<-gate.reached
	gotB, errB := e.generate(ctx, shared, inputB, intPtr(0))
	close(gate.release)
	<-done

	require.NoError(t, errB)
	assert.Equal(t, wantB.Values, gotB.Values)

	// A silently returns B's explanation.
	require.NoError(t, errA)
	assert.Equal(t, wantB.Values, gotA.Values)
	assert.NotEqual(t, wantA.Values, gotA.Values)
}

func TestGenerateIsolatesOverlappingCalls(t *testing.T) {
	gate := gatedNetwork(t)
	e, err := New(gate, "feat", nil)
	require.NoError(t, err)
	ctx := context.Background()
	inputA, inputB := gradientImage(true), gradientImage(false)

	wantA, err := e.Generate(ctx, inputA, intPtr(0))
	require.NoError(t, err)
	wantB, err := e.Generate(ctx, inputB, intPtr(0))
	require.NoError(t, err)

	gate.armed.Store(true)
	var gotA *Heatmap
	var errA error
	done := make(chan struct{})
	go func() {
		defer close(done)
		gotA, errA = e.Generate(ctx, inputA, intPtr(0))
	}()

	<-gate.reached
	gotB, errB := e.Generate(ctx, inputB, intPtr(0))
	close(gate.release)
	<-done

	require.NoError(t, errA)
	require.NoError(t, errB)
	assert.Equal(t, wantA.Values, gotA.Values)
	assert.Equal(t, wantB.Values, gotB.Values)
}

func TestConcurrentGenerateMatchesSequential(t *testing.T) {
	e, _ := tinyEngine(t, modeltest.TargetLayer)
	ctx := context.Background()

	const n = 8
	inputs := make([]*tensor.Tensor, n)
	want := make([]*Heatmap, n)
	for i := range inputs {
		inputs[i] = randomInput(int64(100+i), 1, 3, modeltest.ImageSize, modeltest.ImageSize)
		hm, err := e.Generate(ctx, inputs[i], nil)
		require.NoError(t, err)
		want[i] = hm
	}

	got := make([]*Heatmap, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := range inputs {
		g.Go(func() error {
			hm, err := e.Generate(gctx, inputs[i], nil)
			got[i] = hm
			return err
		})
	}
	require.NoError(t, g.Wait())
	for i := range want {
		assert.Equal(t, want[i].Values, got[i].Values, "input %d", i)
	}
}
