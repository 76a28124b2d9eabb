// Package gradcam derives class-activation heatmaps from the gradient of a
// class score with respect to an intermediate feature map.
package gradcam

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"

	"github.com/Brownie44l1/xray-gradcam/internal/failure"
	"github.com/Brownie44l1/xray-gradcam/internal/model"
	"github.com/Brownie44l1/xray-gradcam/internal/tensor"
)

// Epsilon keeps min-max normalization finite for uniform maps.
const Epsilon = 1e-8

// Classifier is the part of model.Network the engine depends on.
type Classifier interface {
	NumClasses() int
	InputShape() []int
	NewPass() *model.Pass
}

// Heatmap is a row-major saliency grid with values in [0, 1].
type Heatmap struct {
	Width  int
	Height int
	Values []float64
}

func (h *Heatmap) At(x, y int) float64 { return h.Values[y*h.Width+x] }

// Engine computes Grad-CAM heatmaps for one target layer. It keeps no state
// between calls and may be shared by concurrent requests.
type Engine struct {
	net    Classifier
	target string
	logger *zap.Logger
}

func New(net Classifier, targetLayer string, logger *zap.Logger) (*Engine, error) {
	if net == nil {
		return nil, failure.Configurationf("gradcam.New", "classifier is required")
	}
	if targetLayer == "" {
		return nil, failure.Configurationf("gradcam.New", "target layer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{net: net, target: targetLayer, logger: logger}, nil
}

func (e *Engine) TargetLayer() string { return e.target }

// capture holds the tensors observed during one evaluation.
type capture struct {
	activation *tensor.Tensor
	gradient   *tensor.Tensor
}

// Generate explains the score of classIndex for input, or of the top-scoring
// class when classIndex is nil.
func (e *Engine) Generate(ctx context.Context, input *tensor.Tensor, classIndex *int) (*Heatmap, error) {
	return e.generate(ctx, &capture{}, input, classIndex)
}

func (e *Engine) generate(ctx context.Context, c *capture, input *tensor.Tensor, classIndex *int) (*Heatmap, error) {
	const op = "gradcam.Generate"
	start := time.Now()

	if err := e.checkInput(input); err != nil {
		return nil, failure.Wrap(failure.Configuration, op, err)
	}

	c.activation, c.gradient = nil, nil
	pass := e.net.NewPass()

	fwd := pass.OnForward(e.target, func(out *tensor.Tensor) { c.activation = out })
	defer fwd.Remove()

	scores, err := pass.Forward(ctx, input)
	if err != nil {
		return nil, failure.Wrap(failure.Computation, op, err)
	}
	if c.activation == nil {
		return nil, failure.Configurationf(op, "target layer %q was not invoked during the forward pass", e.target)
	}

	class := tensor.ArgMax(scores)
	if classIndex != nil {
		class = *classIndex
	}
	if class < 0 || class >= e.net.NumClasses() {
		return nil, failure.Configurationf(op, "class index %d outside [0, %d)", class, e.net.NumClasses())
	}

	bwd := pass.OnGradient(c.activation, func(g *tensor.Tensor) { c.gradient = g })
	defer bwd.Remove()

	pass.ZeroGrad()
	if err := pass.Backward(ctx, class); err != nil {
		return nil, failure.Wrap(failure.Computation, op, err)
	}
	if c.gradient == nil {
		return nil, failure.Computationf(op, "backward pass never reached target layer %q", e.target)
	}

	hm, err := Reduce(c.activation, c.gradient)
	if err != nil {
		return nil, failure.Wrap(failure.Computation, op, err)
	}

	e.logger.Debug("generated heatmap",
		zap.String("target_layer", e.target),
		zap.Int("class", class),
		zap.Int("width", hm.Width),
		zap.Int("height", hm.Height),
		zap.Duration("elapsed", time.Since(start)))
	return hm, nil
}

func (e *Engine) checkInput(x *tensor.Tensor) error {
	if x == nil {
		return errors.New("input tensor is nil")
	}
	want := e.net.InputShape()
	if len(want) != 4 || x.Rank() != 4 || x.Shape[0] != 1 {
		return fmt.Errorf("input must be a single [1, C, H, W] image, got %v", x.Shape)
	}
	for i := range want {
		if x.Shape[i] != want[i] {
			return fmt.Errorf("input shape %v, classifier expects %v", x.Shape, want)
		}
	}
	if len(x.Data) != tensor.Size(x.Shape) {
		return fmt.Errorf("input has %d values for shape %v", len(x.Data), x.Shape)
	}
	return nil
}

// ChannelWeights returns the spatial mean of the gradient for each channel of
// batch element 0.
func ChannelWeights(grad *tensor.Tensor) ([]float64, error) {
	_, c, h, w, err := grad.Dims4()
	if err != nil {
		return nil, err
	}
	weights := make([]float64, c)
	buf := make([]float64, h*w)
	for ch := range weights {
		weights[ch] = floats.Sum(widen(buf, grad.Plane(0, ch))) / float64(h*w)
	}
	return weights, nil
}

// Reduce turns an activation and its gradient into a normalized heatmap:
// channel-weighted sum, rectification, then min-max scaling.
func Reduce(act, grad *tensor.Tensor) (*Heatmap, error) {
	_, c, h, w, err := act.Dims4()
	if err != nil {
		return nil, failure.Configurationf("gradcam.Reduce", "target layer output: %v", err)
	}
	if !grad.SameShape(act) {
		return nil, failure.Computationf("gradcam.Reduce", "gradient shape %v does not match activation %v", grad.Shape, act.Shape)
	}
	if h*w == 0 {
		return nil, failure.Computationf("gradcam.Reduce", "empty feature map %v", act.Shape)
	}

	weights, err := ChannelWeights(grad)
	if err != nil {
		return nil, err
	}
	cam := make([]float64, h*w)
	buf := make([]float64, h*w)
	for ch := 0; ch < c; ch++ {
		floats.AddScaled(cam, weights[ch], widen(buf, act.Plane(0, ch)))
	}

	for i, v := range cam {
		if v < 0 {
			cam[i] = 0
		}
	}
	Normalize(cam)
	return &Heatmap{Width: w, Height: h, Values: cam}, nil
}

// Normalize rescales v in place to (v - min) / (max - min + Epsilon).
func Normalize(v []float64) {
	if len(v) == 0 {
		return
	}
	lo, hi := floats.Min(v), floats.Max(v)
	floats.AddConst(-lo, v)
	floats.Scale(1/(hi-lo+Epsilon), v)
}

func widen(dst []float64, src []float32) []float64 {
	for i, v := range src {
		dst[i] = float64(v)
	}
	return dst[:len(src)]
}
