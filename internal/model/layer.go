package model

import (
	"fmt"
	"math"

	"gorgonia.org/gorgonia"
	gt "gorgonia.org/tensor"

	"github.com/Brownie44l1/xray-gradcam/internal/tensor"
)

// Layer is one stage of a sequential network. Every layer is either
// Differentiable or Eager.
type Layer interface {
	Name() string
}

// Differentiable layers add their operation to an expression graph.
// Consecutive differentiable layers share one graph, and gradients are taken
// symbolically through it. Implementations hold only read-only weights.
type Differentiable interface {
	Layer
	Apply(g *gorgonia.ExprGraph, x *gorgonia.Node) (*gorgonia.Node, error)
}

// Eager layers compute directly on tensors outside any graph, so gradients
// never flow through them. Forward must return a freshly allocated tensor.
type Eager interface {
	Layer
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
}

type named struct{ name string }

func (n named) Name() string { return n.name }

// bind creates an input node holding a private copy of data, so graphs built
// concurrently never share value buffers.
func bind(g *gorgonia.ExprGraph, name string, shape []int, data []float32) *gorgonia.Node {
	v := gt.New(gt.WithShape(shape...), gt.WithBacking(append([]float32(nil), data...)))
	return gorgonia.NewTensor(g, gorgonia.Float32, len(shape),
		gorgonia.WithShape(shape...), gorgonia.WithName(name), gorgonia.WithValue(v))
}

// channelParam binds a per-channel vector as [1, C, 1, 1] for broadcasting
// over NCHW feature maps.
func channelParam(g *gorgonia.ExprGraph, name string, v []float32) *gorgonia.Node {
	return bind(g, name, []int{1, len(v), 1, 1}, v)
}

var spatialAxes = []byte{0, 2, 3}

// Conv2DLayer is a square-kernel convolution over NCHW input.
type Conv2DLayer struct {
	named
	Weight  *tensor.Tensor // [out, in, k, k]
	Bias    []float32      // [out] or nil
	Stride  int
	Padding int
}

func NewConv2D(name string, weight *tensor.Tensor, bias []float32, stride, padding int) (*Conv2DLayer, error) {
	if weight.Rank() != 4 || weight.Shape[2] != weight.Shape[3] {
		return nil, fmt.Errorf("conv %s: weight must be [out, in, k, k], got %v", name, weight.Shape)
	}
	if bias != nil && len(bias) != weight.Shape[0] {
		return nil, fmt.Errorf("conv %s: bias has %d values for %d filters", name, len(bias), weight.Shape[0])
	}
	if stride < 1 {
		stride = 1
	}
	return &Conv2DLayer{named: named{name}, Weight: weight, Bias: bias, Stride: stride, Padding: padding}, nil
}

func (l *Conv2DLayer) Apply(g *gorgonia.ExprGraph, x *gorgonia.Node) (*gorgonia.Node, error) {
	k := l.Weight.Shape[2]
	if x.Dims() != 4 || x.Shape()[1] != l.Weight.Shape[1] {
		return nil, fmt.Errorf("conv %s: expected [N, %d, H, W] input, got %v", l.name, l.Weight.Shape[1], x.Shape())
	}
	h, w := x.Shape()[2], x.Shape()[3]
	if (h+2*l.Padding-k)/l.Stride+1 <= 0 || (w+2*l.Padding-k)/l.Stride+1 <= 0 {
		return nil, fmt.Errorf("conv %s: input %dx%d too small for kernel %d", l.name, h, w, k)
	}

	filter := bind(g, l.name+".weight", l.Weight.Shape, l.Weight.Data)
	y, err := gorgonia.Conv2d(x, filter, gt.Shape{k, k},
		[]int{l.Padding, l.Padding}, []int{l.Stride, l.Stride}, []int{1, 1})
	if err != nil {
		return nil, fmt.Errorf("conv %s: %w", l.name, err)
	}
	if l.Bias == nil {
		return y, nil
	}
	return gorgonia.BroadcastAdd(y, channelParam(g, l.name+".bias", l.Bias), nil, spatialAxes)
}

// BatchNormLayer applies inference-mode batch normalization using running
// statistics folded into a per-channel scale and shift.
type BatchNormLayer struct {
	named
	Scale []float32
	Shift []float32
}

func NewBatchNorm(name string, gamma, beta, mean, variance []float32, eps float32) (*BatchNormLayer, error) {
	c := len(mean)
	if len(variance) != c || (gamma != nil && len(gamma) != c) || (beta != nil && len(beta) != c) {
		return nil, fmt.Errorf("batchnorm %s: inconsistent parameter lengths", name)
	}
	l := &BatchNormLayer{named: named{name}, Scale: make([]float32, c), Shift: make([]float32, c)}
	for i := 0; i < c; i++ {
		g, bt := float32(1), float32(0)
		if gamma != nil {
			g = gamma[i]
		}
		if beta != nil {
			bt = beta[i]
		}
		inv := float32(1 / math.Sqrt(float64(variance[i]+eps)))
		l.Scale[i] = g * inv
		l.Shift[i] = bt - mean[i]*g*inv
	}
	return l, nil
}

func (l *BatchNormLayer) Apply(g *gorgonia.ExprGraph, x *gorgonia.Node) (*gorgonia.Node, error) {
	if x.Dims() != 4 || x.Shape()[1] != len(l.Scale) {
		return nil, fmt.Errorf("batchnorm %s: expected %d channels, got %v", l.name, len(l.Scale), x.Shape())
	}
	scaled, err := gorgonia.BroadcastHadamardProd(x, channelParam(g, l.name+".scale", l.Scale), nil, spatialAxes)
	if err != nil {
		return nil, fmt.Errorf("batchnorm %s: %w", l.name, err)
	}
	return gorgonia.BroadcastAdd(scaled, channelParam(g, l.name+".shift", l.Shift), nil, spatialAxes)
}

type ReLULayer struct{ named }

func NewReLU(name string) *ReLULayer { return &ReLULayer{named{name}} }

func (l *ReLULayer) Apply(_ *gorgonia.ExprGraph, x *gorgonia.Node) (*gorgonia.Node, error) {
	return gorgonia.Rectify(x)
}

// MaxPool2DLayer pools non-overlapping or strided square windows.
type MaxPool2DLayer struct {
	named
	Kernel int
	Stride int
}

func NewMaxPool2D(name string, kernel, stride int) *MaxPool2DLayer {
	if kernel < 1 {
		kernel = 2
	}
	if stride < 1 {
		stride = kernel
	}
	return &MaxPool2DLayer{named: named{name}, Kernel: kernel, Stride: stride}
}

func (l *MaxPool2DLayer) Apply(_ *gorgonia.ExprGraph, x *gorgonia.Node) (*gorgonia.Node, error) {
	if x.Dims() != 4 {
		return nil, fmt.Errorf("maxpool %s: expected NCHW input, got %v", l.name, x.Shape())
	}
	h, w := x.Shape()[2], x.Shape()[3]
	if h < l.Kernel || w < l.Kernel {
		return nil, fmt.Errorf("maxpool %s: input %dx%d too small for kernel %d", l.name, h, w, l.Kernel)
	}
	return gorgonia.MaxPool2D(x, gt.Shape{l.Kernel, l.Kernel}, []int{0, 0}, []int{l.Stride, l.Stride})
}

// GlobalAvgPoolLayer reduces [N, C, H, W] to [N, C].
type GlobalAvgPoolLayer struct{ named }

func NewGlobalAvgPool(name string) *GlobalAvgPoolLayer { return &GlobalAvgPoolLayer{named{name}} }

func (l *GlobalAvgPoolLayer) Apply(_ *gorgonia.ExprGraph, x *gorgonia.Node) (*gorgonia.Node, error) {
	if x.Dims() != 4 {
		return nil, fmt.Errorf("avgpool %s: expected NCHW input, got %v", l.name, x.Shape())
	}
	rows, err := gorgonia.Mean(x, 3)
	if err != nil {
		return nil, fmt.Errorf("avgpool %s: %w", l.name, err)
	}
	return gorgonia.Mean(rows, 2)
}

// FlattenLayer reshapes [N, ...] to [N, rest].
type FlattenLayer struct{ named }

func NewFlatten(name string) *FlattenLayer { return &FlattenLayer{named{name}} }

func (l *FlattenLayer) Apply(_ *gorgonia.ExprGraph, x *gorgonia.Node) (*gorgonia.Node, error) {
	if x.Dims() < 2 {
		return nil, fmt.Errorf("flatten %s: rank %d input", l.name, x.Dims())
	}
	n := x.Shape()[0]
	return gorgonia.Reshape(x, gt.Shape{n, x.Shape().TotalSize() / n})
}

// DenseLayer is a fully connected layer over [N, in].
type DenseLayer struct {
	named
	Weight *tensor.Tensor // [out, in]
	Bias   []float32
	// weightT is Weight transposed to [in, out] for x·Wᵀ.
	weightT []float32
}

func NewDense(name string, weight *tensor.Tensor, bias []float32) (*DenseLayer, error) {
	if weight.Rank() != 2 {
		return nil, fmt.Errorf("dense %s: weight must be [out, in], got %v", name, weight.Shape)
	}
	out, in := weight.Shape[0], weight.Shape[1]
	if bias != nil && len(bias) != out {
		return nil, fmt.Errorf("dense %s: bias has %d values for %d outputs", name, len(bias), out)
	}
	wt := make([]float32, in*out)
	for o := 0; o < out; o++ {
		for i := 0; i < in; i++ {
			wt[i*out+o] = weight.Data[o*in+i]
		}
	}
	return &DenseLayer{named: named{name}, Weight: weight, Bias: bias, weightT: wt}, nil
}

func (l *DenseLayer) Apply(g *gorgonia.ExprGraph, x *gorgonia.Node) (*gorgonia.Node, error) {
	out, in := l.Weight.Shape[0], l.Weight.Shape[1]
	if x.Dims() != 2 || x.Shape()[1] != in {
		return nil, fmt.Errorf("dense %s: expected [N, %d] input, got %v", l.name, in, x.Shape())
	}
	y, err := gorgonia.Mul(x, bind(g, l.name+".weight", []int{in, out}, l.weightT))
	if err != nil {
		return nil, fmt.Errorf("dense %s: %w", l.name, err)
	}
	if l.Bias == nil {
		return y, nil
	}
	return gorgonia.BroadcastAdd(y, bind(g, l.name+".bias", []int{1, out}, l.Bias), nil, []byte{0})
}

// DetachLayer passes values through unchanged but blocks gradients.
type DetachLayer struct{ named }

func NewDetach(name string) *DetachLayer { return &DetachLayer{named{name}} }

func (l *DetachLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return x.Clone(), nil
}
