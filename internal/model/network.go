package model

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Brownie44l1/xray-gradcam/internal/tensor"
)

// Network is a sequential image classifier. Its weights are immutable after
// construction; all per-evaluation state lives in a Pass.
type Network struct {
	layers       []Layer
	stages       []stage
	index        map[string]int
	classes      []string
	inputShape   []int
	outputShapes [][]int
}

// stage is either one eager layer or a run of differentiable layers that is
// evaluated as a single expression graph.
type stage struct {
	first int
	eager Eager
	graph []Differentiable
}

// evaluation is the outcome of running every stage once.
type evaluation struct {
	out *tensor.Tensor
	// tail is the final stage when it is a graph, and tailInput the tensor
	// that fed it. Gradients are only available inside that stage.
	tail      *stage
	tailInput *tensor.Tensor
}

// NewNetwork groups the layers into stages and validates the stack by
// running one zero-valued input through it, checking that the final output is [1, len(classes)].
func NewNetwork(inputShape []int, classes []string, layers ...Layer) (*Network, error) {
	if len(layers) == 0 {
		return nil, errors.New("network has no layers")
	}
	if len(classes) == 0 {
		return nil, errors.New("network has no classes")
	}
	n := &Network{
		layers:     layers,
		index:      make(map[string]int, len(layers)),
		classes:    append([]string(nil), classes...),
		inputShape: append([]int(nil), inputShape...),
	}
	for i, l := range layers {
		if _, dup := n.index[l.Name()]; dup {
			return nil, fmt.Errorf("duplicate layer name %q", l.Name())
		}
		n.index[l.Name()] = i

		switch l := l.(type) {
		case Differentiable:
			last := len(n.stages) - 1
			if last >= 0 && n.stages[last].eager == nil {
				n.stages[last].graph = append(n.stages[last].graph, l)
				continue
			}
			n.stages = append(n.stages, stage{first: i, graph: []Differentiable{l}})
		case Eager:
			n.stages = append(n.stages, stage{first: i, eager: l})
		default:
			return nil, fmt.Errorf("layer %q (%T) is neither differentiable nor eager", l.Name(), l)
		}
	}

	ev, err := n.evaluate(context.Background(), tensor.Zeros(inputShape...), func(_ int, y *tensor.Tensor) {
		n.outputShapes = append(n.outputShapes, append([]int(nil), y.Shape...))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to validate network: %w", err)
	}
	if x := ev.out; x.Rank() != 2 || x.Shape[0] != 1 || x.Shape[1] != len(classes) {
		return nil, fmt.Errorf("network output %v does not match %d classes", x.Shape, len(classes))
	}
	return n, nil
}

// evaluate runs every stage on x, calling observe with each layer's output in
// layer order.
func (n *Network) evaluate(ctx context.Context, x *tensor.Tensor, observe func(i int, y *tensor.Tensor)) (*evaluation, error) {
	ev := &evaluation{out: x}
	for si := range n.stages {
		st := &n.stages[si]
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if st.eager != nil {
			y, err := st.eager.Forward(ev.out)
			if err != nil {
				return nil, fmt.Errorf("layer %q: %w", st.eager.Name(), err)
			}
			if observe != nil {
				observe(st.first, y)
			}
			ev.out, ev.tail, ev.tailInput = y, nil, nil
			continue
		}

		in := ev.out
		seg, err := buildSegment(st.graph, in)
		if err != nil {
			return nil, err
		}
		if err := seg.run(); err != nil {
			return nil, fmt.Errorf("layers %q to %q: %w", st.graph[0].Name(), st.graph[len(st.graph)-1].Name(), err)
		}
		for j := range st.graph {
			y, err := seg.result(j)
			if err != nil {
				return nil, fmt.Errorf("layer %q: %w", st.graph[j].Name(), err)
			}
			if observe != nil {
				observe(st.first+j, y)
			}
			ev.out = y
		}
		ev.tail, ev.tailInput = st, in
	}
	return ev, nil
}

func (n *Network) Classes() []string { return append([]string(nil), n.classes...) }

func (n *Network) NumClasses() int { return len(n.classes) }

func (n *Network) InputShape() []int { return append([]int(nil), n.inputShape...) }

func (n *Network) Layers() []string {
	names := make([]string, len(n.layers))
	for i, l := range n.layers {
		names[i] = l.Name()
	}
	return names
}

// OutputShape reports the output shape of a layer.
func (n *Network) OutputShape(layer string) ([]int, bool) {
	i, ok := n.index[layer]
	if !ok {
		return nil, false
	}
	return append([]int(nil), n.outputShapes[i]...), true
}

// LastSpatialLayer returns the deepest layer producing a 4-D feature map,
// the usual Grad-CAM target.
func (n *Network) LastSpatialLayer() (string, bool) {
	for i := len(n.layers) - 1; i >= 0; i-- {
		if len(n.outputShapes[i]) == 4 {
			return n.layers[i].Name(), true
		}
	}
	return "", false
}

func (n *Network) checkInput(x *tensor.Tensor) error {
	if x == nil {
		return errors.New("nil input tensor")
	}
	if len(x.Shape) != len(n.inputShape) {
		return fmt.Errorf("input shape %v, network expects %v", x.Shape, n.inputShape)
	}
	for i := range x.Shape {
		if x.Shape[i] != n.inputShape[i] {
			return fmt.Errorf("input shape %v, network expects %v", x.Shape, n.inputShape)
		}
	}
	if len(x.Data) != tensor.Size(x.Shape) {
		return fmt.Errorf("input has %d values for shape %v", len(x.Data), x.Shape)
	}
	return nil
}

// Predict runs a forward pass without recording anything for backward
// propagation and returns the class scores.
func (n *Network) Predict(ctx context.Context, x *tensor.Tensor) ([]float32, error) {
	if err := n.checkInput(x); err != nil {
		return nil, err
	}
	ev, err := n.evaluate(ctx, x, nil)
	if err != nil {
		return nil, err
	}
	return ev.out.Row(0), nil
}

// NewPass starts a recorded evaluation owned by the caller.
func (n *Network) NewPass() *Pass {
	return &Pass{net: n}
}

// Close releases layers holding native resources.
func (n *Network) Close() error {
	var errs []error
	for _, l := range n.layers {
		if c, ok := l.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %q: %w", l.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}
