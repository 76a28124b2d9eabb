package model

import (
	"fmt"

	"gorgonia.org/gorgonia"
	gt "gorgonia.org/tensor"

	"github.com/Brownie44l1/xray-gradcam/internal/tensor"
)

// segment is one run of consecutive differentiable layers built into its own
// expression graph. Every layer output is read back after the graph runs.
type segment struct {
	g       *gorgonia.ExprGraph
	input   *gorgonia.Node
	outputs []*gorgonia.Node
	values  []gorgonia.Value
}

func buildSegment(layers []Differentiable, x *tensor.Tensor) (*segment, error) {
	g := gorgonia.NewGraph()
	s := &segment{
		g:       g,
		input:   bind(g, "input", x.Shape, x.Data),
		outputs: make([]*gorgonia.Node, len(layers)),
		values:  make([]gorgonia.Value, len(layers)),
	}
	cur := s.input
	for i, l := range layers {
		y, err := l.Apply(g, cur)
		if err != nil {
			return nil, fmt.Errorf("layer %q: %w", l.Name(), err)
		}
		s.outputs[i] = y
		gorgonia.Read(y, &s.values[i])
		cur = y
	}
	return s, nil
}

// run evaluates the graph once on its own tape machine.
func (s *segment) run() error {
	vm := gorgonia.NewTapeMachine(s.g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		return fmt.Errorf("failed to evaluate graph: %w", err)
	}
	return nil
}

func (s *segment) result(i int) (*tensor.Tensor, error) {
	return fromValue(s.values[i])
}

func fromValue(v gorgonia.Value) (*tensor.Tensor, error) {
	t, ok := v.(gt.Tensor)
	if !ok {
		return nil, fmt.Errorf("graph produced %T, want a tensor", v)
	}
	data, ok := t.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("graph produced %v data, want float32", t.Dtype())
	}
	return tensor.New(append([]int(nil), t.Shape()...), append([]float32(nil), data...))
}
