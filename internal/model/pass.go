package model

import (
	"context"
	"errors"
	"fmt"

	"gorgonia.org/gorgonia"

	"github.com/Brownie44l1/xray-gradcam/internal/tensor"
)

// ForwardHook observes the raw output of a layer during Pass.Forward.
type ForwardHook func(out *tensor.Tensor)

// GradientHook observes the gradient flowing into a recorded tensor during
// Pass.Backward. The tensor it receives is a private copy.
type GradientHook func(grad *tensor.Tensor)

type hook struct {
	layer   string
	target  *tensor.Tensor
	forward ForwardHook
	grad    GradientHook
	removed bool
}

// Handle detaches a registered hook. Remove is idempotent.
type Handle struct{ h *hook }

func (h Handle) Remove() {
	if h.h != nil {
		h.h.removed = true
	}
}

// Pass is one recorded forward evaluation plus the gradient buffers of the
// backward pass that follows it. A Pass belongs to a single goroutine.
type Pass struct {
	net     *Network
	hooks   []*hook
	outputs []*tensor.Tensor
	grads   map[*tensor.Tensor]*tensor.Tensor

	tail      *stage
	tailInput *tensor.Tensor
	// positions maps tensors of the final graph stage to their layer offset
	// within it; the stage input is -1.
	positions map[*tensor.Tensor]int
}

// OnForward registers fn to receive the output of the named layer. A name
// that no layer carries is accepted; the hook simply never fires.
func (p *Pass) OnForward(layer string, fn ForwardHook) Handle {
	h := &hook{layer: layer, forward: fn}
	p.hooks = append(p.hooks, h)
	return Handle{h}
}

// OnGradient registers fn on a tensor recorded by Forward. It fires when
// backward propagation reaches that tensor.
func (p *Pass) OnGradient(t *tensor.Tensor, fn GradientHook) Handle {
	h := &hook{target: t, grad: fn}
	p.hooks = append(p.hooks, h)
	return Handle{h}
}

// ActiveHooks counts hooks that have not been removed.
func (p *Pass) ActiveHooks() int {
	n := 0
	for _, h := range p.hooks {
		if !h.removed {
			n++
		}
	}
	return n
}

// Forward evaluates the network, recording every layer's output. Forward
// hooks fire in layer order once the stage holding the layer has run.
func (p *Pass) Forward(ctx context.Context, x *tensor.Tensor) ([]float32, error) {
	if err := p.net.checkInput(x); err != nil {
		return nil, err
	}
	p.outputs = p.outputs[:0]
	p.grads = nil
	p.tail, p.tailInput, p.positions = nil, nil, nil

	ev, err := p.net.evaluate(ctx, x, func(i int, y *tensor.Tensor) {
		p.outputs = append(p.outputs, y)
		name := p.net.layers[i].Name()
		for _, h := range p.hooks {
			if !h.removed && h.forward != nil && h.layer == name {
				h.forward(y)
			}
		}
	})
	if err != nil {
		return nil, err
	}

	if ev.tail != nil {
		p.tail, p.tailInput = ev.tail, ev.tailInput
		p.positions = map[*tensor.Tensor]int{ev.tailInput: -1}
		for j := range ev.tail.graph {
			p.positions[p.outputs[ev.tail.first+j]] = j
		}
	}
	return ev.out.Row(0), nil
}

// ZeroGrad drops every gradient accumulated by a previous Backward.
func (p *Pass) ZeroGrad() {
	p.grads = nil
}

// Backward differentiates scores[0, class] with respect to every tensor that
// carries a live gradient hook. The final graph stage is rebuilt and run on a
// fresh tape machine; tensors recorded before the last eager layer receive no
// gradient.
func (p *Pass) Backward(ctx context.Context, class int) error {
	if len(p.outputs) == 0 {
		return errors.New("backward called before forward")
	}
	logits := p.outputs[len(p.outputs)-1]
	if logits.Rank() != 2 || class < 0 || class >= logits.Shape[1] {
		return fmt.Errorf("class index %d outside scores of shape %v", class, logits.Shape)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.grads == nil {
		p.grads = make(map[*tensor.Tensor]*tensor.Tensor)
	}

	targets := p.hookedTargets()
	if len(targets) == 0 {
		return nil
	}

	seg, err := buildSegment(p.tail.graph, p.tailInput)
	if err != nil {
		return err
	}
	wrt := make(gorgonia.Nodes, len(targets))
	for i, t := range targets {
		if j := p.positions[t]; j >= 0 {
			wrt[i] = seg.outputs[j]
		} else {
			wrt[i] = seg.input
		}
	}

	onehot := make([]float32, logits.Len())
	onehot[class] = 1
	picked, err := gorgonia.HadamardProd(seg.outputs[len(seg.outputs)-1], bind(seg.g, "seed", logits.Shape, onehot))
	if err != nil {
		return fmt.Errorf("failed to select score %d: %w", class, err)
	}
	score, err := gorgonia.Sum(picked)
	if err != nil {
		return fmt.Errorf("failed to select score %d: %w", class, err)
	}
	gradNodes, err := gorgonia.Grad(score, wrt...)
	if err != nil {
		return fmt.Errorf("failed to differentiate score %d: %w", class, err)
	}
	values := make([]gorgonia.Value, len(gradNodes))
	for i, n := range gradNodes {
		gorgonia.Read(n, &values[i])
	}

	if err := seg.run(); err != nil {
		return fmt.Errorf("backward: %w", err)
	}
	for i, t := range targets {
		g, err := fromValue(values[i])
		if err != nil {
			return fmt.Errorf("backward: %w", err)
		}
		if err := p.accumulate(t, g); err != nil {
			return err
		}
		p.fireGradient(t, p.grads[t])
	}
	return nil
}

// Gradient returns the accumulated gradient for a recorded tensor, or nil if
// backward never reached it.
func (p *Pass) Gradient(t *tensor.Tensor) *tensor.Tensor {
	return p.grads[t]
}

// hookedTargets lists, once each, the tensors of the final graph stage that
// carry a live gradient hook.
func (p *Pass) hookedTargets() []*tensor.Tensor {
	var targets []*tensor.Tensor
	seen := make(map[*tensor.Tensor]bool)
	for _, h := range p.hooks {
		if h.removed || h.grad == nil || seen[h.target] {
			continue
		}
		if _, ok := p.positions[h.target]; !ok {
			continue
		}
		seen[h.target] = true
		targets = append(targets, h.target)
	}
	return targets
}

func (p *Pass) accumulate(t, g *tensor.Tensor) error {
	if existing := p.grads[t]; existing != nil {
		return existing.Add(g)
	}
	p.grads[t] = g
	return nil
}

func (p *Pass) fireGradient(t, g *tensor.Tensor) {
	for _, h := range p.hooks {
		if !h.removed && h.grad != nil && h.target == t {
			h.grad(g.Clone())
		}
	}
}
