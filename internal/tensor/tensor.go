// Package tensor holds the dense float32 tensors passed between the
// classifier layers. Data is stored row-major (NCHW for images).
package tensor

import (
	"fmt"
	"math"
)

type Tensor struct {
	Shape []int
	Data  []float32
}

// New wraps data with the given shape. The length of data must equal the
// product of the shape.
func New(shape []int, data []float32) (*Tensor, error) {
	n := Size(shape)
	if n < 0 {
		return nil, fmt.Errorf("invalid shape %v", shape)
	}
	if len(data) != n {
		return nil, fmt.Errorf("shape %v needs %d values, got %d", shape, n, len(data))
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

// Zeros allocates a zero-filled tensor.
func Zeros(shape ...int) *Tensor {
	n := Size(shape)
	if n < 0 {
		n = 0
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float32, n)}
}

// Size returns the element count for shape, or -1 if any dimension is negative.
func Size(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return -1
		}
		n *= d
	}
	return n
}

func (t *Tensor) Len() int { return len(t.Data) }

func (t *Tensor) Rank() int { return len(t.Shape) }

func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float32(nil), t.Data...),
	}
}

// SameShape reports whether t and o have identical shapes.
func (t *Tensor) SameShape(o *Tensor) bool {
	if len(t.Shape) != len(o.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

// Dims4 unpacks a rank-4 NCHW shape.
func (t *Tensor) Dims4() (n, c, h, w int, err error) {
	if len(t.Shape) != 4 {
		return 0, 0, 0, 0, fmt.Errorf("expected rank-4 tensor, got shape %v", t.Shape)
	}
	return t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3], nil
}

// Plane returns the H*W slice of channel c for batch element b of an NCHW
// tensor. The slice aliases t.Data.
func (t *Tensor) Plane(b, c int) []float32 {
	h, w := t.Shape[2], t.Shape[3]
	off := (b*t.Shape[1] + c) * h * w
	return t.Data[off : off+h*w]
}

// Row returns batch row b of a rank-2 [N, K] tensor.
func (t *Tensor) Row(b int) []float32 {
	k := t.Shape[1]
	return t.Data[b*k : (b+1)*k]
}

// Add accumulates o into t element-wise.
func (t *Tensor) Add(o *Tensor) error {
	if !t.SameShape(o) {
		return fmt.Errorf("shape mismatch: %v vs %v", t.Shape, o.Shape)
	}
	for i, v := range o.Data {
		t.Data[i] += v
	}
	return nil
}

// Softmax returns the max-shifted softmax of scores.
func Softmax(scores []float32) []float32 {
	out := make([]float32, len(scores))
	if len(scores) == 0 {
		return out
	}
	maxScore := scores[0]
	for _, v := range scores[1:] {
		if v > maxScore {
			maxScore = v
		}
	}
	var sum float64
	exps := make([]float64, len(scores))
	for i, v := range scores {
		exps[i] = math.Exp(float64(v - maxScore))
		sum += exps[i]
	}
	for i := range exps {
		out[i] = float32(exps[i] / sum)
	}
	return out
}

// ArgMax returns the index of the largest value; the first one wins on ties.
// It returns -1 for an empty slice.
func ArgMax(values []float32) int {
	if len(values) == 0 {
		return -1
	}
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}
