package layers

import (
	"fmt"

	"github.com/tsawler/go-yolo/tensor"
)

// LeakyReLULayer computes max(x, slope*x).
type LeakyReLULayer struct {
	name  string
	slope float32
	input *tensor.Tensor
}

func NewLeakyReLU(name string, slope float32) *LeakyReLULayer {
	return &LeakyReLULayer{name: name, slope: slope}
}

func (l *LeakyReLULayer) Name() string             { return l.name }
func (l *LeakyReLULayer) Parameters() []*Parameter { return nil }

func (l *LeakyReLULayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out := tensor.ZerosLike(x)
	for i, v := range x.Data {
		if v > 0 {
			out.Data[i] = v
		} else {
			out.Data[i] = l.slope * v
		}
	}
	l.input = x
	return out, nil
}

func (l *LeakyReLULayer) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if l.input == nil {
		return nil, fmt.Errorf("%s: Backward called before Forward", l.name)
	}
	if !tensor.SameShape(grad, l.input) {
		return nil, fmt.Errorf("%s: gradient shape %v does not match input %v", l.name, grad.Shape, l.input.Shape)
	}
	dx := tensor.ZerosLike(grad)
	for i, g := range grad.Data {
		if l.input.Data[i] > 0 {
			dx.Data[i] = g
		} else {
			dx.Data[i] = l.slope * g
		}
	}
	return dx, nil
}
