package layers

import (
	"math"
	"math/rand"

	"github.com/tsawler/go-yolo/tensor"
)

// Parameter is a learnable tensor with its accumulated gradient.
type Parameter struct {
	Name   string
	Value  *tensor.Tensor
	Grad   *tensor.Tensor
	Frozen bool
}

// NewParameter wraps value with a zero gradient of the same shape.
func NewParameter(name string, value *tensor.Tensor) *Parameter {
	return &Parameter{Name: name, Value: value, Grad: tensor.ZerosLike(value)}
}

// ZeroGrad clears the accumulated gradient.
func (p *Parameter) ZeroGrad() {
	p.Grad.Fill(0)
}

// heNormal draws fan-in scaled weights for layers followed by a rectifier.
func heNormal(shape []int, fanIn int, rng *rand.Rand) (*tensor.Tensor, error) {
	std := float32(math.Sqrt(2 / float64(fanIn)))
	return tensor.RandomNormal(shape, 0, std, rng)
}

// SetFrozen marks every parameter as frozen or trainable.
func SetFrozen(params []*Parameter, frozen bool) {
	for _, p := range params {
		p.Frozen = frozen
	}
}

// ZeroGrads clears the gradients of every parameter.
func ZeroGrads(params []*Parameter) {
	for _, p := range params {
		p.ZeroGrad()
	}
}
