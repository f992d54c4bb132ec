package layers

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-yolo/tensor"
)

// Layer is an executable layer. Forward caches what Backward needs, so a
// layer must not be shared between concurrent passes.
type Layer interface {
	Name() string
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	Backward(grad *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*Parameter
}

// shapeAware layers read compiled shape information from their spec.
type shapeAware interface {
	configure(spec LayerSpec)
}

// Sequential runs a compiled ModelSpec.
type Sequential struct {
	spec   *ModelSpec
	layers []Layer
}

// Build creates executable layers for a compiled spec.
func Build(spec *ModelSpec, rng *rand.Rand) (*Sequential, error) {
	if spec == nil || !spec.Compiled {
		return nil, fmt.Errorf("model not compiled")
	}
	s := &Sequential{spec: spec, layers: make([]Layer, 0, len(spec.Layers))}
	for i, ls := range spec.Layers {
		l, err := newLayer(ls, rng)
		if err != nil {
			return nil, fmt.Errorf("failed to build layer %d (%s): %v", i, ls.Name, err)
		}
		s.layers = append(s.layers, l)
	}
	return s, nil
}

func newLayer(spec LayerSpec, rng *rand.Rand) (Layer, error) {
	p := spec.Parameters
	switch spec.Type {
	case Conv2D:
		return NewConv2D(spec.Name,
			getIntParam(p, "input_channels", 0),
			getIntParam(p, "output_channels", 0),
			getIntParam(p, "kernel_size", 0),
			getIntParam(p, "stride", 1),
			getIntParam(p, "padding", 0),
			getBoolParam(p, "use_bias", true),
			rng)
	case LeakyReLU:
		return NewLeakyReLU(spec.Name, getFloatParam(p, "negative_slope", 0.1)), nil
	case MaxPool2D:
		size := getIntParam(p, "pool_size", 2)
		return NewMaxPool2D(spec.Name, size, getIntParam(p, "stride", size)), nil
	case Upsample2D:
		return NewUpsample2D(spec.Name, getIntParam(p, "factor", 2)), nil
	case YOLOOutput:
		return NewYOLOOutput(spec.Name,
			getIntParam(p, "anchors", 3),
			getIntParam(p, "num_classes", 0),
			getIntParam(p, "grid_h", 0),
			getIntParam(p, "grid_w", 0)), nil
	default:
		return nil, fmt.Errorf("unsupported layer type: %s", spec.Type.String())
	}
}

// Spec returns the compiled spec the layers currently follow.
func (s *Sequential) Spec() *ModelSpec { return s.spec }

// Layers returns the executable layers in order.
func (s *Sequential) Layers() []Layer { return s.layers }

// Compile recompiles the chain for a new input shape, keeping every
// parameter. Shape-dependent layers pick up their new geometry.
func (s *Sequential) Compile(inputShape []int) error {
	spec, err := Recompile(s.spec, inputShape)
	if err != nil {
		return err
	}
	for i, l := range s.layers {
		if sa, ok := l.(shapeAware); ok {
			sa.configure(spec.Layers[i])
		}
	}
	s.spec = spec
	return nil
}

// Forward runs every layer. Any batch size is accepted; the other dimensions
// must match the compiled input shape.
func (s *Sequential) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	want := s.spec.InputShape
	if len(x.Shape) != len(want) {
		return nil, fmt.Errorf("expected input rank %d, got shape %v", len(want), x.Shape)
	}
	for i := 1; i < len(want); i++ {
		if x.Shape[i] != want[i] {
			return nil, fmt.Errorf("expected input shape [B %v], got %v", want[1:], x.Shape)
		}
	}
	var err error
	for _, l := range s.layers {
		if x, err = l.Forward(x); err != nil {
			return nil, err
		}
	}
	return x, nil
}

// Backward propagates grad through the layers in reverse order and returns
// the gradient with respect to the input.
func (s *Sequential) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	for i := len(s.layers) - 1; i >= 0; i-- {
		if grad, err = s.layers[i].Backward(grad); err != nil {
			return nil, err
		}
	}
	return grad, nil
}

// Parameters returns every learnable parameter in layer order.
func (s *Sequential) Parameters() []*Parameter {
	var params []*Parameter
	for _, l := range s.layers {
		params = append(params, l.Parameters()...)
	}
	return params
}
