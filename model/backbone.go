package model

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/go-yolo/anchors"
	"github.com/tsawler/go-yolo/layers"
	"github.com/tsawler/go-yolo/tensor"
)

// Backbone produces the three feature maps the heads consume, ordered stride
// 32, 16, 8.
type Backbone interface {
	OutputChannels() [3]int
	Forward(images *tensor.Tensor) ([3]*tensor.Tensor, error)
}

// TrainableBackbone can be fine-tuned together with the heads.
type TrainableBackbone interface {
	Backbone
	// Backward accumulates parameter gradients for gradients of the last
	// Forward's feature maps. Nil entries count as zero.
	Backward(grads [3]*tensor.Tensor) error
	Parameters() []*layers.Parameter
}

// Compiler is implemented by backbones whose shapes depend on the input
// resolution.
type Compiler interface {
	Compile(imageScale int) error
}

// ConvStackConfig describes the reference backbone: five stages of 3×3
// convolution, leaky ReLU and 2×2 max pooling. The outputs of the last three
// stages are the stride 8, 16 and 32 feature maps.
type ConvStackConfig struct {
	Name       string  `json:"name"`
	Filters    []int   `json:"filters"`
	LeakySlope float32 `json:"leaky_slope"`
	Channels   int     `json:"channels"`
	Seed       int64   `json:"seed"`
}

// convStages is log2 of the largest stride.
const convStages = 5

func DefaultConvStackConfig() ConvStackConfig {
	return ConvStackConfig{
		Name:       "backbone",
		Filters:    []int{16, 32, 64, 128, 256},
		LeakySlope: 0.1,
		Channels:   3,
		Seed:       1,
	}
}

func (c ConvStackConfig) Validate() error {
	if len(c.Filters) != convStages {
		return errors.Errorf("conv stack needs %d stage widths, got %d", convStages, len(c.Filters))
	}
	for i, f := range c.Filters {
		if f <= 0 {
			return errors.Errorf("stage %d width must be positive, got %d", i, f)
		}
	}
	if c.Channels <= 0 {
		return errors.Errorf("input channels must be positive, got %d", c.Channels)
	}
	return nil
}

// ConvStack is the reference TrainableBackbone.
type ConvStack struct {
	cfg ConvStackConfig
	// parts[0] ends at stride 8, parts[1] at 16 and parts[2] at 32
	parts [3]*layers.Sequential
}

func NewConvStack(cfg ConvStackConfig) (*ConvStack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	cs := &ConvStack{cfg: cfg}

	// stages 0-2 form the first part, then one stage per part
	ranges := [3][2]int{{0, 3}, {3, 4}, {4, 5}}
	side := anchors.MaxStride
	in := cfg.Channels
	for p, r := range ranges {
		mb := layers.NewModelBuilder([]int{1, side, side, in})
		for s := r[0]; s < r[1]; s++ {
			mb.AddSameConv2D(cfg.Filters[s], 3, fmt.Sprintf("%s/stage%d/conv", cfg.Name, s)).
				AddLeakyReLU(cfg.LeakySlope, fmt.Sprintf("%s/stage%d/leaky", cfg.Name, s)).
				AddMaxPool2D(2, 2, fmt.Sprintf("%s/stage%d/pool", cfg.Name, s))
		}
		spec, err := mb.Compile()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to compile backbone part %d", p)
		}
		seq, err := layers.Build(spec, rng)
		if err != nil {
			return nil, err
		}
		cs.parts[p] = seq
		side = spec.OutputShape[1]
		in = spec.OutputShape[3]
	}
	return cs, nil
}

func (cs *ConvStack) OutputChannels() [3]int {
	return [3]int{cs.cfg.Filters[4], cs.cfg.Filters[3], cs.cfg.Filters[2]}
}

func (cs *ConvStack) Compile(imageScale int) error {
	if err := anchors.ValidateImageScale(imageScale); err != nil {
		return err
	}
	side, in := imageScale, cs.cfg.Channels
	for _, part := range cs.parts {
		if err := part.Compile([]int{1, side, side, in}); err != nil {
			return err
		}
		out := part.Spec().OutputShape
		side, in = out[1], out[3]
	}
	return nil
}

func (cs *ConvStack) Forward(images *tensor.Tensor) ([3]*tensor.Tensor, error) {
	var feats [3]*tensor.Tensor
	x := images
	for p, part := range cs.parts {
		var err error
		if x, err = part.Forward(x); err != nil {
			return feats, err
		}
		// part p ends at stride 8<<p, which is output index 2-p
		feats[2-p] = x
	}
	return feats, nil
}

func (cs *ConvStack) Backward(grads [3]*tensor.Tensor) error {
	var g *tensor.Tensor
	for p := len(cs.parts) - 1; p >= 0; p-- {
		var err error
		if g, err = addGrad(g, grads[2-p]); err != nil {
			return err
		}
		if g == nil {
			continue
		}
		if g, err = cs.parts[p].Backward(g); err != nil {
			return err
		}
	}
	return nil
}

func (cs *ConvStack) Parameters() []*layers.Parameter {
	var params []*layers.Parameter
	for _, part := range cs.parts {
		params = append(params, part.Parameters()...)
	}
	return params
}

// Spec returns a single spec describing every stage.
func (cs *ConvStack) Spec() *layers.ModelSpec {
	first := cs.parts[0].Spec()
	spec := &layers.ModelSpec{
		InputShape: first.InputShape,
		Compiled:   true,
	}
	for _, part := range cs.parts {
		s := part.Spec()
		spec.Layers = append(spec.Layers, s.Layers...)
		spec.ParameterShapes = append(spec.ParameterShapes, s.ParameterShapes...)
		spec.TotalParameters += s.TotalParameters
		spec.OutputShape = s.OutputShape
	}
	return spec
}

// addGrad returns a+b where either may be nil. a is updated in place.
func addGrad(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	switch {
	case b == nil:
		return a, nil
	case a == nil:
		return b, nil
	}
	if err := tensor.AddInPlace(a, b); err != nil {
		return nil, errors.Wrap(err, "cannot add gradients")
	}
	return a, nil
}
