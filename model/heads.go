package model

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/go-yolo/anchors"
	"github.com/tsawler/go-yolo/layers"
	"github.com/tsawler/go-yolo/tensor"
)

// HeadConfig sets the width of each head's convolution stack, ordered
// stride 32, 16, 8.
type HeadConfig struct {
	Filters    [3]int  `json:"filters"`
	LeakySlope float32 `json:"leaky_slope"`
	Seed       int64   `json:"seed"`
}

func DefaultHeadConfig() HeadConfig {
	return HeadConfig{Filters: [3]int{512, 256, 128}, LeakySlope: 0.1, Seed: 2}
}

func (c HeadConfig) Validate() error {
	for i, f := range c.Filters {
		if f < 2 {
			return errors.Errorf("head %d needs at least 2 filters, got %d", i, f)
		}
	}
	return nil
}

// head is one scale of the top-down path. The stack output feeds both the
// prediction branch and, except on the finest scale, the lateral branch
// that is upsampled into the next head.
type head struct {
	stack   *layers.Sequential
	output  *layers.Sequential
	lateral *layers.Sequential // nil on the last scale

	inChannels      int
	backboneChannel int
}

// Heads is the three-scale detection head.
type Heads struct {
	cfg        HeadConfig
	numClasses int
	heads      [3]*head
}

// NewHeads builds the heads for the given backbone channel counts.
func NewHeads(cfg HeadConfig, backboneChannels [3]int, numClasses int) (*Heads, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if numClasses <= 0 {
		return nil, errors.Errorf("number of classes must be positive, got %d", numClasses)
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	h := &Heads{cfg: cfg, numClasses: numClasses}

	grids, err := anchors.GridSizes(DefaultImageScale, anchors.DefaultScales)
	if err != nil {
		return nil, err
	}
	lateral := 0
	for s := range h.heads {
		in := backboneChannels[s] + lateral
		hd, err := newHead(s, cfg, in, numClasses, grids[s], s < len(h.heads)-1, rng)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to build head %d", s)
		}
		hd.backboneChannel = backboneChannels[s]
		h.heads[s] = hd
		lateral = cfg.Filters[s] / 2
	}
	return h, nil
}

func newHead(s int, cfg HeadConfig, in, numClasses, grid int, withLateral bool, rng *rand.Rand) (*head, error) {
	f := cfg.Filters[s]
	name := func(layer string) string { return fmt.Sprintf("head/%d/%s", s, layer) }

	mb := layers.NewModelBuilder([]int{1, grid, grid, in})
	for i, k := range []int{1, 3, 1, 3, 1} {
		width := f
		if k == 3 {
			width = 2 * f
		}
		mb.AddSameConv2D(width, k, name(fmt.Sprintf("conv%d", i))).
			AddLeakyReLU(cfg.LeakySlope, name(fmt.Sprintf("leaky%d", i)))
	}
	stackSpec, err := mb.Compile()
	if err != nil {
		return nil, err
	}

	outSpec, err := layers.NewModelBuilder([]int{1, grid, grid, f}).
		AddSameConv2D(2*f, 3, name("out_conv")).
		AddLeakyReLU(cfg.LeakySlope, name("out_leaky")).
		AddConv2D(anchors.PerScale*(5+numClasses), 1, 1, 0, true, name("out")).
		AddYOLOOutput(anchors.PerScale, numClasses, name("yolo")).
		Compile()
	if err != nil {
		return nil, err
	}

	hd := &head{inChannels: in}
	if hd.stack, err = layers.Build(stackSpec, rng); err != nil {
		return nil, err
	}
	if hd.output, err = layers.Build(outSpec, rng); err != nil {
		return nil, err
	}
	if withLateral {
		latSpec, err := layers.NewModelBuilder([]int{1, grid, grid, f}).
			AddSameConv2D(f/2, 1, name("lateral")).
			AddLeakyReLU(cfg.LeakySlope, name("lateral_leaky")).
			AddUpsample2D(2, name("upsample")).
			Compile()
		if err != nil {
			return nil, err
		}
		if hd.lateral, err = layers.Build(latSpec, rng); err != nil {
			return nil, err
		}
	}
	return hd, nil
}

// Compile fixes every head's grid for an input resolution.
func (h *Heads) Compile(imageScale int) error {
	grids, err := anchors.GridSizes(imageScale, anchors.DefaultScales)
	if err != nil {
		return err
	}
	for s, hd := range h.heads {
		g := grids[s]
		if err := hd.stack.Compile([]int{1, g, g, hd.inChannels}); err != nil {
			return errors.Wrapf(err, "head %d", s)
		}
		f := h.cfg.Filters[s]
		if err := hd.output.Compile([]int{1, g, g, f}); err != nil {
			return errors.Wrapf(err, "head %d", s)
		}
		if hd.lateral != nil {
			if err := hd.lateral.Compile([]int{1, g, g, f}); err != nil {
				return errors.Wrapf(err, "head %d", s)
			}
		}
	}
	return nil
}

// Forward maps the backbone features to one [B, g, g, 3, 5+C] prediction
// per scale.
func (h *Heads) Forward(feats [3]*tensor.Tensor) ([]*tensor.Tensor, error) {
	preds := make([]*tensor.Tensor, len(h.heads))
	var lateral *tensor.Tensor
	for s, hd := range h.heads {
		in := feats[s]
		if in == nil {
			return nil, errors.Errorf("missing backbone feature %d", s)
		}
		if lateral != nil {
			var err error
			if in, err = layers.ConcatChannels(lateral, in); err != nil {
				return nil, errors.Wrapf(err, "head %d", s)
			}
		}
		x, err := hd.stack.Forward(in)
		if err != nil {
			return nil, errors.Wrapf(err, "head %d", s)
		}
		if preds[s], err = hd.output.Forward(x); err != nil {
			return nil, errors.Wrapf(err, "head %d", s)
		}
		if hd.lateral != nil {
			if lateral, err = hd.lateral.Forward(x); err != nil {
				return nil, errors.Wrapf(err, "head %d", s)
			}
		}
	}
	return preds, nil
}

// Backward accumulates head gradients and returns the gradient of each
// backbone feature map.
func (h *Heads) Backward(grads []*tensor.Tensor) ([3]*tensor.Tensor, error) {
	var featGrads [3]*tensor.Tensor
	if len(grads) != len(h.heads) {
		return featGrads, errors.Errorf("expected %d gradients, got %d", len(h.heads), len(grads))
	}
	var lateralGrad *tensor.Tensor
	for s := len(h.heads) - 1; s >= 0; s-- {
		hd := h.heads[s]
		gx, err := hd.output.Backward(grads[s])
		if err != nil {
			return featGrads, errors.Wrapf(err, "head %d", s)
		}
		if lateralGrad != nil {
			gl, err := hd.lateral.Backward(lateralGrad)
			if err != nil {
				return featGrads, errors.Wrapf(err, "head %d", s)
			}
			if gx, err = addGrad(gx, gl); err != nil {
				return featGrads, err
			}
		}
		gin, err := hd.stack.Backward(gx)
		if err != nil {
			return featGrads, errors.Wrapf(err, "head %d", s)
		}
		if s == 0 {
			featGrads[s] = gin
			continue
		}
		parts, err := layers.SplitChannels(gin, []int{h.cfg.Filters[s-1] / 2, hd.backboneChannel})
		if err != nil {
			return featGrads, errors.Wrapf(err, "head %d", s)
		}
		lateralGrad, featGrads[s] = parts[0], parts[1]
	}
	return featGrads, nil
}

func (h *Heads) Parameters() []*layers.Parameter {
	var params []*layers.Parameter
	for _, hd := range h.heads {
		params = append(params, hd.stack.Parameters()...)
		params = append(params, hd.output.Parameters()...)
		if hd.lateral != nil {
			params = append(params, hd.lateral.Parameters()...)
		}
	}
	return params
}

// Specs returns each sub-network's compiled spec keyed by component.
func (h *Heads) Specs() map[string]*layers.ModelSpec {
	specs := make(map[string]*layers.ModelSpec)
	for s, hd := range h.heads {
		specs[fmt.Sprintf("head/%d/stack", s)] = hd.stack.Spec()
		specs[fmt.Sprintf("head/%d/output", s)] = hd.output.Spec()
		if hd.lateral != nil {
			specs[fmt.Sprintf("head/%d/lateral", s)] = hd.lateral.Spec()
		}
	}
	return specs
}
