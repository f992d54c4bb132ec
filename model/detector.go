// Package model assembles a backbone and the three-scale detection heads into
// a trainable detector and runs inference through the box codec and NMS.
package model

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tsawler/go-yolo/anchors"
	"github.com/tsawler/go-yolo/checkpoints"
	"github.com/tsawler/go-yolo/codec"
	"github.com/tsawler/go-yolo/layers"
	"github.com/tsawler/go-yolo/nms"
	"github.com/tsawler/go-yolo/tensor"
)

// DefaultImageScale is the resolution the detector is built for before the
// first Compile.
const DefaultImageScale = 416

// Config describes a detector apart from its backbone.
type Config struct {
	NumClasses int
	Anchors    *anchors.Set
	Head       HeadConfig
	NMS        nms.Config
}

// Detector is a backbone followed by the detection heads.
type Detector struct {
	backbone Backbone
	heads    *Heads
	anchors  *anchors.Set
	nms      nms.Config
	logger   *zap.SugaredLogger

	imageScale        int
	backboneTrainable bool
}

func NewDetector(backbone Backbone, cfg Config, logger *zap.SugaredLogger) (*Detector, error) {
	if backbone == nil {
		return nil, errors.New("detector needs a backbone")
	}
	if cfg.Anchors == nil {
		return nil, errors.New("detector needs an anchor set")
	}
	if cfg.Anchors.NumScales() != anchors.DefaultScales {
		return nil, errors.Errorf("detector predicts %d scales, anchor set has %d", anchors.DefaultScales, cfg.Anchors.NumScales())
	}
	if err := cfg.NMS.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	heads, err := NewHeads(cfg.Head, backbone.OutputChannels(), cfg.NumClasses)
	if err != nil {
		return nil, err
	}
	d := &Detector{
		backbone: backbone,
		heads:    heads,
		anchors:  cfg.Anchors,
		nms:      cfg.NMS,
		logger:   logger,
	}
	if err := d.Compile(DefaultImageScale); err != nil {
		return nil, err
	}
	d.SetBackboneTrainable(false)
	return d, nil
}

// Compile fixes every shape for an input resolution, keeping parameters.
func (d *Detector) Compile(imageScale int) error {
	if err := anchors.ValidateImageScale(imageScale); err != nil {
		return err
	}
	if c, ok := d.backbone.(Compiler); ok {
		if err := c.Compile(imageScale); err != nil {
			return errors.Wrap(err, "failed to compile backbone")
		}
	}
	if err := d.heads.Compile(imageScale); err != nil {
		return errors.Wrap(err, "failed to compile heads")
	}
	d.imageScale = imageScale
	return nil
}

// ImageScale is the resolution of the last Compile.
func (d *Detector) ImageScale() int { return d.imageScale }

func (d *Detector) Forward(images *tensor.Tensor) ([]*tensor.Tensor, error) {
	if len(images.Shape) != 4 || images.Shape[1] != d.imageScale || images.Shape[2] != d.imageScale {
		return nil, errors.Errorf("expected [B %d %d C] images, got %v", d.imageScale, d.imageScale, images.Shape)
	}
	feats, err := d.backbone.Forward(images)
	if err != nil {
		return nil, errors.Wrap(err, "backbone forward failed")
	}
	return d.heads.Forward(feats)
}

// Backward reaches the backbone only while it is trainable.
func (d *Detector) Backward(grads []*tensor.Tensor) error {
	featGrads, err := d.heads.Backward(grads)
	if err != nil {
		return err
	}
	tb, ok := d.backbone.(TrainableBackbone)
	if !ok || !d.backboneTrainable {
		return nil
	}
	return errors.Wrap(tb.Backward(featGrads), "backbone backward failed")
}

// Parameters returns the head parameters followed by the backbone's, if it
// has any. Frozen backbone parameters are included so that checkpoints hold
// the whole model.
func (d *Detector) Parameters() []*layers.Parameter {
	params := d.heads.Parameters()
	if tb, ok := d.backbone.(TrainableBackbone); ok {
		params = append(params, tb.Parameters()...)
	}
	return params
}

func (d *Detector) SetBackboneTrainable(trainable bool) {
	tb, ok := d.backbone.(TrainableBackbone)
	if !ok {
		if trainable {
			d.logger.Warnw("backbone has no parameters, keeping it fixed")
		}
		d.backboneTrainable = false
		return
	}
	layers.SetFrozen(tb.Parameters(), !trainable)
	d.backboneTrainable = trainable
}

// ModelSpecs describes the heads and, when it can, the backbone.
func (d *Detector) ModelSpecs() map[string]*layers.ModelSpec {
	specs := d.heads.Specs()
	if sp, ok := d.backbone.(interface{ Spec() *layers.ModelSpec }); ok {
		specs["backbone"] = sp.Spec()
	}
	return specs
}

// LoadBackboneWeights copies matching checkpoint tensors into the backbone.
// Every backbone parameter is optional.
func (d *Detector) LoadBackboneWeights(weights []checkpoints.WeightTensor, opts checkpoints.LoadOptions) (checkpoints.LoadReport, error) {
	tb, ok := d.backbone.(TrainableBackbone)
	if !ok {
		return checkpoints.LoadReport{}, errors.New("backbone has no loadable parameters")
	}
	opts.RequiredPrefixes = nil
	return checkpoints.LoadWeights(weights, tb.Parameters(), opts, d.logger.Named("backbone"))
}

// Detect runs the network on a batch and returns each image's detections in
// input pixel coordinates, ordered by descending confidence.
func (d *Detector) Detect(images *tensor.Tensor) ([][]codec.DecodedBox, error) {
	preds, err := d.Forward(images)
	if err != nil {
		return nil, err
	}
	return DecodePredictions(preds, d.anchors, d.imageScale, d.nms)
}

// DecodePredictions decodes every scale of a batch of predictions and
// aggregates each image's boxes. set holds the pixel anchors.
func DecodePredictions(preds []*tensor.Tensor, set *anchors.Set, imageScale int, cfg nms.Config) ([][]codec.DecodedBox, error) {
	if len(preds) != set.NumScales() {
		return nil, errors.Errorf("got %d predictions for %d scales", len(preds), set.NumScales())
	}
	batch := preds[0].Shape[0]
	out := make([][]codec.DecodedBox, batch)
	for b := 0; b < batch; b++ {
		var boxes []codec.DecodedBox
		for s, p := range preds {
			decoded, err := codec.DecodeScale(p, b, set.ForScale(s), anchors.Stride(s), imageScale)
			if err != nil {
				return nil, errors.Wrapf(err, "scale %d", s)
			}
			boxes = append(boxes, decoded...)
		}
		out[b] = nms.Aggregate(boxes, cfg)
	}
	return out, nil
}
