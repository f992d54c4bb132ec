// Package targets assigns ground-truth boxes to anchors and grid cells and
// builds the per-scale training targets the loss is computed against.
package targets

import (
	"math"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tsawler/go-yolo/anchors"
	"github.com/tsawler/go-yolo/codec"
	"github.com/tsawler/go-yolo/tensor"
)

// TieBreak decides which ground truth keeps a (scale, cell, anchor) slot that
// more than one box maps to.
type TieBreak int

const (
	// FirstWins keeps the box that claimed the slot first, in label order.
	FirstWins TieBreak = iota
	// LastWins lets every later box overwrite the slot.
	LastWins
	// LargestWins keeps the box with the larger normalised area; equal areas
	// keep the earlier box.
	LargestWins
)

func (t TieBreak) String() string {
	switch t {
	case FirstWins:
		return "first"
	case LastWins:
		return "last"
	case LargestWins:
		return "largest"
	default:
		return "unknown"
	}
}

// ParseTieBreak accepts the names produced by String.
func ParseTieBreak(s string) (TieBreak, error) {
	switch strings.ToLower(s) {
	case "", "first":
		return FirstWins, nil
	case "last":
		return LastWins, nil
	case "largest":
		return LargestWins, nil
	}
	return 0, errors.Errorf("unknown tie-break policy %q", s)
}

func (t TieBreak) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *TieBreak) UnmarshalText(b []byte) error {
	v, err := ParseTieBreak(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Config holds the assignment constants.
type Config struct {
	// IgnoreThreshold is the shape IoU above which an unselected anchor is
	// excluded from the objectness loss instead of being treated as background.
	IgnoreThreshold float32  `json:"ignore_threshold"`
	TieBreak        TieBreak `json:"tie_break"`
}

func DefaultConfig() Config {
	return Config{IgnoreThreshold: 0.5, TieBreak: FirstWins}
}

// ScaleTarget is the training target of one detection scale. Values is shaped
// like the raw prediction, [B, gh, gw, A, 5+C], holding tx, ty, tw, th,
// objectness and one bit per class. Ignore and BoxWeight have one entry per
// (image, row, col, anchor).
type ScaleTarget struct {
	Values    *tensor.Tensor
	Ignore    []bool
	BoxWeight []float32
	GridSize  int
	Stride    int
}

// NewScaleTarget allocates an all-background target.
func NewScaleTarget(batch, gridSize, stride, numClasses int) (*ScaleTarget, error) {
	values, err := tensor.Zeros([]int{batch, gridSize, gridSize, anchors.PerScale, codec.ClassOffset + numClasses})
	if err != nil {
		return nil, err
	}
	n := batch * gridSize * gridSize * anchors.PerScale
	return &ScaleTarget{
		Values:    values,
		Ignore:    make([]bool, n),
		BoxWeight: make([]float32, n),
		GridSize:  gridSize,
		Stride:    stride,
	}, nil
}

// Depth is the length of one prediction vector.
func (st *ScaleTarget) Depth() int { return st.Values.Shape[4] }

// Batch is the number of images the target covers.
func (st *ScaleTarget) Batch() int { return st.Values.Shape[0] }

// Slot returns the index of (image, row, col, anchor) into Ignore and
// BoxWeight. The prediction vector starts at Slot*Depth in Values.Data.
func (st *ScaleTarget) Slot(b, row, col, a int) int {
	return ((b*st.GridSize+row)*st.GridSize+col)*anchors.PerScale + a
}

// Vector returns the target vector of a slot, aliasing Values.
func (st *ScaleTarget) Vector(slot int) []float32 {
	d := st.Depth()
	return st.Values.Data[slot*d : (slot+1)*d]
}

// Positive reports whether a slot has been assigned a ground truth.
func (st *ScaleTarget) Positive(slot int) bool {
	return st.Values.Data[slot*st.Depth()+codec.TO] > 0
}

// Positives counts the assigned slots.
func (st *ScaleTarget) Positives() int {
	n := 0
	for slot := range st.Ignore {
		if st.Positive(slot) {
			n++
		}
	}
	return n
}

// Stack concatenates single-image targets of the same scale along the batch
// axis, preserving order.
func Stack(parts []*ScaleTarget) (*ScaleTarget, error) {
	if len(parts) == 0 {
		return nil, errors.New("nothing to stack")
	}
	first := parts[0]
	batch := 0
	for _, p := range parts {
		if p.GridSize != first.GridSize || p.Depth() != first.Depth() || p.Stride != first.Stride {
			return nil, errors.Errorf("cannot stack grid %d depth %d with grid %d depth %d",
				p.GridSize, p.Depth(), first.GridSize, first.Depth())
		}
		batch += p.Batch()
	}

	out, err := NewScaleTarget(batch, first.GridSize, first.Stride, first.Depth()-codec.ClassOffset)
	if err != nil {
		return nil, err
	}
	var vOff, sOff int
	for _, p := range parts {
		vOff += copy(out.Values.Data[vOff:], p.Values.Data)
		copy(out.Ignore[sOff:], p.Ignore)
		sOff += copy(out.BoxWeight[sOff:], p.BoxWeight)
	}
	return out, nil
}

// Stats counts what happened to the labels of one encode call.
type Stats struct {
	Assigned int
	Skipped  int
	// Contested counts boxes that lost or won a slot another box also mapped
	// to.
	Contested int
	Ignored   int
}

// Add accumulates another set of counts.
func (s *Stats) Add(o Stats) {
	s.Assigned += o.Assigned
	s.Skipped += o.Skipped
	s.Contested += o.Contested
	s.Ignored += o.Ignored
}

// Encoder builds targets for one input resolution. It is immutable and safe
// for concurrent use by pipeline workers.
type Encoder struct {
	set        *anchors.Set
	norm       *anchors.Set
	imageScale int
	numClasses int
	grids      []int
	cfg        Config
	logger     *zap.SugaredLogger
}

// NewEncoder prepares an encoder for images of imageScale pixels. set holds
// the base anchors in pixels; they are normalised by imageScale here.
func NewEncoder(set *anchors.Set, imageScale, numClasses int, cfg Config, logger *zap.SugaredLogger) (*Encoder, error) {
	grids, err := anchors.GridSizes(imageScale, set.NumScales())
	if err != nil {
		return nil, err
	}
	if numClasses <= 0 {
		return nil, errors.Errorf("number of classes must be positive, got %d", numClasses)
	}
	if cfg.IgnoreThreshold < 0 || cfg.IgnoreThreshold > 1 {
		return nil, errors.Errorf("ignore threshold %v outside [0,1]", cfg.IgnoreThreshold)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Encoder{
		set:        set,
		norm:       set.Normalized(imageScale),
		imageScale: imageScale,
		numClasses: numClasses,
		grids:      grids,
		cfg:        cfg,
		logger:     logger,
	}, nil
}

func (e *Encoder) GridSizes() []int { return append([]int(nil), e.grids...) }
func (e *Encoder) ImageScale() int  { return e.imageScale }

// Encode builds the targets of a batch, one ScaleTarget per scale ordered
// coarsest first.
func (e *Encoder) Encode(batch [][]codec.GroundTruth) ([]*ScaleTarget, Stats, error) {
	out := make([]*ScaleTarget, len(e.grids))
	for s, g := range e.grids {
		st, err := NewScaleTarget(len(batch), g, anchors.Stride(s), e.numClasses)
		if err != nil {
			return nil, Stats{}, err
		}
		out[s] = st
	}
	var total Stats
	for b, boxes := range batch {
		total.Add(e.encodeImage(out, b, boxes))
	}
	return out, total, nil
}

// EncodeImage builds single-image targets, for workers that encode samples
// independently and Stack them afterwards.
func (e *Encoder) EncodeImage(boxes []codec.GroundTruth) ([]*ScaleTarget, Stats, error) {
	return e.Encode([][]codec.GroundTruth{boxes})
}

func (e *Encoder) encodeImage(out []*ScaleTarget, b int, boxes []codec.GroundTruth) Stats {
	var stats Stats
	for i, gt := range boxes {
		if err := e.validate(gt); err != nil {
			stats.Skipped++
			e.logger.Warnw("skipping ground truth", "image", b, "box", i, "error", err)
			continue
		}

		best, ious := e.norm.BestMatch(gt.Width, gt.Height)
		scale, k := e.set.Owner(best)
		st := out[scale]
		cell := codec.CellOf(gt.CenterX, gt.CenterY, st.GridSize)

		enc, err := codec.Encode(gt, e.norm.Anchor(best), cell, st.GridSize)
		if err != nil {
			stats.Skipped++
			e.logger.Warnw("skipping ground truth", "image", b, "box", i, "error", err)
			continue
		}

		slot := st.Slot(b, cell.Row, cell.Col, k)
		if st.Positive(slot) {
			stats.Contested++
			if !e.replaces(st, slot, gt) {
				e.markIgnored(out, b, gt, best, ious, &stats)
				continue
			}
		}
		e.write(st, slot, gt, enc)
		stats.Assigned++
		e.markIgnored(out, b, gt, best, ious, &stats)
	}
	return stats
}

func (e *Encoder) validate(gt codec.GroundTruth) error {
	for _, v := range []float32{gt.CenterX, gt.CenterY, gt.Width, gt.Height} {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return errors.New("non-finite coordinate")
		}
	}
	if gt.Width <= 0 || gt.Height <= 0 {
		return errors.Wrapf(codec.ErrDegenerateBox, "size %vx%v", gt.Width, gt.Height)
	}
	if gt.Width > 1 || gt.Height > 1 {
		return errors.Errorf("size %vx%v larger than the image", gt.Width, gt.Height)
	}
	if gt.CenterX < 0 || gt.CenterX > 1 || gt.CenterY < 0 || gt.CenterY > 1 {
		return errors.Errorf("centre (%v,%v) outside the image", gt.CenterX, gt.CenterY)
	}
	if gt.ClassID < 0 || gt.ClassID >= e.numClasses {
		return errors.Errorf("class %d outside [0,%d)", gt.ClassID, e.numClasses)
	}
	return nil
}

func (e *Encoder) replaces(st *ScaleTarget, slot int, gt codec.GroundTruth) bool {
	switch e.cfg.TieBreak {
	case LastWins:
		return true
	case LargestWins:
		held := 2 - st.BoxWeight[slot]
		return gt.Width*gt.Height > held
	default:
		return false
	}
}

func (e *Encoder) write(st *ScaleTarget, slot int, gt codec.GroundTruth, enc codec.Encoded) {
	v := st.Vector(slot)
	for i := range v {
		v[i] = 0
	}
	v[codec.TX] = enc.TX
	v[codec.TY] = enc.TY
	v[codec.TW] = enc.TW
	v[codec.TH] = enc.TH
	v[codec.TO] = 1
	v[codec.ClassOffset+gt.ClassID] = 1
	st.BoxWeight[slot] = 2 - gt.Width*gt.Height
	st.Ignore[slot] = false
}

// markIgnored flags every unselected anchor whose shape IoU exceeds the
// threshold, at the cell of its own scale. Positive slots are never ignored.
func (e *Encoder) markIgnored(out []*ScaleTarget, b int, gt codec.GroundTruth, best int, ious []float32, stats *Stats) {
	for idx, iou := range ious {
		if idx == best || iou <= e.cfg.IgnoreThreshold {
			continue
		}
		scale, k := e.set.Owner(idx)
		st := out[scale]
		cell := codec.CellOf(gt.CenterX, gt.CenterY, st.GridSize)
		slot := st.Slot(b, cell.Row, cell.Col, k)
		if st.Positive(slot) || st.Ignore[slot] {
			continue
		}
		st.Ignore[slot] = true
		stats.Ignored++
	}
}
