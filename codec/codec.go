// Package codec maps between raw per-cell detector outputs and image-space
// boxes.
//
// A raw prediction for one (cell, anchor) holds tx, ty, tw, th, objectness and
// one logit per class. Decoding bounds the centre inside its cell with a
// sigmoid and scales the anchor by exp(t); encoding is the exact inverse.
package codec

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/tsawler/go-yolo/anchors"
	"github.com/tsawler/go-yolo/tensor"
)

// Offsets of the fields inside one prediction vector.
const (
	TX = iota
	TY
	TW
	TH
	TO
	// ClassOffset is where the class logits start.
	ClassOffset
)

// Unassigned marks a decoded box whose class has not been chosen yet.
const Unassigned = -1

// Epsilon keeps the fractional cell offset away from 0 and 1 so its logit
// stays finite.
const Epsilon = 1e-6

var ErrDegenerateBox = errors.New("box has non-positive size")

// Box is an axis-aligned box given by its corners.
type Box struct {
	X1, Y1, X2, Y2 float32
}

func (b Box) Width() float32  { return b.X2 - b.X1 }
func (b Box) Height() float32 { return b.Y2 - b.Y1 }
func (b Box) Area() float32 {
	w, h := b.Width(), b.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Center returns the centre point of the box.
func (b Box) Center() (float32, float32) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

// FromCenter builds a corner box from centre and size.
func FromCenter(cx, cy, w, h float32) Box {
	return Box{X1: cx - w/2, Y1: cy - h/2, X2: cx + w/2, Y2: cy + h/2}
}

// Clip clamps the corners to [0, size].
func (b Box) Clip(size float32) Box {
	return Box{
		X1: clamp(b.X1, 0, size),
		Y1: clamp(b.Y1, 0, size),
		X2: clamp(b.X2, 0, size),
		Y2: clamp(b.Y2, 0, size),
	}
}

// Cell indexes one position of a scale's lattice.
type Cell struct {
	Row int
	Col int
}

// Raw is the prediction vector of one (cell, anchor).
type Raw struct {
	TX, TY, TW, TH float32
	Objectness     float32
	ClassLogits    []float32
}

// RawFromSlice views a 5+C prediction vector as a Raw. ClassLogits aliases v.
func RawFromSlice(v []float32) Raw {
	return Raw{
		TX: v[TX], TY: v[TY], TW: v[TW], TH: v[TH],
		Objectness:  v[TO],
		ClassLogits: v[ClassOffset:],
	}
}

// DecodedBox is a detection in absolute image coordinates. Values are never
// mutated after decoding; the aggregator derives new boxes instead.
type DecodedBox struct {
	Box
	Objectness float32
	ClassProbs []float32
	// Confidence is objectness times the chosen class probability once a
	// class is assigned, and objectness times the best class probability
	// before that.
	Confidence float32
	ClassID    int
}

// Encoded is the regression target of one ground-truth box.
type Encoded struct {
	TX, TY, TW, TH float32
}

// GroundTruth is a labelled box with centre and size normalised to [0, 1].
type GroundTruth struct {
	CenterX float32 `json:"cx"`
	CenterY float32 `json:"cy"`
	Width   float32 `json:"w"`
	Height  float32 `json:"h"`
	ClassID int     `json:"class"`
}

// Sigmoid is the logistic function.
func Sigmoid(x float32) float32 {
	if x >= 0 {
		return 1 / (1 + math32.Exp(-x))
	}
	e := math32.Exp(x)
	return e / (1 + e)
}

// Logit is the inverse of Sigmoid.
func Logit(p float32) float32 {
	return math32.Log(p / (1 - p))
}

// Decode turns one raw prediction into an image-space box. anchor is in
// pixels at the current input resolution and imageSize is that resolution.
func Decode(raw Raw, anchor anchors.Anchor, cell Cell, stride int, imageSize int) DecodedBox {
	s := float32(stride)
	cx := (Sigmoid(raw.TX) + float32(cell.Col)) * s
	cy := (Sigmoid(raw.TY) + float32(cell.Row)) * s
	w := anchor.Width * math32.Exp(raw.TW)
	h := anchor.Height * math32.Exp(raw.TH)

	probs := make([]float32, len(raw.ClassLogits))
	var best float32
	for i, l := range raw.ClassLogits {
		probs[i] = Sigmoid(l)
		best = max(best, probs[i])
	}
	obj := Sigmoid(raw.Objectness)
	if len(probs) == 0 {
		best = 1
	}

	return DecodedBox{
		Box:        FromCenter(cx, cy, w, h).Clip(float32(imageSize)),
		Objectness: obj,
		ClassProbs: probs,
		Confidence: obj * best,
		ClassID:    Unassigned,
	}
}

// Encode computes the regression target of gt for the given cell of a
// gridSize×gridSize lattice. Both gt and anchor are normalised to the image
// side, so anchor must come from anchors.Set.Normalized.
func Encode(gt GroundTruth, anchor anchors.Anchor, cell Cell, gridSize int) (Encoded, error) {
	if !(gt.Width > 0) || !(gt.Height > 0) {
		return Encoded{}, errors.Wrapf(ErrDegenerateBox, "ground truth %vx%v", gt.Width, gt.Height)
	}
	rw, rh := gt.Width/anchor.Width, gt.Height/anchor.Height
	if !(rw > 0) || !(rh > 0) || math32.IsInf(rw, 0) || math32.IsInf(rh, 0) {
		return Encoded{}, errors.Wrapf(ErrDegenerateBox, "anchor ratio %vx%v", rw, rh)
	}

	g := float32(gridSize)
	fx := clamp(gt.CenterX*g-float32(cell.Col), Epsilon, 1-Epsilon)
	fy := clamp(gt.CenterY*g-float32(cell.Row), Epsilon, 1-Epsilon)

	return Encoded{
		TX: Logit(fx),
		TY: Logit(fy),
		TW: math32.Log(rw),
		TH: math32.Log(rh),
	}, nil
}

// CellOf returns the cell of a gridSize lattice containing a normalised
// centre. Centres on the far edge belong to the last cell.
func CellOf(cx, cy float32, gridSize int) Cell {
	g := float32(gridSize)
	col := int(math32.Floor(cx * g))
	row := int(math32.Floor(cy * g))
	return Cell{Row: clampInt(row, 0, gridSize-1), Col: clampInt(col, 0, gridSize-1)}
}

// IoU is the intersection over union of two corner boxes. Empty unions give 0.
func IoU(a, b Box) float32 {
	iw := min(a.X2, b.X2) - max(a.X1, b.X1)
	ih := min(a.Y2, b.Y2) - max(a.Y1, b.Y1)
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// DecodeScale decodes every (cell, anchor) of one image from a
// [B, gh, gw, 3, 5+C] prediction tensor. scaleAnchors are the pixel anchors of
// this scale in mask order.
func DecodeScale(pred *tensor.Tensor, batchIndex int, scaleAnchors []anchors.Anchor, stride, imageSize int) ([]DecodedBox, error) {
	if len(pred.Shape) != 5 {
		return nil, errors.Errorf("prediction must be [B, gh, gw, A, 5+C], got %v", pred.Shape)
	}
	b, gh, gw, na, depth := pred.Shape[0], pred.Shape[1], pred.Shape[2], pred.Shape[3], pred.Shape[4]
	if batchIndex < 0 || batchIndex >= b {
		return nil, errors.Errorf("batch index %d out of range [0,%d)", batchIndex, b)
	}
	if na != len(scaleAnchors) {
		return nil, errors.Errorf("prediction has %d anchors per cell, scale has %d", na, len(scaleAnchors))
	}
	if depth < ClassOffset {
		return nil, errors.Errorf("prediction depth %d is smaller than %d", depth, ClassOffset)
	}

	out := make([]DecodedBox, 0, gh*gw*na)
	base := batchIndex * gh * gw * na * depth
	for row := 0; row < gh; row++ {
		for col := 0; col < gw; col++ {
			for a := 0; a < na; a++ {
				off := base + ((row*gw+col)*na+a)*depth
				raw := RawFromSlice(pred.Data[off : off+depth])
				out = append(out, Decode(raw, scaleAnchors[a], Cell{Row: row, Col: col}, stride, imageSize))
			}
		}
	}
	return out, nil
}

func clamp(v, lo, hi float32) float32 {
	return max(lo, min(hi, v))
}

func clampInt(v, lo, hi int) int {
	return max(lo, min(hi, v))
}
