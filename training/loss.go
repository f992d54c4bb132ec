package training

import (
	"math"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-yolo/anchors"
	"github.com/tsawler/go-yolo/codec"
	"github.com/tsawler/go-yolo/targets"
	"github.com/tsawler/go-yolo/tensor"
)

// ErrNonFiniteLoss is returned when a loss evaluates to NaN or Inf. Training
// must halt when it is seen.
var ErrNonFiniteLoss = errors.New("loss is not finite")

// BoxLossKind selects the box regression term
type BoxLossKind int

const (
	// BoxLossSSE is squared error of the centre in sigmoid space and of the
	// size in log space.
	BoxLossSSE BoxLossKind = iota
	// BoxLossIoU is 1 - IoU between the decoded predicted and target boxes.
	BoxLossIoU
)

func (k BoxLossKind) String() string {
	if k == BoxLossIoU {
		return "iou"
	}
	return "sse"
}

// ParseBoxLoss accepts "sse" or "iou".
func ParseBoxLoss(s string) (BoxLossKind, error) {
	switch strings.ToLower(s) {
	case "", "sse":
		return BoxLossSSE, nil
	case "iou":
		return BoxLossIoU, nil
	}
	return 0, errors.Errorf("unknown box loss %q", s)
}

func (k BoxLossKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *BoxLossKind) UnmarshalText(b []byte) error {
	v, err := ParseBoxLoss(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// LossWeights scales the three loss terms
type LossWeights struct {
	Objectness float32 `json:"objectness"`
	Box        float32 `json:"box"`
	Class      float32 `json:"class"`
}

// LossConfig configures YOLOLoss
type LossConfig struct {
	Weights LossWeights `json:"weights"`
	BoxLoss BoxLossKind `json:"box_loss"`
}

// DefaultLossConfig weighs every term equally and uses squared error boxes
func DefaultLossConfig() LossConfig {
	return LossConfig{
		Weights: LossWeights{Objectness: 1, Box: 1, Class: 1},
		BoxLoss: BoxLossSSE,
	}
}

// LossTerms holds the weighted, batch-averaged loss terms
type LossTerms struct {
	Objectness float64
	Box        float64
	Class      float64
	Total      float64
	Positives  int
}

// Add accumulates another set of terms
func (l LossTerms) Add(o LossTerms) LossTerms {
	return LossTerms{
		Objectness: l.Objectness + o.Objectness,
		Box:        l.Box + o.Box,
		Class:      l.Class + o.Class,
		Total:      l.Total + o.Total,
		Positives:  l.Positives + o.Positives,
	}
}

// YOLOLoss is the multi-term detection loss over all scales. It is built for
// one input resolution because the IoU box term decodes boxes with the
// normalised anchors of that resolution.
type YOLOLoss struct {
	cfg     LossConfig
	anchors [][]anchors.Anchor
}

// NewYOLOLoss creates the loss. normalized must be the anchor set divided by
// the current image scale.
func NewYOLOLoss(cfg LossConfig, normalized *anchors.Set) (*YOLOLoss, error) {
	w := cfg.Weights
	if w.Objectness < 0 || w.Box < 0 || w.Class < 0 {
		return nil, errors.Errorf("loss weights must be non-negative, got %+v", w)
	}
	per := make([][]anchors.Anchor, normalized.NumScales())
	for s := range per {
		per[s] = normalized.ForScale(s)
	}
	return &YOLOLoss{cfg: cfg, anchors: per}, nil
}

// Forward computes the loss of every scale and their sum
func (l *YOLOLoss) Forward(preds []*tensor.Tensor, tgts []*targets.ScaleTarget) (LossTerms, []LossTerms, error) {
	return l.compute(preds, tgts, nil)
}

// Backward returns the gradient of the total loss with respect to each raw
// prediction tensor. Ignored slots and background box/class entries get zero
// gradient.
func (l *YOLOLoss) Backward(preds []*tensor.Tensor, tgts []*targets.ScaleTarget) ([]*tensor.Tensor, error) {
	grads := make([]*tensor.Tensor, len(preds))
	for i, p := range preds {
		if p == nil {
			return nil, errors.Errorf("prediction %d is nil", i)
		}
		grads[i] = tensor.ZerosLike(p)
	}
	if _, _, err := l.compute(preds, tgts, grads); err != nil {
		return nil, err
	}
	return grads, nil
}

func (l *YOLOLoss) compute(preds []*tensor.Tensor, tgts []*targets.ScaleTarget, grads []*tensor.Tensor) (LossTerms, []LossTerms, error) {
	if len(preds) != len(tgts) || len(preds) != len(l.anchors) {
		return LossTerms{}, nil, errors.Errorf("got %d predictions and %d targets for %d scales", len(preds), len(tgts), len(l.anchors))
	}

	var total LossTerms
	perScale := make([]LossTerms, len(preds))
	for s := range preds {
		if preds[s] == nil || tgts[s] == nil {
			return LossTerms{}, nil, errors.Errorf("scale %d has no prediction or target", s)
		}
		if err := tensor.CheckShape(preds[s], tgts[s].Values.Shape); err != nil {
			return LossTerms{}, nil, errors.Wrapf(err, "scale %d", s)
		}
		var g []float32
		if grads != nil {
			g = grads[s].Data
		}
		perScale[s] = l.scaleLoss(s, preds[s].Data, tgts[s], g)
		total = total.Add(perScale[s])
	}

	if math.IsNaN(total.Total) || math.IsInf(total.Total, 0) {
		return total, perScale, errors.Wrapf(ErrNonFiniteLoss, "objectness %v box %v class %v", total.Objectness, total.Box, total.Class)
	}
	return total, perScale, nil
}

// scaleLoss sums the terms of one scale and writes gradients into grad when
// it is non-nil. Every term is a sum divided by the batch size, so a scale
// without positives contributes exactly zero box and class loss.
func (l *YOLOLoss) scaleLoss(scale int, pred []float32, st *targets.ScaleTarget, grad []float32) LossTerms {
	depth := st.Depth()
	grid := st.GridSize
	batch := st.Batch()
	invB := 1 / float64(batch)
	w := l.cfg.Weights

	var objSum, boxSum, clsSum float64
	positives := 0

	for slot := range st.Ignore {
		p := pred[slot*depth : (slot+1)*depth]
		t := st.Vector(slot)
		var g []float32
		if grad != nil {
			g = grad[slot*depth : (slot+1)*depth]
		}

		if !st.Ignore[slot] {
			objSum += bceWithLogits(p[codec.TO], t[codec.TO])
			if g != nil {
				g[codec.TO] = float32(float64(w.Objectness) * invB * float64(codec.Sigmoid(p[codec.TO])-t[codec.TO]))
			}
		}

		if t[codec.TO] <= 0 {
			continue
		}
		positives++
		k := float64(w.Box) * float64(st.BoxWeight[slot])

		switch l.cfg.BoxLoss {
		case BoxLossIoU:
			col := (slot / anchors.PerScale) % grid
			row := (slot / anchors.PerScale / grid) % grid
			a := l.anchors[scale][slot%anchors.PerScale]
			boxSum += k * iouBoxLoss(p, t, a, row, col, grid, g, k*invB)
		default:
			boxSum += k * sseBoxLoss(p, t, g, k*invB)
		}

		for c := codec.ClassOffset; c < depth; c++ {
			clsSum += bceWithLogits(p[c], t[c])
			if g != nil {
				g[c] = float32(float64(w.Class) * invB * float64(codec.Sigmoid(p[c])-t[c]))
			}
		}
	}

	terms := LossTerms{
		Objectness: float64(w.Objectness) * objSum * invB,
		Box:        boxSum * invB,
		Class:      float64(w.Class) * clsSum * invB,
		Positives:  positives,
	}
	terms.Total = terms.Objectness + terms.Box + terms.Class
	return terms
}

// bceWithLogits is binary cross-entropy of sigmoid(x) against t, written in
// the form that does not overflow for large |x|.
func bceWithLogits(x, t float32) float64 {
	xf, tf := float64(x), float64(t)
	return math.Max(xf, 0) - xf*tf + math.Log1p(math.Exp(-math.Abs(xf)))
}

// sseBoxLoss returns the unweighted squared error and adds scale times its
// gradient to g.
func sseBoxLoss(p, t, g []float32, scale float64) float64 {
	var sum float64
	for _, i := range []int{codec.TX, codec.TY} {
		sp := float64(codec.Sigmoid(p[i]))
		d := sp - float64(codec.Sigmoid(t[i]))
		sum += d * d
		if g != nil {
			g[i] = float32(scale * 2 * d * sp * (1 - sp))
		}
	}
	for _, i := range []int{codec.TW, codec.TH} {
		d := float64(p[i] - t[i])
		sum += d * d
		if g != nil {
			g[i] = float32(scale * 2 * d)
		}
	}
	return sum
}

// iouBoxLoss returns 1 - IoU of the predicted and target boxes decoded in
// normalised image units and adds scale times its gradient to g. Disjoint
// boxes give loss 1 with zero gradient.
func iouBoxLoss(p, t []float32, a anchors.Anchor, row, col, grid int, g []float32, scale float64) float64 {
	gf := float64(grid)
	aw, ah := float64(a.Width), float64(a.Height)

	sx := float64(codec.Sigmoid(p[codec.TX]))
	sy := float64(codec.Sigmoid(p[codec.TY]))
	pcx, pcy := (sx+float64(col))/gf, (sy+float64(row))/gf
	pw, ph := aw*math.Exp(float64(p[codec.TW])), ah*math.Exp(float64(p[codec.TH]))

	tcx := (float64(codec.Sigmoid(t[codec.TX])) + float64(col)) / gf
	tcy := (float64(codec.Sigmoid(t[codec.TY])) + float64(row)) / gf
	tw, th := aw*math.Exp(float64(t[codec.TW])), ah*math.Exp(float64(t[codec.TH]))

	pl, pr := pcx-pw/2, pcx+pw/2
	pt, pb := pcy-ph/2, pcy+ph/2
	tl, tr := tcx-tw/2, tcx+tw/2
	tt, tb := tcy-th/2, tcy+th/2

	iw := math.Min(pr, tr) - math.Max(pl, tl)
	ih := math.Min(pb, tb) - math.Max(pt, tt)
	if iw <= 0 || ih <= 0 {
		return 1
	}
	inter := iw * ih
	union := pw*ph + tw*th - inter
	iou := inter / union

	if g != nil {
		dI := (union + inter) / (union * union)
		dA := -inter / (union * union)

		dwx := indicator(pr < tr) - indicator(pl > tl)
		dww := 0.5 * (indicator(pr < tr) + indicator(pl > tl))
		dhy := indicator(pb < tb) - indicator(pt > tt)
		dhh := 0.5 * (indicator(pb < tb) + indicator(pt > tt))

		dcx := dI * ih * dwx
		dcy := dI * iw * dhy
		dpw := dI*ih*dww + dA*ph
		dph := dI*iw*dhh + dA*pw

		g[codec.TX] = float32(-scale * dcx * sx * (1 - sx) / gf)
		g[codec.TY] = float32(-scale * dcy * sy * (1 - sy) / gf)
		g[codec.TW] = float32(-scale * dpw * pw)
		g[codec.TH] = float32(-scale * dph * ph)
	}
	return 1 - iou
}

func indicator(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
