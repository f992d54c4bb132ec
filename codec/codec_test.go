package codec

import (
	"math"
	"math/rand"
	"testing"

	"github.com/pkg/errors"

	"github.com/tsawler/go-yolo/anchors"
	"github.com/tsawler/go-yolo/tensor"
)

func near(a, b, tol float32) bool {
	return math.Abs(float64(a-b)) <= float64(tol)
}

func TestSigmoidLogit(t *testing.T) {
	for _, p := range []float32{0.001, 0.1, 0.5, 0.73, 0.999} {
		if got := Sigmoid(Logit(p)); !near(got, p, 1e-5) {
			t.Errorf("Sigmoid(Logit(%v)) = %v", p, got)
		}
	}
	if got := Sigmoid(-100); got < 0 || got > 1e-30 {
		t.Errorf("Sigmoid(-100) = %v", got)
	}
	if got := Sigmoid(100); got != 1 {
		t.Errorf("Sigmoid(100) = %v", got)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	set := anchors.Default()
	rng := rand.New(rand.NewSource(7))

	for _, imageSize := range []int{320, 416, 608} {
		norm := set.Normalized(imageSize)
		for scale := 0; scale < set.NumScales(); scale++ {
			stride := anchors.Stride(scale)
			grid := imageSize / stride
			for k, idx := range set.Mask(scale) {
				for trial := 0; trial < 20; trial++ {
					gt := GroundTruth{
						CenterX: 0.02 + 0.96*rng.Float32(),
						CenterY: 0.02 + 0.96*rng.Float32(),
						Width:   0.01 + 0.3*rng.Float32(),
						Height:  0.01 + 0.3*rng.Float32(),
					}
					cell := CellOf(gt.CenterX, gt.CenterY, grid)

					enc, err := Encode(gt, norm.Anchor(idx), cell, grid)
					if err != nil {
						t.Fatalf("encode: %v", err)
					}
					raw := Raw{TX: enc.TX, TY: enc.TY, TW: enc.TW, TH: enc.TH}
					// Decode without clipping so the size comparison is exact.
					dec := Decode(raw, set.ForScale(scale)[k], cell, stride, 1<<20)

					s := float32(imageSize)
					cx, cy := dec.Center()
					tol := float32(1e-3) * s
					if !near(cx, gt.CenterX*s, tol) || !near(cy, gt.CenterY*s, tol) {
						t.Errorf("centre (%v,%v), expected (%v,%v)", cx, cy, gt.CenterX*s, gt.CenterY*s)
					}
					if !near(dec.Width(), gt.Width*s, tol) || !near(dec.Height(), gt.Height*s, tol) {
						t.Errorf("size %vx%v, expected %vx%v", dec.Width(), dec.Height(), gt.Width*s, gt.Height*s)
					}
				}
			}
		}
	}
}

func TestDecodeGridContainment(t *testing.T) {
	anchor := anchors.Anchor{Width: 30, Height: 30}
	for _, stride := range []int{8, 16, 32} {
		for _, tx := range []float32{-50, -3, 0, 2.5, 50} {
			cell := Cell{Row: 3, Col: 5}
			d := Decode(Raw{TX: tx, TY: -tx}, anchor, cell, stride, 1<<20)
			cx, cy := d.Center()
			lo, hi := float32(cell.Col*stride), float32((cell.Col+1)*stride)
			if cx < lo || cx > hi {
				t.Errorf("stride %d tx %v: centre x %v outside [%v,%v]", stride, tx, cx, lo, hi)
			}
			lo, hi = float32(cell.Row*stride), float32((cell.Row+1)*stride)
			if cy < lo || cy > hi {
				t.Errorf("stride %d ty %v: centre y %v outside [%v,%v]", stride, -tx, cy, lo, hi)
			}
		}
	}
}

func TestDecodeClipsAndScores(t *testing.T) {
	raw := Raw{TW: 3, TH: 3, Objectness: 0, ClassLogits: []float32{-2, 2}}
	d := Decode(raw, anchors.Anchor{Width: 100, Height: 100}, Cell{}, 32, 416)

	if d.X1 != 0 || d.Y1 != 0 || d.X2 > 416 || d.Y2 > 416 {
		t.Errorf("box not clipped: %+v", d.Box)
	}
	if !near(d.Objectness, 0.5, 1e-6) {
		t.Errorf("objectness %v, expected 0.5", d.Objectness)
	}
	if !near(d.Confidence, 0.5*Sigmoid(2), 1e-6) {
		t.Errorf("confidence %v", d.Confidence)
	}
	if d.ClassID != Unassigned {
		t.Errorf("ClassID = %d, expected Unassigned", d.ClassID)
	}
	if !near(d.ClassProbs[0], Sigmoid(-2), 1e-6) || !near(d.ClassProbs[1], Sigmoid(2), 1e-6) {
		t.Errorf("class probabilities %v are not independent sigmoids", d.ClassProbs)
	}
}

func TestEncodeDegenerate(t *testing.T) {
	anchor := anchors.Anchor{Width: 0.1, Height: 0.1}
	tests := []struct {
		name   string
		gt     GroundTruth
		anchor anchors.Anchor
	}{
		{"zero width", GroundTruth{CenterX: .5, CenterY: .5, Width: 0, Height: .1}, anchor},
		{"negative height", GroundTruth{CenterX: .5, CenterY: .5, Width: .1, Height: -.1}, anchor},
		{"zero anchor", GroundTruth{CenterX: .5, CenterY: .5, Width: .1, Height: .1}, anchors.Anchor{}},
		{"nan width", GroundTruth{CenterX: .5, CenterY: .5, Width: float32(math.NaN()), Height: .1}, anchor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Encode(tt.gt, tt.anchor, Cell{Row: 6, Col: 6}, 13); !errors.Is(err, ErrDegenerateBox) {
				t.Errorf("expected ErrDegenerateBox, got %v", err)
			}
		})
	}
}

func TestEncodeCellEdgesAreFinite(t *testing.T) {
	gt := GroundTruth{CenterX: 0, CenterY: 1, Width: .2, Height: .2}
	cell := CellOf(gt.CenterX, gt.CenterY, 13)
	if cell != (Cell{Row: 12, Col: 0}) {
		t.Fatalf("CellOf = %+v", cell)
	}
	enc, err := Encode(gt, anchors.Anchor{Width: .2, Height: .2}, cell, 13)
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range []float32{enc.TX, enc.TY, enc.TW, enc.TH} {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("non-finite encoding %+v", enc)
		}
	}
	if enc.TW != 0 || enc.TH != 0 {
		t.Errorf("matching anchor should give zero size target, got %+v", enc)
	}
}

func TestIoU(t *testing.T) {
	tests := []struct {
		name string
		a, b Box
		want float32
	}{
		{"identical", Box{0, 0, 10, 10}, Box{0, 0, 10, 10}, 1},
		{"disjoint", Box{0, 0, 10, 10}, Box{20, 20, 30, 30}, 0},
		{"touching", Box{0, 0, 10, 10}, Box{10, 0, 20, 10}, 0},
		{"half", Box{0, 0, 10, 10}, Box{5, 0, 15, 10}, 50.0 / 150},
		{"contained", Box{0, 0, 10, 10}, Box{0, 0, 5, 5}, 0.25},
		{"empty", Box{}, Box{}, 0},
	}
	for _, tt := range tests {
		if got := IoU(tt.a, tt.b); !near(got, tt.want, 1e-6) {
			t.Errorf("%s: IoU = %v, expected %v", tt.name, got, tt.want)
		}
	}
}

func TestDecodeScale(t *testing.T) {
	set := anchors.Default()
	pred, err := tensor.Zeros([]int{2, 13, 13, 3, 5 + 4})
	if err != nil {
		t.Fatal(err)
	}
	// Second image, cell (2,4), anchor 1: strong objectness.
	off, err := pred.Offset(1, 2, 4, 1, TO)
	if err != nil {
		t.Fatal(err)
	}
	pred.Data[off] = 8

	boxes, err := DecodeScale(pred, 1, set.ForScale(0), 32, 416)
	if err != nil {
		t.Fatal(err)
	}
	if len(boxes) != 13*13*3 {
		t.Fatalf("decoded %d boxes", len(boxes))
	}
	got := boxes[(2*13+4)*3+1]
	if got.Objectness < 0.99 {
		t.Errorf("objectness %v at the marked cell", got.Objectness)
	}
	cx, cy := got.Center()
	if !near(cx, 4.5*32, 1e-3) || !near(cy, 2.5*32, 1e-3) {
		t.Errorf("centre (%v,%v), expected (144,80)", cx, cy)
	}

	if _, err := DecodeScale(pred, 2, set.ForScale(0), 32, 416); err == nil {
		t.Error("expected error for out-of-range batch index")
	}
	if _, err := DecodeScale(pred, 0, set.ForScale(0)[:2], 32, 416); err == nil {
		t.Error("expected error for anchor count mismatch")
	}
}
