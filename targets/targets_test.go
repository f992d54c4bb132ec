package targets

import (
	"encoding/json"
	"math"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tsawler/go-yolo/anchors"
	"github.com/tsawler/go-yolo/codec"
)

const imageScale = 416

// px builds a ground truth from pixel sizes at imageScale.
func px(cx, cy, w, h float32, class int) codec.GroundTruth {
	return codec.GroundTruth{CenterX: cx, CenterY: cy, Width: w / imageScale, Height: h / imageScale, ClassID: class}
}

func newEncoder(t *testing.T, cfg Config) *Encoder {
	t.Helper()
	enc, err := NewEncoder(anchors.Default(), imageScale, 3, cfg, zaptest.NewLogger(t).Sugar())
	if err != nil {
		t.Fatal(err)
	}
	return enc
}

func TestEncodeSingleBox(t *testing.T) {
	enc := newEncoder(t, DefaultConfig())
	gt := px(0.5, 0.25, 120, 95, 2)

	out, stats, err := enc.Encode([][]codec.GroundTruth{{gt}})
	if err != nil {
		t.Fatal(err)
	}
	if stats.Assigned != 1 || stats.Skipped != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 scales, got %d", len(out))
	}
	for s, want := range []int{1, 0, 0} {
		if got := out[s].Positives(); got != want {
			t.Errorf("scale %d has %d positives, expected %d", s, got, want)
		}
	}

	// Anchor 6 is slot 0 of the coarsest scale.
	st := out[0]
	slot := st.Slot(0, 3, 6, 0)
	v := st.Vector(slot)
	if v[codec.TO] != 1 || v[codec.ClassOffset+2] != 1 || v[codec.ClassOffset] != 0 {
		t.Errorf("unexpected target vector %v", v)
	}
	wantWeight := 2 - gt.Width*gt.Height
	if math.Abs(float64(st.BoxWeight[slot]-wantWeight)) > 1e-6 {
		t.Errorf("box weight %v, expected %v", st.BoxWeight[slot], wantWeight)
	}

	raw := codec.RawFromSlice(v)
	dec := codec.Decode(raw, anchors.Default().Anchor(6), codec.Cell{Row: 3, Col: 6}, 32, imageScale)
	cx, cy := dec.Center()
	if math.Abs(float64(cx-208)) > 0.05 || math.Abs(float64(cy-104)) > 0.05 {
		t.Errorf("decoded centre (%v,%v), expected (208,104)", cx, cy)
	}
	if math.Abs(float64(dec.Width()-120)) > 0.05 || math.Abs(float64(dec.Height()-95)) > 0.05 {
		t.Errorf("decoded size %vx%v, expected 120x95", dec.Width(), dec.Height())
	}
}

func TestIgnoreMaskSameScale(t *testing.T) {
	// 22x26 matches anchor 1 best (IoU .65) and anchor 2 above .5 (IoU .61).
	gt := px(0.5, 0.5, 22, 26, 0)

	out, stats, err := newEncoder(t, DefaultConfig()).Encode([][]codec.GroundTruth{{gt}})
	if err != nil {
		t.Fatal(err)
	}
	st := out[2]
	if !st.Positive(st.Slot(0, 26, 26, 1)) {
		t.Error("anchor 1 should be positive")
	}
	if !st.Ignore[st.Slot(0, 26, 26, 2)] {
		t.Error("anchor 2 should be ignored")
	}
	if st.Ignore[st.Slot(0, 26, 26, 0)] {
		t.Error("anchor 0 is below the threshold and must stay background")
	}
	if stats.Ignored != 1 {
		t.Errorf("Ignored = %d, expected 1", stats.Ignored)
	}

	cfg := DefaultConfig()
	cfg.IgnoreThreshold = 0.7
	out, _, _ = newEncoder(t, cfg).Encode([][]codec.GroundTruth{{gt}})
	if out[2].Ignore[out[2].Slot(0, 26, 26, 2)] {
		t.Error("raised threshold should not ignore anchor 2")
	}
}

func TestIgnoreMaskCrossScale(t *testing.T) {
	// 32x40 matches anchor 3 (scale 1) best and anchor 2 (scale 2) above .5.
	gt := px(0.3, 0.7, 32, 40, 1)

	out, _, err := newEncoder(t, DefaultConfig()).Encode([][]codec.GroundTruth{{gt}})
	if err != nil {
		t.Fatal(err)
	}
	mid := codec.CellOf(gt.CenterX, gt.CenterY, 26)
	if !out[1].Positive(out[1].Slot(0, mid.Row, mid.Col, 0)) {
		t.Error("anchor 3 should be positive at the middle scale")
	}
	fine := codec.CellOf(gt.CenterX, gt.CenterY, 52)
	if !out[2].Ignore[out[2].Slot(0, fine.Row, fine.Col, 2)] {
		t.Error("anchor 2 should be ignored at the fine scale")
	}
}

func TestIgnoreNeverOverridesPositive(t *testing.T) {
	// The second box is assigned to anchor 2 at the same cell the first box
	// marked as ignored.
	a := px(0.5, 0.5, 22, 26, 0)
	b := px(0.5, 0.5, 33, 23, 1)

	for _, order := range [][]codec.GroundTruth{{a, b}, {b, a}} {
		out, _, err := newEncoder(t, DefaultConfig()).Encode([][]codec.GroundTruth{order})
		if err != nil {
			t.Fatal(err)
		}
		st := out[2]
		for _, k := range []int{1, 2} {
			slot := st.Slot(0, 26, 26, k)
			if !st.Positive(slot) || st.Ignore[slot] {
				t.Errorf("slot %d: positive=%v ignore=%v", k, st.Positive(slot), st.Ignore[slot])
			}
		}
	}
}

func TestTieBreakPolicies(t *testing.T) {
	small := px(0.5, 0.5, 116, 90, 0)
	large := px(0.5, 0.5, 130, 100, 1)

	tests := []struct {
		policy    TieBreak
		boxes     []codec.GroundTruth
		wantClass int
	}{
		{FirstWins, []codec.GroundTruth{small, large}, 0},
		{FirstWins, []codec.GroundTruth{large, small}, 1},
		{LastWins, []codec.GroundTruth{small, large}, 1},
		{LastWins, []codec.GroundTruth{large, small}, 0},
		{LargestWins, []codec.GroundTruth{small, large}, 1},
		{LargestWins, []codec.GroundTruth{large, small}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			out, stats, err := newEncoder(t, Config{IgnoreThreshold: 0.5, TieBreak: tt.policy}).
				Encode([][]codec.GroundTruth{tt.boxes})
			if err != nil {
				t.Fatal(err)
			}
			if stats.Contested != 1 {
				t.Errorf("Contested = %d, expected 1", stats.Contested)
			}
			st := out[0]
			v := st.Vector(st.Slot(0, 6, 6, 0))
			for c := 0; c < 3; c++ {
				want := float32(0)
				if c == tt.wantClass {
					want = 1
				}
				if v[codec.ClassOffset+c] != want {
					t.Errorf("class bits %v, expected class %d only", v[codec.ClassOffset:], tt.wantClass)
					break
				}
			}
		})
	}
}

func TestInvalidBoxesAreSkippedAndLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	enc, err := NewEncoder(anchors.Default(), imageScale, 3, DefaultConfig(), zap.New(core).Sugar())
	if err != nil {
		t.Fatal(err)
	}

	boxes := []codec.GroundTruth{
		{CenterX: .5, CenterY: .5, Width: 0, Height: .1},
		{CenterX: .5, CenterY: .5, Width: .1, Height: -1},
		{CenterX: .5, CenterY: .5, Width: .1, Height: .1, ClassID: 7},
		{CenterX: 1.5, CenterY: .5, Width: .1, Height: .1},
		{CenterX: .5, CenterY: .5, Width: 1.6, Height: 1.6},
		{CenterX: .5, CenterY: .5, Width: .2, Height: 1.01},
		px(0.5, 0.5, 60, 60, 0),
	}
	out, stats, err := enc.Encode([][]codec.GroundTruth{boxes})
	if err != nil {
		t.Fatal(err)
	}
	if stats.Skipped != 6 || stats.Assigned != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if n := logs.FilterMessage("skipping ground truth").Len(); n != 6 {
		t.Errorf("expected 6 warnings, got %d", n)
	}
	total := 0
	for _, st := range out {
		total += st.Positives()
	}
	if total != 1 {
		t.Errorf("expected 1 positive, got %d", total)
	}
}

func TestEmptyImage(t *testing.T) {
	out, stats, err := newEncoder(t, DefaultConfig()).Encode([][]codec.GroundTruth{nil, nil})
	if err != nil {
		t.Fatal(err)
	}
	if stats != (Stats{}) {
		t.Errorf("unexpected stats %+v", stats)
	}
	for s, st := range out {
		if st.Batch() != 2 {
			t.Errorf("scale %d batch %d", s, st.Batch())
		}
		for _, ig := range st.Ignore {
			if ig {
				t.Fatalf("scale %d has an ignored slot", s)
			}
		}
		for _, v := range st.Values.Data {
			if v != 0 {
				t.Fatalf("scale %d is not all background", s)
			}
		}
	}
}

func TestStackMatchesBatchEncode(t *testing.T) {
	enc := newEncoder(t, DefaultConfig())
	images := [][]codec.GroundTruth{
		{px(0.2, 0.3, 40, 50, 0)},
		{px(0.7, 0.6, 200, 150, 1), px(0.1, 0.9, 12, 15, 2)},
	}

	batched, _, err := enc.Encode(images)
	if err != nil {
		t.Fatal(err)
	}
	perImage := make([][]*ScaleTarget, len(images))
	for i, boxes := range images {
		perImage[i], _, err = enc.EncodeImage(boxes)
		if err != nil {
			t.Fatal(err)
		}
	}
	for s := range batched {
		stacked, err := Stack([]*ScaleTarget{perImage[0][s], perImage[1][s]})
		if err != nil {
			t.Fatal(err)
		}
		for i := range stacked.Values.Data {
			if stacked.Values.Data[i] != batched[s].Values.Data[i] {
				t.Fatalf("scale %d differs at %d", s, i)
			}
		}
		for i := range stacked.Ignore {
			if stacked.Ignore[i] != batched[s].Ignore[i] || stacked.BoxWeight[i] != batched[s].BoxWeight[i] {
				t.Fatalf("scale %d mask differs at %d", s, i)
			}
		}
	}

	if _, err := Stack([]*ScaleTarget{perImage[0][0], perImage[0][1]}); err == nil {
		t.Error("stacking different scales should fail")
	}
}

func TestNewEncoderValidation(t *testing.T) {
	if _, err := NewEncoder(anchors.Default(), 400, 3, DefaultConfig(), nil); err == nil {
		t.Error("expected error for image scale 400")
	}
	if _, err := NewEncoder(anchors.Default(), 416, 0, DefaultConfig(), nil); err == nil {
		t.Error("expected error for zero classes")
	}
	if _, err := NewEncoder(anchors.Default(), 416, 1, Config{IgnoreThreshold: 1.5}, nil); err == nil {
		t.Error("expected error for ignore threshold above 1")
	}
}

func TestTieBreakJSON(t *testing.T) {
	var cfg Config
	if err := json.Unmarshal([]byte(`{"ignore_threshold":0.4,"tie_break":"largest"}`), &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.TieBreak != LargestWins || cfg.IgnoreThreshold != 0.4 {
		t.Errorf("decoded %+v", cfg)
	}
	if err := json.Unmarshal([]byte(`{"tie_break":"random"}`), &cfg); err == nil {
		t.Error("expected error for unknown policy")
	}
	b, err := json.Marshal(Config{TieBreak: LastWins})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"ignore_threshold":0,"tie_break":"last"}` {
		t.Errorf("encoded %s", b)
	}
}
