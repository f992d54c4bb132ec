// Package nms merges decoded boxes from every detection scale into a final
// list of detections with per-class greedy non-max suppression.
package nms

import (
	"slices"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/tsawler/go-yolo/codec"
)

// Policy decides how class labels are attached to a box before suppression.
type Policy int

const (
	// PolicyArgmax labels each box with its most probable class. Ties go to
	// the lowest class id.
	PolicyArgmax Policy = iota
	// PolicyMultiLabel emits one candidate per class whose score passes the
	// threshold, so one box may be reported under several classes.
	PolicyMultiLabel
)

func (p Policy) String() string {
	if p == PolicyMultiLabel {
		return "multilabel"
	}
	return "argmax"
}

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "", "argmax":
		return PolicyArgmax, nil
	case "multilabel", "multi-label":
		return PolicyMultiLabel, nil
	}
	return 0, errors.Errorf("unknown nms policy %q", s)
}

func (p Policy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Policy) UnmarshalText(b []byte) error {
	v, err := ParsePolicy(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Config holds the aggregation thresholds.
type Config struct {
	// ScoreThreshold drops candidates whose confidence is below it.
	ScoreThreshold float32 `json:"score_threshold"`
	// IoUThreshold suppresses a box whose IoU with an already selected box of
	// the same class is above it.
	IoUThreshold float32 `json:"iou_threshold"`
	// MaxDetections caps the output; zero means no cap.
	MaxDetections int    `json:"max_detections"`
	Policy        Policy `json:"policy"`
}

func DefaultConfig() Config {
	return Config{ScoreThreshold: 0.5, IoUThreshold: 0.5, Policy: PolicyArgmax}
}

// Validate checks that the thresholds are usable.
func (c Config) Validate() error {
	if c.ScoreThreshold < 0 || c.ScoreThreshold > 1 {
		return errors.Errorf("score threshold %v outside [0,1]", c.ScoreThreshold)
	}
	if c.IoUThreshold < 0 || c.IoUThreshold > 1 {
		return errors.Errorf("iou threshold %v outside [0,1]", c.IoUThreshold)
	}
	if c.MaxDetections < 0 {
		return errors.Errorf("max detections must not be negative, got %d", c.MaxDetections)
	}
	return nil
}

// Aggregate filters, labels and suppresses boxes. The result is ordered by
// descending confidence; equal confidences keep class order and then input
// order. Boxes that already carry a class id are taken as they are, so
// running Aggregate on its own output returns the same list.
//
// Raising IoUThreshold never removes a box whose overlaps are isolated
// pairs. In a chain A, B, C where only neighbours overlap, a higher
// threshold can keep B and so let B remove C.
func Aggregate(boxes []codec.DecodedBox, cfg Config) []codec.DecodedBox {
	candidates := lo.FlatMap(boxes, func(b codec.DecodedBox, _ int) []codec.DecodedBox {
		return label(b, cfg)
	})

	groups := lo.GroupBy(candidates, func(b codec.DecodedBox) int { return b.ClassID })
	classes := lo.Keys(groups)
	slices.Sort(classes)

	var kept []codec.DecodedBox
	for _, c := range classes {
		kept = append(kept, suppress(groups[c], cfg.IoUThreshold)...)
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Confidence > kept[j].Confidence
	})
	if cfg.MaxDetections > 0 && len(kept) > cfg.MaxDetections {
		kept = kept[:cfg.MaxDetections]
	}
	return kept
}

func label(b codec.DecodedBox, cfg Config) []codec.DecodedBox {
	if b.ClassID != codec.Unassigned {
		if b.Confidence < cfg.ScoreThreshold {
			return nil
		}
		return []codec.DecodedBox{b}
	}

	if len(b.ClassProbs) == 0 {
		b.ClassID = 0
		b.Confidence = b.Objectness
		if b.Confidence < cfg.ScoreThreshold {
			return nil
		}
		return []codec.DecodedBox{b}
	}

	if cfg.Policy == PolicyMultiLabel {
		var out []codec.DecodedBox
		for c, p := range b.ClassProbs {
			conf := b.Objectness * p
			if conf < cfg.ScoreThreshold {
				continue
			}
			d := b
			d.ClassID = c
			d.Confidence = conf
			out = append(out, d)
		}
		return out
	}

	best := 0
	for c, p := range b.ClassProbs {
		if p > b.ClassProbs[best] {
			best = c
		}
	}
	b.ClassID = best
	b.Confidence = b.Objectness * b.ClassProbs[best]
	if b.Confidence < cfg.ScoreThreshold {
		return nil
	}
	return []codec.DecodedBox{b}
}

// suppress runs greedy NMS over boxes of a single class. Overlap is not
// transitive: if A suppresses B, a box C that overlaps only B survives.
func suppress(group []codec.DecodedBox, iouThreshold float32) []codec.DecodedBox {
	sort.SliceStable(group, func(i, j int) bool {
		return group[i].Confidence > group[j].Confidence
	})

	selected := make([]codec.DecodedBox, 0, len(group))
	for _, b := range group {
		overlaps := lo.ContainsBy(selected, func(s codec.DecodedBox) bool {
			return codec.IoU(s.Box, b.Box) > iouThreshold
		})
		if !overlaps {
			selected = append(selected, b)
		}
	}
	return selected
}
