// Package anchors holds the anchor priors shared by the box codec, the target
// encoder and the detection heads.
//
// The pool is partitioned into ordered groups of PerScale anchors ("masks"),
// one group per detection scale, coarsest scale first. Scale i runs at stride
// 32 >> i, so the default three-scale model uses strides 32, 16 and 8.
package anchors

import (

	"github.com/pkg/errors"
)

// PerScale is the number of anchors every detection scale predicts.
const PerScale = 3

// MaxStride is the stride of the coarsest scale. Image sizes must be a
// multiple of it.
const MaxStride = 32

// DefaultScales is the number of detection scales of the standard model.
const DefaultScales = 3

var (
	ErrAnchorCount   = errors.New("anchor count must be a positive multiple of 3")
	ErrMaskPartition = errors.New("anchor masks must partition the anchor pool")
	ErrImageScale    = errors.New("image scale must be a positive multiple of 32")
)

// Anchor is a prior box shape. Base anchors are in pixels at the canonical
// input resolution; normalised anchors are fractions of the image side.
type Anchor struct {
	Width  float32 `json:"w"`
	Height float32 `json:"h"`
}

// DefaultYOLOv3 is the COCO anchor pool, smallest first.
func DefaultYOLOv3() []Anchor {
	return []Anchor{
		{10, 13}, {16, 30}, {33, 23},
		{30, 61}, {62, 45}, {59, 119},
		{116, 90}, {156, 198}, {373, 326},
	}
}

// DefaultMasks assigns the largest anchors to the coarsest scale.
func DefaultMasks() [][]int {
	return [][]int{{6, 7, 8}, {3, 4, 5}, {0, 1, 2}}
}

type slot struct {
	scale int
	index int
}

// Set is an immutable anchor pool together with its mask partition.
type Set struct {
	anchors []Anchor
	masks   [][]int
	owners  []slot
}

// NewSet validates the pool and partition and returns an immutable Set.
func NewSet(pool []Anchor, masks [][]int) (*Set, error) {
	if len(pool) == 0 || len(pool)%PerScale != 0 {
		return nil, errors.Wrapf(ErrAnchorCount, "got %d anchors", len(pool))
	}
	for i, a := range pool {
		if !(a.Width > 0) || !(a.Height > 0) {
			return nil, errors.Errorf("anchor %d has non-positive size %vx%v", i, a.Width, a.Height)
		}
	}
	if len(masks) != len(pool)/PerScale {
		return nil, errors.Wrapf(ErrMaskPartition, "%d anchors need %d masks, got %d", len(pool), len(pool)/PerScale, len(masks))
	}

	owners := make([]slot, len(pool))
	seen := make([]bool, len(pool))
	copied := make([][]int, len(masks))
	for s, mask := range masks {
		if len(mask) != PerScale {
			return nil, errors.Wrapf(ErrMaskPartition, "mask %d has %d anchors, want %d", s, len(mask), PerScale)
		}
		copied[s] = make([]int, PerScale)
		for k, idx := range mask {
			if idx < 0 || idx >= len(pool) {
				return nil, errors.Wrapf(ErrMaskPartition, "mask %d references anchor %d outside the pool", s, idx)
			}
			if seen[idx] {
				return nil, errors.Wrapf(ErrMaskPartition, "anchor %d appears in more than one mask", idx)
			}
			seen[idx] = true
			owners[idx] = slot{scale: s, index: k}
			copied[s][k] = idx
		}
	}

	anchors := make([]Anchor, len(pool))
	copy(anchors, pool)
	return &Set{anchors: anchors, masks: copied, owners: owners}, nil
}

// Default returns the YOLOv3 pool with its standard partition.
func Default() *Set {
	s, err := NewSet(DefaultYOLOv3(), DefaultMasks())
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Set) Len() int       { return len(s.anchors) }
func (s *Set) NumScales() int { return len(s.masks) }

func (s *Set) Anchor(i int) Anchor { return s.anchors[i] }

// Anchors returns a copy of the pool.
func (s *Set) Anchors() []Anchor {
	out := make([]Anchor, len(s.anchors))
	copy(out, s.anchors)
	return out
}

// Mask returns a copy of the pool indices owned by scale.
func (s *Set) Mask(scale int) []int {
	out := make([]int, PerScale)
	copy(out, s.masks[scale])
	return out
}

// Masks returns a copy of the whole partition.
func (s *Set) Masks() [][]int {
	out := make([][]int, len(s.masks))
	for i := range s.masks {
		out[i] = s.Mask(i)
	}
	return out
}

// Owner reports which scale and which slot within that scale an anchor
// belongs to.
func (s *Set) Owner(anchor int) (scale, index int) {
	o := s.owners[anchor]
	return o.scale, o.index
}

// ForScale returns the anchors of one scale in mask order.
func (s *Set) ForScale(scale int) []Anchor {
	out := make([]Anchor, PerScale)
	for k, idx := range s.masks[scale] {
		out[k] = s.anchors[idx]
	}
	return out
}

// Normalized divides every anchor by imageScale, keeping anchors proportional
// to the current input resolution.
func (s *Set) Normalized(imageScale int) *Set {
	scaled := make([]Anchor, len(s.anchors))
	for i, a := range s.anchors {
		scaled[i] = Anchor{Width: a.Width / float32(imageScale), Height: a.Height / float32(imageScale)}
	}
	return &Set{anchors: scaled, masks: s.masks, owners: s.owners}
}

// Stride returns the downsampling factor of a scale index.
func Stride(scale int) int {
	return MaxStride >> scale
}

// ValidateImageScale checks that an input resolution is usable by every scale.
func ValidateImageScale(imageScale int) error {
	if imageScale <= 0 || imageScale%MaxStride != 0 {
		return errors.Wrapf(ErrImageScale, "got %d", imageScale)
	}
	return nil
}

// GridSizes returns the lattice side of each of numScales scales for an
// input resolution.
func GridSizes(imageScale, numScales int) ([]int, error) {
	if err := ValidateImageScale(imageScale); err != nil {
		return nil, err
	}
	sizes := make([]int, numScales)
	for i := range sizes {
		sizes[i] = imageScale / Stride(i)
	}
	return sizes, nil
}

// ShapeIoU is the IoU of a (w, h) box and an anchor when both share the same
// centre, i.e. ignoring position.
func ShapeIoU(w, h float32, a Anchor) float32 {
	inter := min(w, a.Width) * min(h, a.Height)
	union := w*h + a.Width*a.Height - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// BestMatch returns the index of the anchor with the highest shape IoU (the
// lowest index wins ties) and the IoU against every anchor.
func (s *Set) BestMatch(w, h float32) (int, []float32) {
	ious := make([]float32, len(s.anchors))
	best := 0
	for i, a := range s.anchors {
		ious[i] = ShapeIoU(w, h, a)
		if ious[i] > ious[best] {
			best = i
		}
	}
	return best, ious
}
