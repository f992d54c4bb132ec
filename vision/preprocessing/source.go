package preprocessing

import (
	"context"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/go-yolo/anchors"
	"github.com/tsawler/go-yolo/async"
	"github.com/tsawler/go-yolo/vision/dataset"
)

// Source adapts a dataset to the data loader at one image scale.
type Source struct {
	ds    dataset.Dataset
	scale int
	opts  Options
	cache *ImageCache
}

// NewSource creates a source producing scale×scale samples. cache may be nil.
func NewSource(ds dataset.Dataset, scale int, opts Options, cache *ImageCache) (*Source, error) {
	if ds == nil {
		return nil, errors.New("dataset cannot be nil")
	}
	if err := anchors.ValidateImageScale(scale); err != nil {
		return nil, err
	}
	if cache == nil {
		cache = NewImageCache(0)
	}
	return &Source{ds: ds, scale: scale, opts: opts, cache: cache}, nil
}

// Len returns the number of examples.
func (s *Source) Len() int { return s.ds.Len() }

// Scale returns the output resolution.
func (s *Source) Scale() int { return s.scale }

// Load reads, augments and resizes one example.
func (s *Source) Load(ctx context.Context, index int, rng *rand.Rand) (async.Sample, error) {
	if err := ctx.Err(); err != nil {
		return async.Sample{}, err
	}
	ex, err := s.ds.Example(index)
	if err != nil {
		return async.Sample{}, err
	}
	img := ex.Image
	if img == nil {
		var ok bool
		if img, ok = s.cache.Get(ex.Path); !ok {
			if img, err = Open(ex.Path); err != nil {
				return async.Sample{}, err
			}
			s.cache.Put(ex.Path, img)
		}
	}
	t, boxes, err := Prepare(img, ex.Boxes, s.scale, s.opts, rng)
	if err != nil {
		return async.Sample{}, errors.Wrapf(err, "example %d", index)
	}
	return async.Sample{Image: t, Boxes: boxes}, nil
}
