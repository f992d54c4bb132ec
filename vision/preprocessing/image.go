package preprocessing

import (
	"image"
	"image/color"
	"io"
	"math/rand"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"github.com/tsawler/go-yolo/codec"
	"github.com/tsawler/go-yolo/tensor"
)

// Options controls augmentation. The zero value resizes only.
type Options struct {
	Flip       bool    `json:"flip"`         // horizontal flip with probability 0.5
	CropJitter float64 `json:"crop_jitter"`  // largest fraction cropped from each side
	Letterbox  bool    `json:"letterbox"`    // keep aspect ratio and pad with grey
	MinBoxSide float32 `json:"min_box_side"` // boxes cropped below this side are dropped
}

// DefaultOptions returns the training augmentation.
func DefaultOptions() Options {
	return Options{Flip: true, CropJitter: 0.1, MinBoxSide: 0.005}
}

// padColor fills letterbox borders.
var padColor = color.NRGBA{R: 128, G: 128, B: 128, A: 255}

// Open decodes an image file, applying EXIF orientation.
func Open(path string) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	return img, errors.Wrapf(err, "failed to open image %s", path)
}

// Decode decodes an image from r, applying EXIF orientation.
func Decode(r io.Reader) (image.Image, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	return img, errors.Wrap(err, "failed to decode image")
}

// Prepare augments img, resizes it to scale×scale and converts it to an
// HWC tensor in [0,1]. The rng is consumed in a fixed order so equal seeds
// give equal output.
func Prepare(img image.Image, boxes []codec.GroundTruth, scale int, opts Options, rng *rand.Rand) (*tensor.Tensor, []codec.GroundTruth, error) {
	if scale <= 0 {
		return nil, nil, errors.Errorf("image scale must be positive, got %d", scale)
	}
	if img.Bounds().Empty() {
		return nil, nil, errors.New("empty image")
	}
	if opts.CropJitter > 0 {
		img, boxes = RandomCrop(img, boxes, opts.CropJitter, opts.MinBoxSide, rng)
	}
	if opts.Flip && rng.Float64() < 0.5 {
		img, boxes = FlipHorizontal(img, boxes)
	}
	resized, boxes := Resize(img, boxes, scale, opts.Letterbox)
	t, err := ToTensor(resized)
	return t, boxes, err
}

// RandomCrop removes up to jitter of the width and height from each side and
// clips the boxes to the remaining window.
func RandomCrop(img image.Image, boxes []codec.GroundTruth, jitter float64, minSide float32, rng *rand.Rand) (image.Image, []codec.GroundTruth) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	left := int(rng.Float64() * jitter * float64(w))
	right := w - int(rng.Float64()*jitter*float64(w))
	top := int(rng.Float64() * jitter * float64(h))
	bottom := h - int(rng.Float64()*jitter*float64(h))
	if right-left < 1 || bottom-top < 1 {
		return img, boxes
	}
	cropped := imaging.Crop(img, image.Rect(b.Min.X+left, b.Min.Y+top, b.Min.X+right, b.Min.Y+bottom))

	window := codec.Box{
		X1: float32(left) / float32(w), Y1: float32(top) / float32(h),
		X2: float32(right) / float32(w), Y2: float32(bottom) / float32(h),
	}
	return cropped, clipBoxes(boxes, window, minSide)
}

// clipBoxes maps boxes into window coordinates, dropping those left smaller
// than minSide. Boxes that were already invalid pass through untouched so
// that target assignment can report them.
func clipBoxes(boxes []codec.GroundTruth, window codec.Box, minSide float32) []codec.GroundTruth {
	ww, wh := window.Width(), window.Height()
	out := make([]codec.GroundTruth, 0, len(boxes))
	for _, gt := range boxes {
		if !(gt.Width > 0 && gt.Height > 0) {
			out = append(out, gt)
			continue
		}
		c := codec.FromCenter(gt.CenterX, gt.CenterY, gt.Width, gt.Height)
		c = codec.Box{
			X1: max(c.X1, window.X1), Y1: max(c.Y1, window.Y1),
			X2: min(c.X2, window.X2), Y2: min(c.Y2, window.Y2),
		}
		nw, nh := (c.X2-c.X1)/ww, (c.Y2-c.Y1)/wh
		if nw < minSide || nh < minSide || nw <= 0 || nh <= 0 {
			continue
		}
		cx, cy := c.Center()
		out = append(out, codec.GroundTruth{
			CenterX: (cx - window.X1) / ww,
			CenterY: (cy - window.Y1) / wh,
			Width:   nw,
			Height:  nh,
			ClassID: gt.ClassID,
		})
	}
	return out
}

// FlipHorizontal mirrors the image and its boxes.
func FlipHorizontal(img image.Image, boxes []codec.GroundTruth) (image.Image, []codec.GroundTruth) {
	out := make([]codec.GroundTruth, len(boxes))
	for i, gt := range boxes {
		gt.CenterX = 1 - gt.CenterX
		out[i] = gt
	}
	return imaging.FlipH(img), out
}

// Resize scales img to scale×scale. With letterbox the aspect ratio is kept
// and the image is centred on a grey canvas; boxes are moved accordingly.
func Resize(img image.Image, boxes []codec.GroundTruth, scale int, letterbox bool) (*image.NRGBA, []codec.GroundTruth) {
	if !letterbox {
		return imaging.Resize(img, scale, scale, imaging.Linear), boxes
	}
	b := img.Bounds()
	ratio := min(float64(scale)/float64(b.Dx()), float64(scale)/float64(b.Dy()))
	nw := max(1, int(float64(b.Dx())*ratio))
	nh := max(1, int(float64(b.Dy())*ratio))
	dx, dy := (scale-nw)/2, (scale-nh)/2

	canvas := imaging.New(scale, scale, padColor)
	out := imaging.Paste(canvas, imaging.Resize(img, nw, nh, imaging.Linear), image.Pt(dx, dy))

	sx, sy := float32(nw)/float32(scale), float32(nh)/float32(scale)
	ox, oy := float32(dx)/float32(scale), float32(dy)/float32(scale)
	moved := make([]codec.GroundTruth, len(boxes))
	for i, gt := range boxes {
		moved[i] = codec.GroundTruth{
			CenterX: gt.CenterX*sx + ox,
			CenterY: gt.CenterY*sy + oy,
			Width:   gt.Width * sx,
			Height:  gt.Height * sy,
			ClassID: gt.ClassID,
		}
	}
	return out, moved
}

// ToTensor converts an image to an [H, W, 3] tensor with values in [0,1].
func ToTensor(img image.Image) (*tensor.Tensor, error) {
	n := imaging.Clone(img)
	w, h := n.Rect.Dx(), n.Rect.Dy()
	data := make([]float32, 0, w*h*3)
	for y := 0; y < h; y++ {
		row := n.Pix[y*n.Stride : y*n.Stride+4*w]
		for x := 0; x < w; x++ {
			px := row[4*x : 4*x+3]
			data = append(data, float32(px[0])/255, float32(px[1])/255, float32(px[2])/255)
		}
	}
	return tensor.NewTensor([]int{h, w, 3}, data)
}
