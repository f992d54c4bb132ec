package layers

import (
	"fmt"

	"github.com/tsawler/go-yolo/tensor"
)

// Upsample2DLayer repeats every pixel factor×factor times.
type Upsample2DLayer struct {
	name    string
	factor  int
	inShape []int
}

func NewUpsample2D(name string, factor int) *Upsample2DLayer {
	return &Upsample2DLayer{name: name, factor: factor}
}

func (u *Upsample2DLayer) Name() string             { return u.name }
func (u *Upsample2DLayer) Parameters() []*Parameter { return nil }

func (u *Upsample2DLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("%s: expected NHWC input, got %v", u.name, x.Shape)
	}
	b, h, w, ch := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	f := u.factor
	out, err := tensor.Zeros([]int{b, h * f, w * f, ch})
	if err != nil {
		return nil, err
	}
	for n := 0; n < b; n++ {
		for y := 0; y < h*f; y++ {
			for xx := 0; xx < w*f; xx++ {
				src := ((n*h+y/f)*w + xx/f) * ch
				dst := ((n*h*f+y)*w*f + xx) * ch
				copy(out.Data[dst:dst+ch], x.Data[src:src+ch])
			}
		}
	}
	u.inShape = append(u.inShape[:0], x.Shape...)
	return out, nil
}

func (u *Upsample2DLayer) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if u.inShape == nil {
		return nil, fmt.Errorf("%s: Backward called before Forward", u.name)
	}
	b, h, w, ch := u.inShape[0], u.inShape[1], u.inShape[2], u.inShape[3]
	f := u.factor
	if err := tensor.CheckShape(grad, []int{b, h * f, w * f, ch}); err != nil {
		return nil, fmt.Errorf("%s: %v", u.name, err)
	}
	dx, err := tensor.Zeros(u.inShape)
	if err != nil {
		return nil, err
	}
	for n := 0; n < b; n++ {
		for y := 0; y < h*f; y++ {
			for xx := 0; xx < w*f; xx++ {
				src := ((n*h*f+y)*w*f + xx) * ch
				dst := ((n*h+y/f)*w + xx/f) * ch
				for c := 0; c < ch; c++ {
					dx.Data[dst+c] += grad.Data[src+c]
				}
			}
		}
	}
	return dx, nil
}
