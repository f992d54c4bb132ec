package layers

import (
	"fmt"

	"github.com/tsawler/go-yolo/tensor"
)

// MaxPool2DLayer takes the maximum over size×size windows of an NHWC tensor.
type MaxPool2DLayer struct {
	name         string
	size, stride int

	inShape []int
	argmax  []int
}

func NewMaxPool2D(name string, size, stride int) *MaxPool2DLayer {
	return &MaxPool2DLayer{name: name, size: size, stride: stride}
}

func (m *MaxPool2DLayer) Name() string             { return m.name }
func (m *MaxPool2DLayer) Parameters() []*Parameter { return nil }

func (m *MaxPool2DLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("%s: expected NHWC input, got %v", m.name, x.Shape)
	}
	b, h, w, ch := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	oh := (h-m.size)/m.stride + 1
	ow := (w-m.size)/m.stride + 1
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("%s: pool %d does not fit input %dx%d", m.name, m.size, h, w)
	}

	out, err := tensor.Zeros([]int{b, oh, ow, ch})
	if err != nil {
		return nil, err
	}
	m.argmax = make([]int, len(out.Data))
	for n := 0; n < b; n++ {
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				for c := 0; c < ch; c++ {
					best := -1
					for ky := 0; ky < m.size; ky++ {
						for kx := 0; kx < m.size; kx++ {
							idx := ((n*h+oy*m.stride+ky)*w+ox*m.stride+kx)*ch + c
							if best < 0 || x.Data[idx] > x.Data[best] {
								best = idx
							}
						}
					}
					o := ((n*oh+oy)*ow+ox)*ch + c
					out.Data[o] = x.Data[best]
					m.argmax[o] = best
				}
			}
		}
	}
	m.inShape = append(m.inShape[:0], x.Shape...)
	return out, nil
}

func (m *MaxPool2DLayer) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if m.argmax == nil {
		return nil, fmt.Errorf("%s: Backward called before Forward", m.name)
	}
	if len(grad.Data) != len(m.argmax) {
		return nil, fmt.Errorf("%s: gradient has %d elements, expected %d", m.name, len(grad.Data), len(m.argmax))
	}
	dx, err := tensor.Zeros(m.inShape)
	if err != nil {
		return nil, err
	}
	for o, g := range grad.Data {
		dx.Data[m.argmax[o]] += g
	}
	return dx, nil
}
