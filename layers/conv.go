package layers

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-yolo/tensor"
)

// Conv2DLayer is an NHWC convolution computed as an im2col matrix product.
// The weight is laid out [k, k, inC, outC], which makes it the
// [k*k*inC, outC] right-hand operand directly.
type Conv2DLayer struct {
	name            string
	inC, outC       int
	kernel          int
	stride, padding int
	weight, bias    *Parameter

	// forward cache for Backward
	inShape    []int
	cols       *mat.Dense
	outH, outW int
}

// NewConv2D creates a convolution with He-initialised weights and zero bias.
func NewConv2D(name string, inC, outC, kernel, stride, padding int, useBias bool, rng *rand.Rand) (*Conv2DLayer, error) {
	if inC <= 0 || outC <= 0 || kernel <= 0 || stride <= 0 || padding < 0 {
		return nil, fmt.Errorf("invalid conv %s: in %d out %d kernel %d stride %d padding %d", name, inC, outC, kernel, stride, padding)
	}
	w, err := heNormal([]int{kernel, kernel, inC, outC}, kernel*kernel*inC, rng)
	if err != nil {
		return nil, err
	}
	c := &Conv2DLayer{
		name: name, inC: inC, outC: outC, kernel: kernel, stride: stride, padding: padding,
		weight: NewParameter(name+".weight", w),
	}
	if useBias {
		b, err := tensor.Zeros([]int{outC})
		if err != nil {
			return nil, err
		}
		c.bias = NewParameter(name+".bias", b)
	}
	return c, nil
}

func (c *Conv2DLayer) Name() string { return c.name }

func (c *Conv2DLayer) Parameters() []*Parameter {
	if c.bias == nil {
		return []*Parameter{c.weight}
	}
	return []*Parameter{c.weight, c.bias}
}

// Forward convolves x [B, H, W, inC] into [B, H', W', outC].
func (c *Conv2DLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 || x.Shape[3] != c.inC {
		return nil, fmt.Errorf("%s: expected [B, H, W, %d] input, got %v", c.name, c.inC, x.Shape)
	}
	b, h, w := x.Shape[0], x.Shape[1], x.Shape[2]
	k, s, p := c.kernel, c.stride, c.padding
	oh := (h+2*p-k)/s + 1
	ow := (w+2*p-k)/s + 1
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("%s: kernel %d does not fit input %dx%d", c.name, k, h, w)
	}

	rows, width := b*oh*ow, k*k*c.inC
	colData := make([]float64, rows*width)
	for n := 0; n < b; n++ {
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				row := ((n*oh+oy)*ow + ox) * width
				for ky := 0; ky < k; ky++ {
					iy := oy*s - p + ky
					if iy < 0 || iy >= h {
						continue
					}
					for kx := 0; kx < k; kx++ {
						ix := ox*s - p + kx
						if ix < 0 || ix >= w {
							continue
						}
						src := ((n*h+iy)*w + ix) * c.inC
						dst := row + (ky*k+kx)*c.inC
						for ci := 0; ci < c.inC; ci++ {
							colData[dst+ci] = float64(x.Data[src+ci])
						}
					}
				}
			}
		}
	}

	cols := mat.NewDense(rows, width, colData)
	var prod mat.Dense
	prod.Mul(cols, c.weightMatrix())

	out, err := tensor.Zeros([]int{b, oh, ow, c.outC})
	if err != nil {
		return nil, err
	}
	for r := 0; r < rows; r++ {
		dst := out.Data[r*c.outC : (r+1)*c.outC]
		for o := range dst {
			dst[o] = float32(prod.At(r, o))
		}
		if c.bias != nil {
			for o := range dst {
				dst[o] += c.bias.Value.Data[o]
			}
		}
	}

	c.inShape = append(c.inShape[:0], x.Shape...)
	c.cols = cols
	c.outH, c.outW = oh, ow
	return out, nil
}

// Backward accumulates parameter gradients, unless frozen, and returns the
// gradient with respect to the last Forward input.
func (c *Conv2DLayer) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if c.cols == nil {
		return nil, fmt.Errorf("%s: Backward called before Forward", c.name)
	}
	b := c.inShape[0]
	if err := tensor.CheckShape(grad, []int{b, c.outH, c.outW, c.outC}); err != nil {
		return nil, fmt.Errorf("%s: %v", c.name, err)
	}

	rows := b * c.outH * c.outW
	gData := make([]float64, len(grad.Data))
	for i, v := range grad.Data {
		gData[i] = float64(v)
	}
	g := mat.NewDense(rows, c.outC, gData)

	if !c.weight.Frozen {
		var dW mat.Dense
		dW.Mul(c.cols.T(), g)
		width := c.kernel * c.kernel * c.inC
		for i := 0; i < width; i++ {
			for o := 0; o < c.outC; o++ {
				c.weight.Grad.Data[i*c.outC+o] += float32(dW.At(i, o))
			}
		}
	}
	if c.bias != nil && !c.bias.Frozen {
		for r := 0; r < rows; r++ {
			for o := 0; o < c.outC; o++ {
				c.bias.Grad.Data[o] += grad.Data[r*c.outC+o]
			}
		}
	}

	var dCols mat.Dense
	dCols.Mul(g, c.weightMatrix().T())

	dx, err := tensor.Zeros(c.inShape)
	if err != nil {
		return nil, err
	}
	h, w := c.inShape[1], c.inShape[2]
	k, s, p := c.kernel, c.stride, c.padding
	for n := 0; n < b; n++ {
		for oy := 0; oy < c.outH; oy++ {
			for ox := 0; ox < c.outW; ox++ {
				row := (n*c.outH+oy)*c.outW + ox
				for ky := 0; ky < k; ky++ {
					iy := oy*s - p + ky
					if iy < 0 || iy >= h {
						continue
					}
					for kx := 0; kx < k; kx++ {
						ix := ox*s - p + kx
						if ix < 0 || ix >= w {
							continue
						}
						dst := ((n*h+iy)*w + ix) * c.inC
						col := (ky*k + kx) * c.inC
						for ci := 0; ci < c.inC; ci++ {
							dx.Data[dst+ci] += float32(dCols.At(row, col+ci))
						}
					}
				}
			}
		}
	}
	return dx, nil
}

func (c *Conv2DLayer) weightMatrix() *mat.Dense {
	width := c.kernel * c.kernel * c.inC
	data := make([]float64, width*c.outC)
	for i, v := range c.weight.Value.Data {
		data[i] = float64(v)
	}
	return mat.NewDense(width, c.outC, data)
}
