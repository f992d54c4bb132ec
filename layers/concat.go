package layers

import (
	"fmt"

	"github.com/tsawler/go-yolo/tensor"
)

// ConcatChannels joins NHWC tensors with equal batch and spatial size along
// the channel axis.
func ConcatChannels(xs ...*tensor.Tensor) (*tensor.Tensor, error) {
	if len(xs) == 0 {
		return nil, fmt.Errorf("nothing to concatenate")
	}
	b, h, w := xs[0].Shape[0], xs[0].Shape[1], xs[0].Shape[2]
	total := 0
	for i, x := range xs {
		if len(x.Shape) != 4 || x.Shape[0] != b || x.Shape[1] != h || x.Shape[2] != w {
			return nil, fmt.Errorf("input %d has shape %v, expected [%d %d %d C]", i, x.Shape, b, h, w)
		}
		total += x.Shape[3]
	}

	out, err := tensor.Zeros([]int{b, h, w, total})
	if err != nil {
		return nil, err
	}
	pixels := b * h * w
	for p := 0; p < pixels; p++ {
		off := p * total
		for _, x := range xs {
			ch := x.Shape[3]
			off += copy(out.Data[off:off+ch], x.Data[p*ch:(p+1)*ch])
		}
	}
	return out, nil
}

// SplitChannels is the inverse of ConcatChannels, used to route gradients
// back to each input.
func SplitChannels(x *tensor.Tensor, channels []int) ([]*tensor.Tensor, error) {
	total := 0
	for _, c := range channels {
		total += c
	}
	if len(x.Shape) != 4 || x.Shape[3] != total {
		return nil, fmt.Errorf("cannot split shape %v into channels %v", x.Shape, channels)
	}
	b, h, w := x.Shape[0], x.Shape[1], x.Shape[2]
	outs := make([]*tensor.Tensor, len(channels))
	for i, c := range channels {
		t, err := tensor.Zeros([]int{b, h, w, c})
		if err != nil {
			return nil, err
		}
		outs[i] = t
	}
	pixels := b * h * w
	for p := 0; p < pixels; p++ {
		off := p * total
		for i, c := range channels {
			copy(outs[i].Data[p*c:(p+1)*c], x.Data[off:off+c])
			off += c
		}
	}
	return outs, nil
}
