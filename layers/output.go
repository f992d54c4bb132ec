package layers

import (
	"fmt"

	"github.com/tsawler/go-yolo/tensor"
)

// YOLOOutputLayer reshapes a head's final convolution into per-anchor
// prediction vectors. The grid size is fixed when the layer is configured
// and is checked against every input.
type YOLOOutputLayer struct {
	name         string
	anchors      int
	depth        int
	gridH, gridW int
}

func NewYOLOOutput(name string, anchors, numClasses, gridH, gridW int) *YOLOOutputLayer {
	return &YOLOOutputLayer{name: name, anchors: anchors, depth: 5 + numClasses, gridH: gridH, gridW: gridW}
}

func (y *YOLOOutputLayer) Name() string             { return y.name }
func (y *YOLOOutputLayer) Parameters() []*Parameter { return nil }

// Grid returns the lattice size the layer was compiled for.
func (y *YOLOOutputLayer) Grid() (int, int) { return y.gridH, y.gridW }

func (y *YOLOOutputLayer) configure(spec LayerSpec) {
	y.gridH = getIntParam(spec.Parameters, "grid_h", y.gridH)
	y.gridW = getIntParam(spec.Parameters, "grid_w", y.gridW)
}

// Forward returns a [B, gh, gw, A, 5+C] view sharing x's data.
func (y *YOLOOutputLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 || x.Shape[1] != y.gridH || x.Shape[2] != y.gridW || x.Shape[3] != y.anchors*y.depth {
		return nil, fmt.Errorf("%s: expected [B %d %d %d], got %v", y.name, y.gridH, y.gridW, y.anchors*y.depth, x.Shape)
	}
	return x.Reshape([]int{x.Shape[0], y.gridH, y.gridW, y.anchors, y.depth})
}

func (y *YOLOOutputLayer) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if len(grad.Shape) != 5 {
		return nil, fmt.Errorf("%s: expected 5D gradient, got %v", y.name, grad.Shape)
	}
	return grad.Reshape([]int{grad.Shape[0], y.gridH, y.gridW, y.anchors * y.depth})
}
