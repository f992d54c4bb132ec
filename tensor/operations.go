package tensor

import (
	"fmt"
)

func checkShapesCompatible(shape1, shape2 []int) error {
	if len(shape1) == 0 || len(shape2) == 0 {
		return fmt.Errorf("cannot operate on empty tensors")
	}
	if len(shape1) != len(shape2) {
		return fmt.Errorf("tensor shapes must have same number of dimensions: %v vs %v", shape1, shape2)
	}
	for i := range shape1 {
		if shape1[i] != shape2[i] {
			return fmt.Errorf("tensor shapes must match: %v vs %v", shape1, shape2)
		}
	}
	return nil
}

// AddInPlace adds src to dst element by element. Gradients flowing into the
// same tensor from several branches are summed this way.
func AddInPlace(dst, src *Tensor) error {
	if err := checkShapesCompatible(dst.Shape, src.Shape); err != nil {
		return err
	}
	for i, v := range src.Data {
		dst.Data[i] += v
	}
	return nil
}
