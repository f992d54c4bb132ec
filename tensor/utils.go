package tensor

import (
	"fmt"
)

// Reshape returns a view sharing t's data with a new shape. One dimension may
// be -1 and is inferred.
func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	shape := make([]int, len(newShape))
	copy(shape, newShape)

	newNumElems := 1
	negOneIdx := -1
	for i, dim := range shape {
		switch {
		case dim == -1:
			if negOneIdx >= 0 {
				return nil, fmt.Errorf("only one dimension can be -1")
			}
			negOneIdx = i
		case dim <= 0:
			return nil, fmt.Errorf("dimension %d has invalid size %d", i, dim)
		default:
			newNumElems *= dim
		}
	}

	if negOneIdx >= 0 {
		if t.NumElems%newNumElems != 0 {
			return nil, fmt.Errorf("cannot reshape tensor of size %d into shape with -1: size must be divisible by %d", t.NumElems, newNumElems)
		}
		shape[negOneIdx] = t.NumElems / newNumElems
		newNumElems *= shape[negOneIdx]
	}

	if newNumElems != t.NumElems {
		return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v (size %d)", t.NumElems, shape, newNumElems)
	}

	return &Tensor{
		Shape:    shape,
		Strides:  calculateStrides(shape),
		Data:     t.Data,
		NumElems: t.NumElems,
	}, nil
}

func (t *Tensor) Clone() *Tensor {
	clone := ZerosLike(t)
	copy(clone.Data, t.Data)
	return clone
}

// Offset returns the linear index of the element at indices.
func (t *Tensor) Offset(indices ...int) (int, error) {
	if len(indices) != len(t.Shape) {
		return 0, fmt.Errorf("expected %d indices, got %d", len(t.Shape), len(indices))
	}
	offset := 0
	for i, idx := range indices {
		if idx < 0 || idx >= t.Shape[i] {
			return 0, fmt.Errorf("index %d out of bounds for dimension %d (size %d)", idx, i, t.Shape[i])
		}
		offset += idx * t.Strides[i]
	}
	return offset, nil
}

func (t *Tensor) At(indices ...int) (float32, error) {
	offset, err := t.Offset(indices...)
	if err != nil {
		return 0, err
	}
	return t.Data[offset], nil
}

func (t *Tensor) SetAt(value float32, indices ...int) error {
	offset, err := t.Offset(indices...)
	if err != nil {
		return err
	}
	t.Data[offset] = value
	return nil
}

func (t *Tensor) Dim() int {
	return len(t.Shape)
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *Tensor) bool {
	if len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}

// CheckShape returns an error unless t has exactly the expected shape.
func CheckShape(t *Tensor, expected []int) error {
	if t == nil {
		return fmt.Errorf("nil tensor, expected shape %v", expected)
	}
	if len(t.Shape) != len(expected) {
		return fmt.Errorf("shape %v does not match expected %v", t.Shape, expected)
	}
	for i := range expected {
		if t.Shape[i] != expected[i] {
			return fmt.Errorf("shape %v does not match expected %v", t.Shape, expected)
		}
	}
	return nil
}

// Fill sets every element of t to value.
func (t *Tensor) Fill(value float32) {
	for i := range t.Data {
		t.Data[i] = value
	}
}
