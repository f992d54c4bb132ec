package dataset

import (
	"fmt"
	"image"
	"math/rand"
	"strings"

	"github.com/tsawler/go-yolo/codec"
)

// Example is one annotated image. Either Path or Image is set; boxes are in
// normalised image coordinates.
type Example struct {
	Path  string
	Image image.Image
	Boxes []codec.GroundTruth
}

// Dataset is an indexed collection of annotated images.
type Dataset interface {
	Len() int
	Example(index int) (Example, error)
	ClassNames() []string
}

// MemoryDataset holds examples in memory.
type MemoryDataset struct {
	examples   []Example
	classNames []string
}

// NewMemoryDataset creates a dataset over the given examples.
func NewMemoryDataset(examples []Example, classNames []string) *MemoryDataset {
	return &MemoryDataset{examples: examples, classNames: classNames}
}

// Len returns the number of items in the dataset
func (d *MemoryDataset) Len() int {
	return len(d.examples)
}

// Example returns the example at the given index
func (d *MemoryDataset) Example(index int) (Example, error) {
	if index < 0 || index >= len(d.examples) {
		return Example{}, fmt.Errorf("index %d out of range [0, %d)", index, len(d.examples))
	}
	return d.examples[index], nil
}

// ClassNames returns the list of class names
func (d *MemoryDataset) ClassNames() []string {
	return d.classNames
}

// Split divides a dataset into train and validation parts. The permutation
// depends only on seed.
func Split(d Dataset, trainRatio float64, seed int64) (*SubsetDataset, *SubsetDataset) {
	n := d.Len()
	trainSize := int(float64(n) * trainRatio)
	indices := rand.New(rand.NewSource(seed)).Perm(n)
	return Subset(d, indices[:trainSize]), Subset(d, indices[trainSize:])
}

// SubsetDataset is a view of another dataset restricted to some indices
type SubsetDataset struct {
	parent  Dataset
	indices []int
}

// Subset creates a subset of the dataset with the specified indices
func Subset(d Dataset, indices []int) *SubsetDataset {
	return &SubsetDataset{parent: d, indices: append([]int(nil), indices...)}
}

func (s *SubsetDataset) Len() int { return len(s.indices) }

func (s *SubsetDataset) Example(index int) (Example, error) {
	if index < 0 || index >= len(s.indices) {
		return Example{}, fmt.Errorf("index %d out of range [0, %d)", index, len(s.indices))
	}
	return s.parent.Example(s.indices[index])
}

func (s *SubsetDataset) ClassNames() []string { return s.parent.ClassNames() }

// ClassDistribution returns the number of boxes per class
func ClassDistribution(d Dataset) (map[int]int, error) {
	dist := make(map[int]int)
	for i := 0; i < d.Len(); i++ {
		ex, err := d.Example(i)
		if err != nil {
			return nil, err
		}
		for _, b := range ex.Boxes {
			dist[b.ClassID]++
		}
	}
	return dist, nil
}

// Describe returns a string representation of the dataset
func Describe(d Dataset) string {
	var sb strings.Builder
	names := d.ClassNames()
	sb.WriteString(fmt.Sprintf("%d images, %d classes\n", d.Len(), len(names)))

	dist, err := ClassDistribution(d)
	if err != nil {
		sb.WriteString(fmt.Sprintf("  unreadable: %v\n", err))
		return sb.String()
	}
	sb.WriteString("Box distribution:\n")
	for i, name := range names {
		sb.WriteString(fmt.Sprintf("  %s: %d boxes\n", name, dist[i]))
	}
	return sb.String()
}
