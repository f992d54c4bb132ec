package dataset

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-yolo/codec"
)

// ClassesFile lists one class name per line in the dataset root.
const ClassesFile = "classes.txt"

// YOLOFolderDataset reads images with Darknet style label files: for each
// image "x.jpg" a sibling "x.txt" holds lines "class cx cy w h" in
// normalised coordinates. Images without a label file have no objects.
type YOLOFolderDataset struct {
	imagePaths []string
	labels     [][]codec.GroundTruth
	classNames []string
}

// NewYOLOFolderDataset scans root recursively for images with the given
// extensions.
func NewYOLOFolderDataset(root string, extensions []string) (*YOLOFolderDataset, error) {
	if len(extensions) == 0 {
		extensions = []string{".jpg", ".jpeg", ".png", ".bmp"}
	}

	dataset := &YOLOFolderDataset{}
	names, err := readClassNames(filepath.Join(root, ClassesFile))
	if err != nil {
		return nil, err
	}
	dataset.classNames = names

	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !slices.Contains(extensions, strings.ToLower(filepath.Ext(path))) {
			return nil
		}
		boxes, err := readLabelFile(strings.TrimSuffix(path, filepath.Ext(path)) + ".txt")
		if err != nil {
			return err
		}
		dataset.imagePaths = append(dataset.imagePaths, path)
		dataset.labels = append(dataset.labels, boxes)
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to scan %s", root)
	}
	if len(dataset.imagePaths) == 0 {
		return nil, errors.Errorf("no images found in %s", root)
	}
	return dataset, nil
}

// Len returns the number of items in the dataset
func (d *YOLOFolderDataset) Len() int {
	return len(d.imagePaths)
}

// Example returns the image path and boxes at the given index
func (d *YOLOFolderDataset) Example(index int) (Example, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return Example{}, errors.Errorf("index %d out of range [0, %d)", index, len(d.imagePaths))
	}
	return Example{Path: d.imagePaths[index], Boxes: d.labels[index]}, nil
}

// NumClasses returns the number of classes
func (d *YOLOFolderDataset) NumClasses() int {
	return len(d.classNames)
}

// ClassNames returns the list of class names
func (d *YOLOFolderDataset) ClassNames() []string {
	return d.classNames
}

func readClassNames(path string) ([]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to open class names")
	}
	defer f.Close()

	var names []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if name := strings.TrimSpace(scanner.Text()); name != "" {
			names = append(names, name)
		}
	}
	return names, errors.Wrap(scanner.Err(), "failed to read class names")
}

func readLabelFile(path string) ([]codec.GroundTruth, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to open labels")
	}
	defer f.Close()
	boxes, err := ParseLabels(f)
	return boxes, errors.Wrap(err, path)
}

// ParseLabels reads "class cx cy w h" lines. Blank lines and lines starting
// with '#' are ignored. Values are not range-checked here; invalid boxes are
// skipped later during target assignment.
func ParseLabels(r io.Reader) ([]codec.GroundTruth, error) {
	var boxes []codec.GroundTruth
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 5 {
			return nil, errors.Errorf("line %d: expected 5 fields, got %d", line, len(fields))
		}
		class, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, errors.Wrapf(err, "line %d: class", line)
		}
		var v [4]float32
		for i := range v {
			f, err := strconv.ParseFloat(fields[i+1], 32)
			if err != nil {
				return nil, errors.Wrapf(err, "line %d: field %d", line, i+2)
			}
			v[i] = float32(f)
		}
		boxes = append(boxes, codec.GroundTruth{CenterX: v[0], CenterY: v[1], Width: v[2], Height: v[3], ClassID: class})
	}
	return boxes, scanner.Err()
}
