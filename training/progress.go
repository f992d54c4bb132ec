package training

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/tsawler/go-yolo/layers"
)

// ProgressBar provides PyTorch-style training progress visualization
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	showRate    bool
	showETA     bool
	metrics     map[string]float64
}

// NewProgressBar creates a progress bar drawing on out
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40,
		showRate:    true,
		showETA:     true,
		metrics:     make(map[string]float64),
	}
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	pb.metrics = metrics
	pb.render()
}

// UpdateMetrics updates metrics without advancing progress
func (pb *ProgressBar) UpdateMetrics(metrics map[string]float64) {
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

// render draws the progress bar
func (pb *ProgressBar) render() {
	fmt.Fprint(pb.out, pb.line())
}

func (pb *ProgressBar) line() string {
	percentage := 1.0
	if pb.total > 0 {
		percentage = min(float64(pb.current)/float64(pb.total), 1)
	}
	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	var rate float64
	if pb.current > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		if percentage > 0 {
			eta = time.Duration(float64(elapsed)/percentage) - elapsed
		}
	}

	line := fmt.Sprintf("\r%s: %3.0f%%|%s| %d/%d", pb.description, percentage*100, bar, pb.current, pb.total)
	if pb.showETA && eta > 0 {
		line += fmt.Sprintf(" [%s<%s", formatDuration(elapsed), formatDuration(eta))
	} else {
		line += fmt.Sprintf(" [%s<00:00", formatDuration(elapsed))
	}
	if pb.showRate && rate > 0 {
		line += fmt.Sprintf(", %.2fbatch/s", rate)
	}

	// sorted so that consecutive redraws line up
	for _, key := range slices.Sorted(maps.Keys(pb.metrics)) {
		value := pb.metrics[key]
		if key == "lr" {
			line += fmt.Sprintf(", %s=%.2e", key, value)
		} else {
			line += fmt.Sprintf(", %s=%.4f", key, value)
		}
	}
	return line + "]"
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// ModelArchitecturePrinter prints PyTorch-style model architecture
type ModelArchitecturePrinter struct {
	modelName string
}

// NewModelArchitecturePrinter creates a new model architecture printer
func NewModelArchitecturePrinter(modelName string) *ModelArchitecturePrinter {
	return &ModelArchitecturePrinter{modelName: modelName}
}

// PrintArchitecture writes every component spec, in name order, followed by
// the parameter totals.
func (p *ModelArchitecturePrinter) PrintArchitecture(out io.Writer, specs map[string]*layers.ModelSpec) {
	fmt.Fprintf(out, "%s(\n", p.modelName)
	var total int64
	for _, name := range slices.Sorted(maps.Keys(specs)) {
		spec := specs[name]
		fmt.Fprintf(out, "  (%s): %v -> %v\n", name, spec.InputShape, spec.OutputShape)
		for i, layer := range spec.Layers {
			fmt.Fprintf(out, "    %s\n", p.formatLayer(layer, i))
		}
		total += spec.TotalParameters
	}
	fmt.Fprintf(out, ")\n")
	fmt.Fprintf(out, "Total parameters: %s\n", formatParameterCount(total))
	fmt.Fprintf(out, "Params size (MB): %.3f\n", float64(total*4)/1024/1024)
}

// formatLayer formats a single layer for display
func (p *ModelArchitecturePrinter) formatLayer(layer layers.LayerSpec, index int) string {
	switch layer.Type {
	case layers.Conv2D:
		return p.formatConv2D(layer)
	case layers.LeakyReLU:
		return fmt.Sprintf("(%s): LeakyReLU(negative_slope=%v)", layer.Name, layer.Parameters["negative_slope"])
	case layers.MaxPool2D:
		return fmt.Sprintf("(%s): MaxPool2d(kernel_size=%d, stride=%d)",
			layer.Name, intParam(layer, "pool_size"), intParam(layer, "stride"))
	case layers.Upsample2D:
		return fmt.Sprintf("(%s): Upsample(scale_factor=%d, mode=nearest)", layer.Name, intParam(layer, "factor"))
	case layers.YOLOOutput:
		return fmt.Sprintf("(%s): YOLOOutput(anchors=%d, classes=%d, grid=%dx%d)", layer.Name,
			intParam(layer, "anchors"), intParam(layer, "num_classes"), intParam(layer, "grid_h"), intParam(layer, "grid_w"))
	default:
		return fmt.Sprintf("(%s): %s()", layer.Name, layer.Type.String())
	}
}

// formatConv2D formats a Conv2D layer
func (p *ModelArchitecturePrinter) formatConv2D(layer layers.LayerSpec) string {
	k := intParam(layer, "kernel_size")
	s := intParam(layer, "stride")
	pad := intParam(layer, "padding")
	useBias, _ := layer.Parameters["use_bias"].(bool)
	return fmt.Sprintf("(%s): Conv2d(%d, %d, kernel_size=(%d, %d), stride=(%d, %d), padding=(%d, %d), bias=%t)",
		layer.Name, intParam(layer, "input_channels"), intParam(layer, "output_channels"), k, k, s, s, pad, pad, useBias)
}

// intParam reads an integer layer parameter, which is a float64 after a
// JSON round trip.
func intParam(layer layers.LayerSpec, key string) int {
	switch v := layer.Parameters[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// formatParameterCount formats parameter count with K/M suffixes
func formatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}
