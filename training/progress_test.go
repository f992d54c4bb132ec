package training

import (
	"bytes"
	"strings"
	"testing"

	"github.com/tsawler/go-yolo/layers"
)

func TestProgressBar(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBar(&buf, "Epoch 1/10", 4)
	for i := 1; i <= 4; i++ {
		pb.Update(i, map[string]float64{"loss": 1.0 / float64(i), "lr": 1e-3})
	}
	pb.Finish()

	out := buf.String()
	if !strings.Contains(out, "Epoch 1/10: 100%") {
		t.Errorf("Expected a completed bar, got %q", out)
	}
	if !strings.Contains(out, "4/4") {
		t.Errorf("Expected step count 4/4, got %q", out)
	}
	// keys are rendered in sorted order
	last := out[strings.LastIndex(out, "\r"):]
	if strings.Index(last, "loss=") > strings.Index(last, "lr=") {
		t.Errorf("Expected metrics in sorted order, got %q", last)
	}
	if !strings.HasSuffix(out, "]\n") {
		t.Errorf("Expected Finish to end the line, got %q", out)
	}
}

func TestProgressBarEmpty(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBar(&buf, "Validation", 0)
	pb.Finish()
	if !strings.Contains(buf.String(), "100%") {
		t.Errorf("Expected an empty bar to render as complete, got %q", buf.String())
	}
}

func TestModelArchitecturePrinting(t *testing.T) {
	spec, err := layers.NewModelBuilder([]int{1, 64, 64, 3}).
		AddSameConv2D(8, 3, "conv1").
		AddLeakyReLU(0.1, "leaky1").
		AddMaxPool2D(2, 2, "pool1").
		AddUpsample2D(2, "up1").
		AddConv2D(3*(5+2), 1, 1, 0, true, "out").
		AddYOLOOutput(3, 2, "yolo").
		Compile()
	if err != nil {
		t.Fatalf("Failed to compile test model: %v", err)
	}

	var buf bytes.Buffer
	NewModelArchitecturePrinter("Detector").PrintArchitecture(&buf, map[string]*layers.ModelSpec{"head/0": spec})
	out := buf.String()

	for _, want := range []string{
		"Detector(",
		"(conv1): Conv2d(3, 8, kernel_size=(3, 3), stride=(1, 1), padding=(1, 1), bias=true)",
		"(leaky1): LeakyReLU(negative_slope=0.1)",
		"(pool1): MaxPool2d(kernel_size=2, stride=2)",
		"(up1): Upsample(scale_factor=2, mode=nearest)",
		"(yolo): YOLOOutput(anchors=3, classes=2, grid=64x64)",
		"Total parameters:",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected output to contain %q, got:\n%s", want, out)
		}
	}
}

func TestFormatParameterCount(t *testing.T) {
	tests := []struct {
		count int64
		want  string
	}{
		{999, "999"},
		{1500, "1.5K"},
		{61_500_000, "61.5M"},
	}
	for _, tt := range tests {
		if got := formatParameterCount(tt.count); got != tt.want {
			t.Errorf("formatParameterCount(%d): expected %s, got %s", tt.count, tt.want, got)
		}
	}
}
