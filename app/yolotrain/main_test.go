package main

import (
	"strings"
	"testing"

	"github.com/tsawler/go-yolo/config"
	"github.com/tsawler/go-yolo/vision/preprocessing"
)

func TestPhaseTable(t *testing.T) {
	phases, err := config.Default().Curriculum.Phases()
	if err != nil {
		t.Fatalf("Failed to generate phases: %v", err)
	}
	out := phaseTable(phases)
	for _, want := range []string{"608", "[19 38 76]", "211-260", "260", "frozen"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected table to contain %q:\n%s", want, out)
		}
	}
	if n := strings.Count(out, "\n"); n < len(phases) {
		t.Errorf("Expected a row per phase, got %d lines", n)
	}
}

func TestSourceFactoryWithoutDataset(t *testing.T) {
	if f := sourceFactory(nil, preprocessing.DefaultOptions(), nil); f != nil {
		t.Error("Expected no factory without a dataset")
	}
}
