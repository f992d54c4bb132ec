package checkpoints

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tsawler/go-yolo/layers"
)

func testModel(t *testing.T, prefix string) (*layers.ModelSpec, []*layers.Parameter) {
	t.Helper()
	spec, err := layers.NewModelBuilder([]int{1, 8, 8, 3}).
		AddSameConv2D(4, 3, prefix+"conv1").
		AddLeakyReLU(0.1, prefix+"leaky1").
		AddConv2D(2, 1, 1, 0, true, prefix+"conv2").
		Compile()
	if err != nil {
		t.Fatalf("Failed to create test model: %v", err)
	}
	model, err := layers.Build(spec, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("Failed to build test model: %v", err)
	}
	return spec, model.Parameters()
}

func testCheckpoint(t *testing.T) *Checkpoint {
	spec, params := testModel(t, "backbone/")
	return &Checkpoint{
		ModelSpecs: map[string]*layers.ModelSpec{"backbone": spec},
		Weights:    ExtractWeights(params),
		TrainingState: TrainingState{
			Epoch:        12,
			Step:         340,
			Phase:        2,
			ImageScale:   384,
			LearningRate: 0.001,
			BestLoss:     3.25,
			TotalSteps:   4000,
		},
		OptimizerState: &OptimizerState{
			Type:       "Adam",
			Parameters: map[string]interface{}{"learning_rate": 0.001, "step_count": 340.0},
			StateData: []OptimizerTensor{
				{Name: "backbone/conv2.bias", Shape: []int{2}, Data: []float32{0.5, -0.25}, StateType: "momentum"},
			},
		},
		Metadata: CheckpointMetadata{
			RunID:       NewRunID(),
			Version:     Version,
			Framework:   "go-yolo",
			CreatedAt:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
			Description: "Test checkpoint",
			Tags:        []string{"test", "curriculum"},
		},
	}
}

func TestCheckpointSaveLoad(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatJSON, FormatBinary} {
		t.Run(format.String(), func(t *testing.T) {
			checkpoint := testCheckpoint(t)
			saver := NewCheckpointSaver(format)
			path := filepath.Join(t.TempDir(), "nested", "model"+format.Extension())

			if err := saver.SaveCheckpoint(checkpoint, path); err != nil {
				t.Fatalf("Failed to save checkpoint: %v", err)
			}
			if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
				t.Errorf("Expected temporary file to be renamed away, stat err %v", err)
			}

			loaded, err := saver.LoadCheckpoint(path)
			if err != nil {
				t.Fatalf("Failed to load checkpoint: %v", err)
			}

			if diff := cmp.Diff(checkpoint.Weights, loaded.Weights); diff != "" {
				t.Errorf("Weights mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(checkpoint.TrainingState, loaded.TrainingState); diff != "" {
				t.Errorf("Training state mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(checkpoint.OptimizerState, loaded.OptimizerState); diff != "" {
				t.Errorf("Optimizer state mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(checkpoint.Metadata, loaded.Metadata, cmpopts.EquateApproxTime(0)); diff != "" {
				t.Errorf("Metadata mismatch (-want +got):\n%s", diff)
			}
			spec := loaded.ModelSpecs["backbone"]
			if spec == nil || len(spec.Layers) != 3 || spec.TotalParameters != checkpoint.ModelSpecs["backbone"].TotalParameters {
				t.Errorf("Expected backbone spec with 3 layers to survive, got %+v", spec)
			}
		})
	}
}

func TestSaveFillsMetadata(t *testing.T) {
	checkpoint := &Checkpoint{}
	path := filepath.Join(t.TempDir(), "empty.json")
	if err := NewCheckpointSaver(FormatJSON).SaveCheckpoint(checkpoint, path); err != nil {
		t.Fatalf("Failed to save checkpoint: %v", err)
	}
	if checkpoint.Metadata.Framework != "go-yolo" || checkpoint.Metadata.Version != Version {
		t.Errorf("Expected framework metadata, got %+v", checkpoint.Metadata)
	}
	if checkpoint.Metadata.RunID == "" || checkpoint.Metadata.CreatedAt.IsZero() {
		t.Errorf("Expected run id and creation time, got %+v", checkpoint.Metadata)
	}
}

func TestBinaryRejectsForeignData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.ckpt")
	if err := os.WriteFile(path, []byte(`{"weights": []}`), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	if _, err := NewCheckpointSaver(FormatBinary).LoadCheckpoint(path); !errors.Is(err, errBadMagic) {
		t.Errorf("Expected bad magic error, got %v", err)
	}

	t.Run("truncated", func(t *testing.T) {
		data, err := marshalBinary(testCheckpoint(t))
		if err != nil {
			t.Fatalf("Failed to marshal: %v", err)
		}
		var c Checkpoint
		if err := unmarshalBinary(data[:len(data)-7], &c); err == nil {
			t.Error("Expected error for truncated checkpoint")
		}
	})
}

func TestCheckpointFormat(t *testing.T) {
	tests := []struct {
		format   CheckpointFormat
		expected string
	}{
		{FormatJSON, "JSON"},
		{FormatBinary, "Binary"},
		{CheckpointFormat(999), "Unknown"},
	}
	for _, test := range tests {
		if result := test.format.String(); result != test.expected {
			t.Errorf("Format %d: expected %s, got %s", test.format, test.expected, result)
		}
	}

	if f, err := ParseFormat("binary"); err != nil || f != FormatBinary {
		t.Errorf("Expected binary format, got %v %v", f, err)
	}
	if _, err := ParseFormat("onnx"); err == nil {
		t.Error("Expected error for unknown format")
	}
	if FormatForPath("a/best-model-ep007.ckpt") != FormatBinary || FormatForPath("x.json") != FormatJSON {
		t.Error("Expected format to follow the file extension")
	}
	if _, err := NewCheckpointSaver(CheckpointFormat(7)).LoadCheckpoint("missing"); err == nil {
		t.Error("Expected error loading a missing file")
	}
}

func TestExtractWeights(t *testing.T) {
	_, params := testModel(t, "")
	weights := ExtractWeights(params)
	if len(weights) != len(params) {
		t.Fatalf("Expected %d weights, got %d", len(params), len(weights))
	}
	if weights[0].Name != "conv1.weight" || weights[0].Layer != "conv1" || weights[0].Type != "weight" {
		t.Errorf("Expected conv1.weight, got %+v", weights[0])
	}

	// Extracted data must be a copy.
	weights[0].Data[0] = 42
	if params[0].Value.Data[0] == 42 {
		t.Error("Expected extracted weights to be copied")
	}
}

func TestLoadWeights(t *testing.T) {
	_, source := testModel(t, "")
	for _, p := range source {
		p.Value.Fill(0.5)
	}
	weights := ExtractWeights(source)

	t.Run("full load", func(t *testing.T) {
		_, params := testModel(t, "")
		report, err := LoadWeights(weights, params, LoadOptions{}, nil)
		if err != nil {
			t.Fatalf("Failed to load weights: %v", err)
		}
		if len(report.Loaded) != len(params) {
			t.Errorf("Expected %d loaded, got %v", len(params), report.Loaded)
		}
		for _, p := range params {
			if p.Value.Data[0] != 0.5 {
				t.Errorf("Expected %s loaded, got %f", p.Name, p.Value.Data[0])
			}
		}
	})

	t.Run("partial backbone load warns", func(t *testing.T) {
		_, params := testModel(t, "backbone/")
		core, logs := observer.New(zapcore.WarnLevel)
		logger := zap.New(core).Sugar()

		// Only conv1 is present, renamed from a standalone backbone.
		report, err := LoadWeights(weights[:2], params, LoadOptions{AddPrefix: "backbone/"}, logger)
		if err != nil {
			t.Fatalf("Expected partial load to succeed: %v", err)
		}
		if len(report.Loaded) != 2 || len(report.Missing) != 2 {
			t.Errorf("Expected 2 loaded and 2 missing, got %+v", report)
		}
		if logs.FilterMessage("parameter not in checkpoint, keeping initial value").Len() != 2 {
			t.Errorf("Expected 2 warnings, got %d", logs.Len())
		}
		if params[2].Value.Data[0] == 0.5 {
			t.Error("Expected conv2 to keep its initial value")
		}
	})

	t.Run("missing head weights fail", func(t *testing.T) {
		_, params := testModel(t, "")
		before := params[0].Value.Data[0]
		_, err := LoadWeights(weights[:2], params, LoadOptions{RequiredPrefixes: []string{"conv2"}}, nil)
		if !errors.Is(err, ErrMissingHeadWeights) {
			t.Fatalf("Expected ErrMissingHeadWeights, got %v", err)
		}
		if params[0].Value.Data[0] != before {
			t.Error("Expected no weights copied when a required parameter is missing")
		}
	})

	t.Run("shape mismatch", func(t *testing.T) {
		_, params := testModel(t, "")
		bad := ExtractWeights(source)
		bad[2].Shape = []int{1, 1, 4, 3}
		report, err := LoadWeights(bad, params, LoadOptions{}, nil)
		if err != nil {
			t.Fatalf("Expected optional mismatch to be skipped: %v", err)
		}
		if diff := cmp.Diff([]string{"conv2.weight"}, report.Mismatched); diff != "" {
			t.Errorf("Mismatched (-want +got):\n%s", diff)
		}

		_, err = LoadWeights(bad, params, LoadOptions{RequiredPrefixes: []string{"conv2"}}, nil)
		if !errors.Is(err, ErrMissingHeadWeights) {
			t.Errorf("Expected ErrMissingHeadWeights for required mismatch, got %v", err)
		}
	})

	t.Run("strip prefix and unused", func(t *testing.T) {
		_, prefixed := testModel(t, "detector/")
		_, params := testModel(t, "")
		extra := append(ExtractWeights(prefixed), WeightTensor{Name: "detector/head.weight", Shape: []int{1}, Data: []float32{1}})
		report, err := LoadWeights(extra, params, LoadOptions{StripPrefix: "detector/"}, nil)
		if err != nil {
			t.Fatalf("Failed to load weights: %v", err)
		}
		if diff := cmp.Diff([]string{"head.weight"}, report.Unused); diff != "" {
			t.Errorf("Unused (-want +got):\n%s", diff)
		}
	})
}

func TestWeightToTensor(t *testing.T) {
	w := WeightTensor{Name: "b", Shape: []int{2}, Data: []float32{1, 2}}
	tt, err := WeightToTensor(w)
	if err != nil {
		t.Fatalf("Failed to convert weight: %v", err)
	}
	tt.Data[0] = 9
	if w.Data[0] != 1 {
		t.Error("Expected tensor data to be copied")
	}
	if _, err := WeightToTensor(WeightTensor{Name: "bad", Shape: []int{3}, Data: []float32{1}}); err == nil {
		t.Error("Expected error for size mismatch")
	}
}
