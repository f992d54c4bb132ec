package training

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/multierr"
)

func TestCurriculumPhases(t *testing.T) {
	phases, err := DefaultCurriculumConfig().Phases()
	if err != nil {
		t.Fatalf("Failed to generate phases: %v", err)
	}
	if len(phases) != 22 {
		t.Fatalf("Expected 22 phases, got %d", len(phases))
	}

	scales := []int{320, 352, 384, 416, 448, 480, 512, 544, 576, 608, 416}
	epoch := 0
	for i, p := range phases {
		wantLR := float32(1e-3)
		if i >= len(scales) {
			wantLR = 1e-4
		}
		wantEpochs := 10
		if i == 21 {
			wantEpochs = 50
		}
		if p.Index != i {
			t.Errorf("Phase %d: expected index %d, got %d", i, i, p.Index)
		}
		if p.ImageScale != scales[i%len(scales)] {
			t.Errorf("Phase %d: expected scale %d, got %d", i, scales[i%len(scales)], p.ImageScale)
		}
		if p.LearningRate != wantLR {
			t.Errorf("Phase %d: expected lr %g, got %g", i, wantLR, p.LearningRate)
		}
		if p.Epochs != wantEpochs {
			t.Errorf("Phase %d: expected %d epochs, got %d", i, wantEpochs, p.Epochs)
		}
		if p.InitialEpoch != epoch {
			t.Errorf("Phase %d: expected initial epoch %d, got %d", i, epoch, p.InitialEpoch)
		}
		if p.Step != 1 || !p.BackboneFrozen || p.BatchSize != 32 {
			t.Errorf("Phase %d: expected frozen step 1 with batch 32, got %+v", i, p)
		}
		want := []int{p.ImageScale / 32, p.ImageScale / 16, p.ImageScale / 8}
		if diff := cmp.Diff(want, p.GridSizes); diff != "" {
			t.Errorf("Phase %d grid sizes mismatch (-want +got):\n%s", i, diff)
		}
		epoch += p.Epochs
	}

	// the first 416 at lr 1e-4 is an ordinary phase
	if phases[14].ImageScale != 416 || phases[14].Epochs != 10 {
		t.Errorf("Expected phase 14 to be a 10 epoch pass at 416, got %+v", phases[14])
	}
	if got := TotalEpochs(phases); got != 21*10+50 {
		t.Errorf("Expected %d total epochs, got %d", 21*10+50, got)
	}
}

func TestCurriculumFineTune(t *testing.T) {
	cfg := DefaultCurriculumConfig()
	cfg.FineTune.Enabled = true
	phases, err := cfg.Phases()
	if err != nil {
		t.Fatalf("Failed to generate phases: %v", err)
	}
	if len(phases) != 23 {
		t.Fatalf("Expected 23 phases, got %d", len(phases))
	}
	ft := phases[22]
	if ft.Step != 2 || ft.BackboneFrozen {
		t.Errorf("Expected unfrozen step 2, got %+v", ft)
	}
	if ft.ImageScale != 416 || ft.LearningRate != 1e-4 || ft.BatchSize != 8 {
		t.Errorf("Unexpected fine-tune settings %+v", ft)
	}
	if ft.InitialEpoch != phases[21].EndEpoch() {
		t.Errorf("Expected fine-tune to start at epoch %d, got %d", phases[21].EndEpoch(), ft.InitialEpoch)
	}
	if ft.EarlyStoppingPatience != 15 {
		t.Errorf("Expected early stopping patience 15, got %d", ft.EarlyStoppingPatience)
	}
}

func TestCurriculumValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*CurriculumConfig)
	}{
		{"scale not multiple of 32", func(c *CurriculumConfig) { c.Scales = []int{320, 330} }},
		{"no learning rates", func(c *CurriculumConfig) { c.LearningRates = nil }},
		{"negative learning rate", func(c *CurriculumConfig) { c.LearningRates = []float32{-1} }},
		{"zero epochs", func(c *CurriculumConfig) { c.EpochsPerPhase = 0 }},
		{"zero batch", func(c *CurriculumConfig) { c.BatchSize = 0 }},
		{"bad fine-tune scale", func(c *CurriculumConfig) {
			c.FineTune.Enabled = true
			c.FineTune.ImageScale = 100
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultCurriculumConfig()
			tt.modify(&cfg)
			if _, err := cfg.Phases(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}

	t.Run("all problems reported", func(t *testing.T) {
		cfg := DefaultCurriculumConfig()
		cfg.Scales = []int{100}
		cfg.BatchSize = 0
		err := cfg.Validate()
		if err == nil {
			t.Fatal("Expected validation error")
		}
		if n := len(multierr.Errors(err)); n != 2 {
			t.Errorf("Expected 2 errors, got %d: %v", n, err)
		}
	})
}

func TestEarlyStopActionText(t *testing.T) {
	var cfg struct {
		Action EarlyStopAction `json:"action"`
	}
	if err := json.Unmarshal([]byte(`{"action":"stop"}`), &cfg); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if cfg.Action != StopCurriculum {
		t.Errorf("Expected StopCurriculum, got %v", cfg.Action)
	}
	if err := json.Unmarshal([]byte(`{"action":"pause"}`), &cfg); err == nil {
		t.Error("Expected error for unknown action")
	}
}
