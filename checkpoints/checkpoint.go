package checkpoints

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/tsawler/go-yolo/layers"
)

// Version is written into checkpoint metadata.
const Version = "1.0.0"

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatBinary
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatBinary:
		return "Binary"
	default:
		return "Unknown"
	}
}

// Extension returns the file extension used for the format.
func (cf CheckpointFormat) Extension() string {
	if cf == FormatBinary {
		return ".ckpt"
	}
	return ".json"
}

// ParseFormat maps "json" or "binary" to a format.
func ParseFormat(s string) (CheckpointFormat, error) {
	switch strings.ToLower(s) {
	case "", "json":
		return FormatJSON, nil
	case "binary", "bin", "ckpt":
		return FormatBinary, nil
	default:
		return FormatJSON, errors.Errorf("unknown checkpoint format %q", s)
	}
}

// FormatForPath picks the format from a file extension.
func FormatForPath(path string) CheckpointFormat {
	if filepath.Ext(path) == FormatBinary.Extension() {
		return FormatBinary
	}
	return FormatJSON
}

// Checkpoint represents a complete model state including weights, optimizer state, and training metadata
type Checkpoint struct {
	// Model architecture, keyed by component ("backbone", "head/0", ...)
	ModelSpecs map[string]*layers.ModelSpec `json:"model_specs,omitempty"`
	Weights    []WeightTensor               `json:"weights"`

	// Training state
	TrainingState TrainingState `json:"training_state"`

	// Optimizer state (if available)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	// Metadata
	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight" or "bias"
}

// TrainingState captures the current training progress
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	Phase        int     `json:"phase"`
	ImageScale   int     `json:"image_scale"`
	LearningRate float32 `json:"learning_rate"`
	BestLoss     float32 `json:"best_loss"`
	TotalSteps   int     `json:"total_steps"`
}

// OptimizerState captures optimizer-specific state (momentum, variance, etc.)
type OptimizerState struct {
	Type       string                 `json:"type"` // "SGD", "Adam", etc.
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", "variance"
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	RunID       string    `json:"run_id"`
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// NewRunID returns an identifier shared by every checkpoint of one run.
func NewRunID() string {
	return uuid.NewString()
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// Format returns the saver's serialization format.
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// SaveCheckpoint saves a complete model checkpoint
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	// Ensure metadata is set
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "go-yolo"
		checkpoint.Metadata.Version = Version
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now()
	}
	if checkpoint.Metadata.RunID == "" {
		checkpoint.Metadata.RunID = NewRunID()
	}

	var (
		data []byte
		err  error
	)
	switch cs.format {
	case FormatJSON:
		data, err = json.MarshalIndent(checkpoint, "", "  ")
	case FormatBinary:
		data, err = marshalBinary(checkpoint)
	default:
		return errors.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
	if err != nil {
		return errors.Wrap(err, "failed to encode checkpoint")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "failed to create checkpoint directory")
		}
	}

	// Written beside the target and renamed into place.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "failed to write checkpoint file")
	}
	return errors.Wrap(os.Rename(tmp, path), "failed to move checkpoint into place")
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open checkpoint file")
	}
	var checkpoint Checkpoint
	switch cs.format {
	case FormatJSON:
		err = json.Unmarshal(data, &checkpoint)
	case FormatBinary:
		err = unmarshalBinary(data, &checkpoint)
	default:
		return nil, errors.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode checkpoint")
	}
	return &checkpoint, nil
}

// ExtractWeights copies parameter values into checkpoint tensors. Names are
// "<layer>.<type>", as produced by the layers package.
func ExtractWeights(params []*layers.Parameter) []WeightTensor {
	weights := make([]WeightTensor, 0, len(params))
	for _, p := range params {
		layer, typ := splitParamName(p.Name)
		data := make([]float32, len(p.Value.Data))
		copy(data, p.Value.Data)
		weights = append(weights, WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Value.Shape...),
			Data:  data,
			Layer: layer,
			Type:  typ,
		})
	}
	return weights
}

func splitParamName(name string) (string, string) {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return name, "weight"
	}
	return name[:i], name[i+1:]
}
