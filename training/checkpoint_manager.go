package training

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tsawler/go-yolo/checkpoints"
)

// CheckpointConfig configures checkpoint saving behavior
type CheckpointConfig struct {
	Directory      string `json:"directory"`
	Format         string `json:"format"`          // "json" or "binary"
	SaveBest       bool   `json:"save_best"`       // Save when the monitored loss improves
	SavePhaseEnd   bool   `json:"save_phase_end"`  // Save after every phase, for resuming
	MaxCheckpoints int    `json:"max_checkpoints"` // Best checkpoints kept on disk (0 = unlimited)
}

// DefaultCheckpointConfig keeps every best checkpoint plus one per phase.
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		Directory:    "logs-yolo-multi-scale/models",
		Format:       "json",
		SaveBest:     true,
		SavePhaseEnd: true,
	}
}

// CheckpointSource produces a checkpoint of the current training state.
type CheckpointSource interface {
	Checkpoint(description string, tags ...string) (*checkpoints.Checkpoint, error)
}

// CheckpointManager is a callback writing the best model by monitored loss
// and a checkpoint at the end of every phase. The best loss is tracked
// across phases.
type CheckpointManager struct {
	config     CheckpointConfig
	source     CheckpointSource
	saver      *checkpoints.CheckpointSaver
	runID      string
	logger     *zap.SugaredLogger
	bestLoss   float64
	savedFiles []string // best checkpoints, oldest first
	lastPhase  string
}

// NewCheckpointManager creates a new checkpoint manager
func NewCheckpointManager(source CheckpointSource, config CheckpointConfig, logger *zap.SugaredLogger) (*CheckpointManager, error) {
	format, err := checkpoints.ParseFormat(config.Format)
	if err != nil {
		return nil, err
	}
	if config.Directory == "" {
		return nil, errors.New("checkpoint directory is empty")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &CheckpointManager{
		config:   config,
		source:   source,
		saver:    checkpoints.NewCheckpointSaver(format),
		runID:    checkpoints.NewRunID(),
		logger:   logger,
		bestLoss: math.Inf(1),
	}, nil
}

// BestLoss is the lowest monitored loss seen so far.
func (cm *CheckpointManager) BestLoss() float64 { return cm.bestLoss }

// BestCheckpoints lists the best checkpoints still on disk, oldest first.
func (cm *CheckpointManager) BestCheckpoints() []string {
	return append([]string(nil), cm.savedFiles...)
}

// LastPhaseCheckpoint is the path of the newest phase-end checkpoint.
func (cm *CheckpointManager) LastPhaseCheckpoint() string { return cm.lastPhase }

func (cm *CheckpointManager) OnPhaseBegin(Phase) error { return nil }

// OnEpochEnd saves best-model-epNNN when the monitored loss improves. NNN
// is the one-based absolute epoch.
func (cm *CheckpointManager) OnEpochEnd(logs EpochLogs) (bool, error) {
	if !cm.config.SaveBest {
		return false, nil
	}
	loss := logs.Monitored()
	if !(loss < cm.bestLoss) {
		return false, nil
	}
	cm.bestLoss = loss

	name := fmt.Sprintf("best-model-ep%03d", logs.Epoch+1)
	path, err := cm.save(name, fmt.Sprintf("Best checkpoint - loss %.6f", loss), "best")
	if err != nil {
		return false, err
	}
	cm.logger.Infow("Saved best checkpoint", "path", path, "loss", loss)

	cm.savedFiles = append(cm.savedFiles, path)
	if err := cm.cleanupOldCheckpoints(); err != nil {
		cm.logger.Warnw("Failed to clean up old checkpoints", "error", err)
	}
	return false, nil
}

// OnPhaseEnd saves phase-PP-epNNN tagged as a completed phase.
func (cm *CheckpointManager) OnPhaseEnd(result PhaseResult) error {
	if !cm.config.SavePhaseEnd {
		return nil
	}
	name := fmt.Sprintf("phase-%02d-ep%03d", result.Phase.Index, result.Last.Epoch+1)
	path, err := cm.save(name, fmt.Sprintf("End of %s", result.Phase), PhaseEndTag)
	if err != nil {
		return err
	}
	cm.lastPhase = path
	cm.logger.Infow("Saved phase checkpoint", "path", path, "phase", result.Phase.Index)
	return nil
}

func (cm *CheckpointManager) save(name, description string, tags ...string) (string, error) {
	ck, err := cm.source.Checkpoint(description, tags...)
	if err != nil {
		return "", errors.Wrap(err, "failed to create checkpoint")
	}
	ck.Metadata.RunID = cm.runID
	if !math.IsInf(cm.bestLoss, 1) {
		ck.TrainingState.BestLoss = float32(cm.bestLoss)
	}
	path := filepath.Join(cm.config.Directory, name+cm.saver.Format().Extension())
	if err := cm.saver.SaveCheckpoint(ck, path); err != nil {
		return "", errors.Wrap(err, "failed to save checkpoint")
	}
	return path, nil
}

// LoadCheckpoint reads a checkpoint, choosing the format from its extension.
func LoadCheckpoint(path string) (*checkpoints.Checkpoint, error) {
	return checkpoints.NewCheckpointSaver(checkpoints.FormatForPath(path)).LoadCheckpoint(path)
}

func (cm *CheckpointManager) cleanupOldCheckpoints() error {
	if cm.config.MaxCheckpoints <= 0 || len(cm.savedFiles) <= cm.config.MaxCheckpoints {
		return nil
	}

	toRemove := len(cm.savedFiles) - cm.config.MaxCheckpoints
	for i := 0; i < toRemove; i++ {
		if err := os.Remove(cm.savedFiles[i]); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "failed to remove old checkpoint %s", cm.savedFiles[i])
		}
	}
	cm.savedFiles = cm.savedFiles[toRemove:]
	return nil
}
