// Package config reads the training configuration file. Values of the form
// ${VAR} are expanded from the environment before the JSON is decoded, and
// every field left out of the file keeps its default.
package config

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/a8m/envsubst"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/tsawler/go-yolo/anchors"
	"github.com/tsawler/go-yolo/checkpoints"
	"github.com/tsawler/go-yolo/logging"
	"github.com/tsawler/go-yolo/model"
	"github.com/tsawler/go-yolo/nms"
	"github.com/tsawler/go-yolo/optimizer"
	"github.com/tsawler/go-yolo/targets"
	"github.com/tsawler/go-yolo/training"
	"github.com/tsawler/go-yolo/vision/preprocessing"
)

var (
	ErrInvalidDevice     = errors.New("invalid device")
	ErrInvalidClasses    = errors.New("invalid class configuration")
	ErrInvalidAnchors    = errors.New("invalid anchor configuration")
	ErrInvalidThreshold  = errors.New("threshold outside [0,1]")
	ErrInvalidCurriculum = errors.New("invalid curriculum")
	ErrInvalidPipeline   = errors.New("invalid pipeline configuration")
)

// BackboneConfig selects the reference backbone and optional pretrained
// weights loaded into it before training.
type BackboneConfig struct {
	ConvStack   model.ConvStackConfig `json:"conv_stack"`
	Weights     string                `json:"weights,omitempty"`
	StripPrefix string                `json:"strip_prefix,omitempty"`
	AddPrefix   string                `json:"add_prefix,omitempty"`
}

// OptimizerConfig picks the update rule. The learning rate always comes
// from the curriculum.
type OptimizerConfig struct {
	Kind string               `json:"kind"`
	Adam optimizer.AdamConfig `json:"adam"`
	SGD  optimizer.SGDConfig  `json:"sgd"`
}

// Build creates the optimizer with the given initial learning rate.
func (c OptimizerConfig) Build(learningRate float32) (optimizer.Optimizer, error) {
	switch strings.ToLower(c.Kind) {
	case "", "adam":
		cfg := c.Adam
		cfg.LearningRate = learningRate
		return optimizer.NewAdamOptimizer(cfg)
	case "sgd":
		cfg := c.SGD
		cfg.LearningRate = learningRate
		return optimizer.NewSGDOptimizer(cfg)
	default:
		return nil, errors.Errorf("unknown optimizer %q", c.Kind)
	}
}

// PipelineConfig tunes the producer side of the data pipeline. The batch
// size comes from each phase.
type PipelineConfig struct {
	Prefetch  int   `json:"prefetch"`
	Workers   int   `json:"workers"`
	Seed      int64 `json:"seed"`
	CacheSize int   `json:"cache_size"`
}

// DataConfig locates the training data. Train and Val are YOLO folder
// datasets; when Val is empty a ValSplit fraction of Train is held out.
type DataConfig struct {
	Train      string                `json:"train"`
	Val        string                `json:"val,omitempty"`
	ValSplit   float64               `json:"val_split"`
	Extensions []string              `json:"extensions,omitempty"`
	Augment    preprocessing.Options `json:"augment"`
}

// Config is the complete training configuration.
type Config struct {
	Device      string                    `json:"device"`
	NumClasses  int                       `json:"num_classes"`
	ClassNames  []string                  `json:"class_names,omitempty"`
	Anchors     []anchors.Anchor          `json:"anchors"`
	AnchorMasks [][]int                   `json:"anchor_masks"`
	Head        model.HeadConfig          `json:"head"`
	Backbone    BackboneConfig            `json:"backbone"`
	Loss        training.LossConfig       `json:"loss"`
	Targets     targets.Config            `json:"targets"`
	NMS         nms.Config                `json:"nms"`
	Curriculum  training.CurriculumConfig `json:"curriculum"`
	EarlyStop   training.EarlyStopAction  `json:"early_stop"`
	Optimizer   OptimizerConfig           `json:"optimizer"`
	Schedule    training.LRScheduleConfig `json:"lr_schedule"`
	Plateau     training.PlateauConfig    `json:"plateau"`
	Pipeline    PipelineConfig            `json:"pipeline"`
	Data        DataConfig                `json:"data"`
	Checkpoint  training.CheckpointConfig `json:"checkpoint"`
	PlotDir     string                    `json:"plot_dir"`
	Log         logging.Config            `json:"log"`
}

// Default returns the configuration of the reference training run.
func Default() Config {
	return Config{
		Device:      string(training.CPU),
		NumClasses:  80,
		Anchors:     anchors.DefaultYOLOv3(),
		AnchorMasks: anchors.DefaultMasks(),
		Head:        model.DefaultHeadConfig(),
		Backbone:    BackboneConfig{ConvStack: model.DefaultConvStackConfig()},
		Loss:        training.DefaultLossConfig(),
		Targets:     targets.DefaultConfig(),
		NMS:         nms.DefaultConfig(),
		Curriculum:  training.DefaultCurriculumConfig(),
		EarlyStop:   training.ContinueNextPhase,
		Optimizer: OptimizerConfig{
			Kind: "adam",
			Adam: optimizer.DefaultAdamConfig(),
			SGD:  optimizer.DefaultSGDConfig(),
		},
		Schedule: training.LRScheduleConfig{Kind: "constant"},
		Plateau:  training.DefaultPlateauConfig(),
		Pipeline: PipelineConfig{Prefetch: 3, Workers: 2, Seed: 1, CacheSize: 256},
		Data: DataConfig{
			ValSplit: 0.1,
			Augment:  preprocessing.DefaultOptions(),
		},
		Checkpoint: training.DefaultCheckpointConfig(),
		PlotDir:    "logs-yolo-multi-scale/plots",
		Log:        logging.Config{Level: "info"},
	}
}

// Read loads path with environment expansion on top of the defaults and
// validates the result.
func Read(path string) (Config, error) {
	buf, err := envsubst.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "failed to read config %s", path)
	}
	return FromBytes(buf)
}

// FromBytes decodes an already expanded configuration.
func FromBytes(buf []byte) (Config, error) {
	cfg := Default()
	dec := json.NewDecoder(bytes.NewReader(buf))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "failed to decode config from json")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// AnchorSet builds the validated anchor set.
func (c Config) AnchorSet() (*anchors.Set, error) {
	set, err := anchors.NewSet(c.Anchors, c.AnchorMasks)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidAnchors, err.Error())
	}
	if set.NumScales() != anchors.DefaultScales {
		return nil, errors.Wrapf(ErrInvalidAnchors, "the detector predicts %d scales, masks define %d",
			anchors.DefaultScales, set.NumScales())
	}
	return set, nil
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs error
	if _, err := training.ParseDevice(c.Device); err != nil {
		errs = multierr.Append(errs, errors.Wrap(ErrInvalidDevice, err.Error()))
	}
	if c.NumClasses <= 0 {
		errs = multierr.Append(errs, errors.Wrapf(ErrInvalidClasses, "num_classes must be positive, got %d", c.NumClasses))
	}
	if len(c.ClassNames) > 0 && len(c.ClassNames) != c.NumClasses {
		errs = multierr.Append(errs, errors.Wrapf(ErrInvalidClasses,
			"%d class names for %d classes", len(c.ClassNames), c.NumClasses))
	}
	if _, err := c.AnchorSet(); err != nil {
		errs = multierr.Append(errs, err)
	}
	errs = multierr.Append(errs, c.Head.Validate())
	errs = multierr.Append(errs, c.Backbone.ConvStack.Validate())

	errs = multierr.Append(errs, checkUnit("targets.ignore_threshold", c.Targets.IgnoreThreshold))
	if err := c.NMS.Validate(); err != nil {
		errs = multierr.Append(errs, errors.Wrap(ErrInvalidThreshold, err.Error()))
	}
	w := c.Loss.Weights
	if w.Objectness < 0 || w.Box < 0 || w.Class < 0 {
		errs = multierr.Append(errs, errors.Errorf("loss weights must not be negative, got %+v", w))
	}

	if err := c.Curriculum.Validate(); err != nil {
		for _, e := range multierr.Errors(err) {
			errs = multierr.Append(errs, errors.Wrap(ErrInvalidCurriculum, e.Error()))
		}
	}
	if _, err := training.NewLRScheduler(c.Schedule, 1); err != nil {
		errs = multierr.Append(errs, err)
	}
	if c.Plateau.Enabled && (c.Plateau.Factor <= 0 || c.Plateau.Factor >= 1) {
		errs = multierr.Append(errs, errors.Errorf("plateau factor must be in (0,1), got %v", c.Plateau.Factor))
	}
	if _, err := c.Optimizer.Build(1e-3); err != nil {
		errs = multierr.Append(errs, err)
	}

	if c.Pipeline.Prefetch < 1 || c.Pipeline.Workers < 1 {
		errs = multierr.Append(errs, errors.Wrapf(ErrInvalidPipeline,
			"prefetch and workers must be at least 1, got %d and %d", c.Pipeline.Prefetch, c.Pipeline.Workers))
	}
	if c.Data.ValSplit < 0 || c.Data.ValSplit >= 1 {
		errs = multierr.Append(errs, errors.Wrapf(ErrInvalidPipeline, "val_split must be in [0,1), got %v", c.Data.ValSplit))
	}
	if _, err := checkpoints.ParseFormat(c.Checkpoint.Format); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}

func checkUnit(name string, v float32) error {
	if v < 0 || v > 1 {
		return errors.Wrapf(ErrInvalidThreshold, "%s is %v", name, v)
	}
	return nil
}
