package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/tsawler/go-yolo/anchors"
	"github.com/tsawler/go-yolo/async"
	"github.com/tsawler/go-yolo/checkpoints"
	"github.com/tsawler/go-yolo/config"
	"github.com/tsawler/go-yolo/logging"
	"github.com/tsawler/go-yolo/model"
	"github.com/tsawler/go-yolo/training"
	"github.com/tsawler/go-yolo/vision/dataset"
	"github.com/tsawler/go-yolo/vision/preprocessing"
)

// requiredOnResume names the parameters a resumed checkpoint must hold.
var requiredOnResume = []string{"head/"}

func newLogger(c *cli.Context, cfg config.Config) (*zap.SugaredLogger, error) {
	logCfg := cfg.Log
	if c.Bool(flagDebug) {
		logCfg.Level = "debug"
	}
	return logging.New("yolotrain", logCfg)
}

func buildDetector(cfg config.Config, set *anchors.Set, logger *zap.SugaredLogger) (*model.Detector, error) {
	backbone, err := model.NewConvStack(cfg.Backbone.ConvStack)
	if err != nil {
		return nil, err
	}
	return model.NewDetector(backbone, model.Config{
		NumClasses: cfg.NumClasses,
		Anchors:    set,
		Head:       cfg.Head,
		NMS:        cfg.NMS,
	}, logger.Named("model"))
}

// loadDatasets opens the training set and either the validation folder or a
// held-out split of the training set.
func loadDatasets(cfg config.Config, logger *zap.SugaredLogger) (dataset.Dataset, dataset.Dataset, error) {
	if cfg.Data.Train == "" {
		return nil, nil, errors.New("data.train must name a dataset folder")
	}
	train, err := dataset.NewYOLOFolderDataset(cfg.Data.Train, cfg.Data.Extensions)
	if err != nil {
		return nil, nil, err
	}
	if n := train.NumClasses(); n > 0 && n != cfg.NumClasses {
		return nil, nil, errors.Errorf("dataset has %d classes, configuration has %d", n, cfg.NumClasses)
	}

	switch {
	case cfg.Data.Val != "":
		val, err := dataset.NewYOLOFolderDataset(cfg.Data.Val, cfg.Data.Extensions)
		if err != nil {
			return nil, nil, err
		}
		logger.Infow("datasets loaded", "train", train.Len(), "val", val.Len())
		return train, val, nil
	case cfg.Data.ValSplit > 0:
		tr, val := dataset.Split(train, 1-cfg.Data.ValSplit, cfg.Pipeline.Seed)
		logger.Infow("datasets loaded", "train", tr.Len(), "val", val.Len(), "split", cfg.Data.ValSplit)
		return tr, val, nil
	default:
		logger.Infow("datasets loaded", "train", train.Len(), "val", 0)
		return train, nil, nil
	}
}

func sourceFactory(ds dataset.Dataset, opts preprocessing.Options, cache *preprocessing.ImageCache) training.SourceFactory {
	if ds == nil {
		return nil
	}
	return func(scale int) (async.DataSource, error) {
		return preprocessing.NewSource(ds, scale, opts, cache)
	}
}

func trainAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger, err := newLogger(c, cfg)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	set, err := cfg.AnchorSet()
	if err != nil {
		return err
	}
	phases, err := cfg.Curriculum.Phases()
	if err != nil {
		return err
	}
	device, err := training.ParseDevice(cfg.Device)
	if err != nil {
		return err
	}

	trainDS, valDS, err := loadDatasets(cfg, logger)
	if err != nil {
		return err
	}
	cache := preprocessing.NewImageCache(cfg.Pipeline.CacheSize)
	// validation images are only resized
	valOpts := preprocessing.Options{Letterbox: cfg.Data.Augment.Letterbox, MinBoxSide: cfg.Data.Augment.MinBoxSide}

	detector, err := buildDetector(cfg, set, logger)
	if err != nil {
		return err
	}
	if cfg.Backbone.Weights != "" {
		ck, err := training.LoadCheckpoint(cfg.Backbone.Weights)
		if err != nil {
			return errors.Wrap(err, "failed to load backbone weights")
		}
		if _, err := detector.LoadBackboneWeights(ck.Weights, checkpoints.LoadOptions{
			StripPrefix: cfg.Backbone.StripPrefix,
			AddPrefix:   cfg.Backbone.AddPrefix,
		}); err != nil {
			return err
		}
	}
	if c.Bool(flagSummary) {
		training.NewModelArchitecturePrinter("YOLOv3").PrintArchitecture(c.App.Writer, detector.ModelSpecs())
	}

	opt, err := cfg.Optimizer.Build(phases[0].LearningRate)
	if err != nil {
		return err
	}
	trainer, err := training.NewTrainer(detector, opt,
		sourceFactory(trainDS, cfg.Data.Augment, cache),
		sourceFactory(valDS, valOpts, cache),
		training.TrainerConfig{
			NumClasses: cfg.NumClasses,
			Anchors:    set,
			Targets:    cfg.Targets,
			Loss:       cfg.Loss,
			Pipeline: async.DataLoaderConfig{
				PrefetchDepth: cfg.Pipeline.Prefetch,
				Workers:       cfg.Pipeline.Workers,
				Seed:          cfg.Pipeline.Seed,
			},
			Schedule: cfg.Schedule,
			Plateau:  cfg.Plateau,
			Progress: c.App.Writer,
		}, logger.Named("trainer"))
	if err != nil {
		return err
	}

	start := c.Int(flagStartPhase)
	if path := c.String(flagResume); path != "" {
		ck, err := training.LoadCheckpoint(path)
		if err != nil {
			return err
		}
		if start, err = trainer.Resume(ck, requiredOnResume); err != nil {
			return err
		}
		if start >= len(phases) {
			logger.Infow("checkpoint already completed the curriculum", "checkpoint", path)
			return nil
		}
		logger.Infow("resuming", "checkpoint", path, "phase", start)
	}

	ckpts, err := training.NewCheckpointManager(trainer, cfg.Checkpoint, logger.Named("checkpoints"))
	if err != nil {
		return err
	}
	plots := training.NewVisualizationCollector("YOLOv3", cfg.PlotDir)
	scheduler, err := training.NewScheduler(phases, trainer, training.SchedulerConfig{
		Device:     device,
		StartPhase: start,
		EarlyStop:  cfg.EarlyStop,
	}, logger.Named("scheduler"), ckpts, plots)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	report, err := scheduler.Run(ctx)
	logger.Infow("training finished",
		"phases_completed", report.LastCompleted+1,
		"stopped_early", report.Stopped,
		"best_loss", ckpts.BestLoss(),
		"last_checkpoint", ckpts.LastPhaseCheckpoint())
	return err
}
