package main

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/tsawler/go-yolo/checkpoints"
	"github.com/tsawler/go-yolo/codec"
	"github.com/tsawler/go-yolo/training"
	"github.com/tsawler/go-yolo/vision/preprocessing"
)

func detectAction(c *cli.Context) error {
	if c.NArg() == 0 {
		return errors.New("detect needs at least one image")
	}
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
	detector, err := buildDetector(cfg, set, logger)
	if err != nil {
		return err
	}
	ck, err := training.LoadCheckpoint(c.String(flagWeights))
	if err != nil {
		return err
	}
	if _, err := checkpoints.LoadWeights(ck.Weights, detector.Parameters(), checkpoints.LoadOptions{
		RequiredPrefixes: requiredOnResume,
	}, logger.Named("weights")); err != nil {
		return err
	}
	scale := c.Int(flagScale)
	if err := detector.Compile(scale); err != nil {
		return err
	}

	t := table.NewWriter()
	t.AppendHeader(table.Row{"Image", "Class", "Score", "X1", "Y1", "X2", "Y2"})
	for _, path := range c.Args().Slice() {
		img, err := preprocessing.Open(path)
		if err != nil {
			return err
		}
		resized, _ := preprocessing.Resize(img, nil, scale, cfg.Data.Augment.Letterbox)
		x, err := preprocessing.ToTensor(resized)
		if err != nil {
			return err
		}
		if x, err = x.Reshape(append([]int{1}, x.Shape...)); err != nil {
			return err
		}
		dets, err := detector.Detect(x)
		if err != nil {
			return errors.Wrapf(err, "detect %s", path)
		}
		for _, d := range dets[0] {
			t.AppendRow(table.Row{
				path,
				className(cfg.ClassNames, d),
				fmt.Sprintf("%.3f", d.Confidence),
				fmt.Sprintf("%.1f", d.X1),
				fmt.Sprintf("%.1f", d.Y1),
				fmt.Sprintf("%.1f", d.X2),
				fmt.Sprintf("%.1f", d.Y2),
			})
		}
		logger.Debugw("image processed", "image", path, "detections", len(dets[0]))
	}
	fmt.Fprintln(c.App.Writer, t.Render())
	return nil
}

func className(names []string, d codec.DecodedBox) string {
	if d.ClassID >= 0 && d.ClassID < len(names) {
		return names[d.ClassID]
	}
	return fmt.Sprint(d.ClassID)
}
