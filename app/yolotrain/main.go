// Command yolotrain trains the multi-scale YOLOv3 detector and runs it on
// images.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/tsawler/go-yolo/config"
)

const (
	flagConfig     = "config"
	flagResume     = "resume"
	flagStartPhase = "start-phase"
	flagSummary    = "summary"
	flagWeights    = "weights"
	flagScale      = "scale"
	flagDebug      = "debug"
)

func main() {
	app := &cli.App{
		Name:  "yolotrain",
		Usage: "train a multi-scale YOLOv3 detector",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load configuration from `FILE` (defaults are used otherwise)",
			},
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "train",
				Usage: "run the training curriculum",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  flagResume,
						Usage: "resume from a checkpoint `FILE`",
					},
					&cli.IntFlag{
						Name:  flagStartPhase,
						Usage: "first phase to run when not resuming",
					},
					&cli.BoolFlag{
						Name:  flagSummary,
						Usage: "print the model architecture before training",
					},
				},
				Action: trainAction,
			},
			{
				Name:   "phases",
				Usage:  "print the training curriculum",
				Action: phasesAction,
			},
			{
				Name:      "detect",
				Usage:     "run a trained detector on images",
				ArgsUsage: "IMAGE...",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     flagWeights,
						Usage:    "checkpoint `FILE` holding the trained weights",
						Required: true,
					},
					&cli.IntFlag{
						Name:  flagScale,
						Usage: "input resolution, a multiple of 32",
						Value: 416,
					},
				},
				Action: detectAction,
			},
			{
				Name:  "config",
				Usage: "print the effective configuration as JSON",
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					enc := json.NewEncoder(c.App.Writer)
					enc.SetIndent("", "  ")
					return enc.Encode(cfg)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (config.Config, error) {
	path := c.String(flagConfig)
	if path == "" {
		return config.Default(), nil
	}
	return config.Read(path)
}
