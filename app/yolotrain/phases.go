package main

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v2"

	"github.com/tsawler/go-yolo/training"
)

func phasesAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	phases, err := cfg.Curriculum.Phases()
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, phaseTable(phases))
	return nil
}

func phaseTable(phases []training.Phase) string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"#", "Step", "Scale", "Grids", "LR", "Batch", "Epochs", "Backbone"})
	for _, p := range phases {
		backbone := "trainable"
		if p.BackboneFrozen {
			backbone = "frozen"
		}
		t.AppendRow(table.Row{
			p.Index,
			p.Step,
			p.ImageScale,
			fmt.Sprint(p.GridSizes),
			fmt.Sprintf("%g", p.LearningRate),
			p.BatchSize,
			fmt.Sprintf("%d-%d", p.InitialEpoch+1, p.EndEpoch()),
			backbone,
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "Total", training.TotalEpochs(phases), ""})
	return t.Render()
}
