package training

import (
	"encoding/json"
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// PlotType represents different types of plots that can be generated
type PlotType string

const (
	TrainingCurves       PlotType = "training_curves"
	LearningRateSchedule PlotType = "learning_rate_schedule"
)

// PlotData is the JSON form of a plot, written next to the rendered image
// so curves can be re-plotted by other tools.
type PlotData struct {
	PlotType  PlotType     `json:"plot_type"`
	Title     string       `json:"title"`
	Timestamp time.Time    `json:"timestamp"`
	ModelName string       `json:"model_name"`
	Series    []SeriesData `json:"series"`
	Config    PlotConfig   `json:"config"`
	// Phase boundaries as absolute epochs
	Markers []int `json:"markers,omitempty"`
}

// SeriesData represents a single data series in a plot
type SeriesData struct {
	Name  string                 `json:"name"`
	Type  string                 `json:"type"`
	Data  []DataPoint            `json:"data"`
	Style map[string]interface{} `json:"style,omitempty"`
}

// DataPoint represents a single data point
type DataPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PlotConfig contains plot-specific configuration
type PlotConfig struct {
	XAxisLabel string `json:"x_axis_label"`
	YAxisLabel string `json:"y_axis_label"`
	XAxisScale string `json:"x_axis_scale"` // "linear", "log"
	YAxisScale string `json:"y_axis_scale"` // "linear", "log"
	ShowLegend bool   `json:"show_legend"`
	ShowGrid   bool   `json:"show_grid"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
}

// VisualizationCollector records per-epoch losses and learning rates. As a
// callback it rewrites the plots in its directory after every phase.
type VisualizationCollector struct {
	modelName string
	dir       string
	enabled   bool

	epochs         []int
	trainingLoss   []float64
	objLoss        []float64
	boxLoss        []float64
	classLoss      []float64
	validationLoss []float64 // NaN where no validation ran
	learningRates  []float64
	phaseStarts    []int
}

// NewVisualizationCollector creates a collector. dir may be empty, in which
// case nothing is written by the callback methods.
func NewVisualizationCollector(modelName, dir string) *VisualizationCollector {
	return &VisualizationCollector{modelName: modelName, dir: dir, enabled: true}
}

// Enable turns on data collection
func (vc *VisualizationCollector) Enable() { vc.enabled = true }

// Disable turns off data collection
func (vc *VisualizationCollector) Disable() { vc.enabled = false }

// IsEnabled reports whether data is being collected
func (vc *VisualizationCollector) IsEnabled() bool { return vc.enabled }

// RecordEpoch appends one epoch's scalars.
func (vc *VisualizationCollector) RecordEpoch(logs EpochLogs) {
	if !vc.enabled {
		return
	}
	vc.epochs = append(vc.epochs, logs.Epoch+1)
	vc.trainingLoss = append(vc.trainingLoss, logs.Train.Total)
	vc.objLoss = append(vc.objLoss, logs.Train.Objectness)
	vc.boxLoss = append(vc.boxLoss, logs.Train.Box)
	vc.classLoss = append(vc.classLoss, logs.Train.Class)
	val := math.NaN()
	if logs.HasValidation {
		val = logs.Val.Total
	}
	vc.validationLoss = append(vc.validationLoss, val)
	vc.learningRates = append(vc.learningRates, float64(logs.LearningRate))
}

func (vc *VisualizationCollector) OnPhaseBegin(p Phase) error {
	if vc.enabled {
		vc.phaseStarts = append(vc.phaseStarts, p.InitialEpoch+1)
	}
	return nil
}

func (vc *VisualizationCollector) OnEpochEnd(logs EpochLogs) (bool, error) {
	vc.RecordEpoch(logs)
	return false, nil
}

func (vc *VisualizationCollector) OnPhaseEnd(PhaseResult) error {
	if vc.dir == "" || !vc.enabled {
		return nil
	}
	return vc.Save(vc.dir)
}

// GenerateTrainingCurvesPlot returns the loss curves by epoch
func (vc *VisualizationCollector) GenerateTrainingCurvesPlot() PlotData {
	series := []SeriesData{
		vc.series("Training Loss", vc.trainingLoss, "#FF6B6B"),
		vc.series("Objectness Loss", vc.objLoss, "#4ECDC4"),
		vc.series("Box Loss", vc.boxLoss, "#FECA57"),
		vc.series("Class Loss", vc.classLoss, "#48DBFB"),
	}
	if val := vc.series("Validation Loss", vc.validationLoss, "#FF9F43"); len(val.Data) > 0 {
		val.Style["line_style"] = "dashed"
		series = append(series, val)
	}

	return PlotData{
		PlotType:  TrainingCurves,
		Title:     fmt.Sprintf("Training Curves - %s", vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series:    series,
		Markers:   append([]int(nil), vc.phaseStarts...),
		Config: PlotConfig{
			XAxisLabel: "Epoch",
			YAxisLabel: "Loss",
			XAxisScale: "linear",
			YAxisScale: "linear",
			ShowLegend: true,
			ShowGrid:   true,
			Width:      800,
			Height:     600,
		},
	}
}

// GenerateLearningRateSchedulePlot returns the learning rate by epoch
func (vc *VisualizationCollector) GenerateLearningRateSchedulePlot() PlotData {
	return PlotData{
		PlotType:  LearningRateSchedule,
		Title:     fmt.Sprintf("Learning Rate Schedule - %s", vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series:    []SeriesData{vc.series("Learning Rate", vc.learningRates, "#6C5CE7")},
		Markers:   append([]int(nil), vc.phaseStarts...),
		Config: PlotConfig{
			XAxisLabel: "Epoch",
			YAxisLabel: "Learning Rate",
			XAxisScale: "linear",
			YAxisScale: "log",
			ShowLegend: true,
			ShowGrid:   true,
			Width:      800,
			Height:     400,
		},
	}
}

// series skips NaN values.
func (vc *VisualizationCollector) series(name string, values []float64, colour string) SeriesData {
	s := SeriesData{
		Name:  name,
		Type:  "line",
		Data:  make([]DataPoint, 0, len(values)),
		Style: map[string]interface{}{"color": colour, "line_width": 2},
	}
	for i, v := range values {
		if math.IsNaN(v) {
			continue
		}
		s.Data = append(s.Data, DataPoint{X: float64(vc.epochs[i]), Y: v})
	}
	return s
}

// ToJSON converts plot data to JSON string
func (pd PlotData) ToJSON() (string, error) {
	jsonData, err := json.MarshalIndent(pd, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal plot data to JSON")
	}
	return string(jsonData), nil
}

// Render draws the plot as a PNG.
func (pd PlotData) Render(path string) error {
	p := plot.New()
	p.Title.Text = pd.Title
	p.X.Label.Text = pd.Config.XAxisLabel
	p.Y.Label.Text = pd.Config.YAxisLabel
	if pd.Config.YAxisScale == "log" && pd.hasPositive() {
		p.Y.Scale = plot.LogScale{}
		p.Y.Tick.Marker = plot.LogTicks{Prec: -1}
	}
	if pd.Config.ShowGrid {
		p.Add(plotter.NewGrid())
	}

	logY := pd.Config.YAxisScale == "log"
	for _, s := range pd.Series {
		pts := make(plotter.XYs, 0, len(s.Data))
		for _, d := range s.Data {
			// a log axis cannot place non-positive values
			if logY && d.Y <= 0 {
				continue
			}
			pts = append(pts, plotter.XY{X: d.X, Y: d.Y})
		}
		if len(pts) == 0 {
			continue
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return errors.Wrapf(err, "series %q", s.Name)
		}
		line.Color = parseHexColor(s.Style["color"])
		line.Width = vg.Points(1.5)
		if s.Style["line_style"] == "dashed" {
			line.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		}
		p.Add(line)
		if pd.Config.ShowLegend {
			p.Legend.Add(s.Name, line)
		}
	}
	p.Legend.Top = true

	w := vg.Length(pd.Config.Width) * vg.Inch / 100
	h := vg.Length(pd.Config.Height) * vg.Inch / 100
	return p.Save(w, h, path)
}

func (pd PlotData) hasPositive() bool {
	for _, s := range pd.Series {
		for _, d := range s.Data {
			if d.Y > 0 {
				return true
			}
		}
	}
	return false
}

// Save writes both plots as PNG and JSON into dir.
func (vc *VisualizationCollector) Save(dir string) error {
	if len(vc.epochs) == 0 {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create plot directory")
	}
	for _, pd := range []PlotData{vc.GenerateTrainingCurvesPlot(), vc.GenerateLearningRateSchedulePlot()} {
		base := filepath.Join(dir, string(pd.PlotType))
		if err := pd.Render(base + ".png"); err != nil {
			return errors.Wrapf(err, "failed to render %s", pd.PlotType)
		}
		js, err := pd.ToJSON()
		if err != nil {
			return err
		}
		if err := os.WriteFile(base+".json", []byte(js), 0o644); err != nil {
			return errors.Wrap(err, "failed to write plot data")
		}
	}
	return nil
}

// Clear resets all collected data
func (vc *VisualizationCollector) Clear() {
	vc.epochs = vc.epochs[:0]
	vc.trainingLoss = vc.trainingLoss[:0]
	vc.objLoss = vc.objLoss[:0]
	vc.boxLoss = vc.boxLoss[:0]
	vc.classLoss = vc.classLoss[:0]
	vc.validationLoss = vc.validationLoss[:0]
	vc.learningRates = vc.learningRates[:0]
	vc.phaseStarts = vc.phaseStarts[:0]
}

func parseHexColor(v interface{}) color.Color {
	s, _ := v.(string)
	var r, g, b uint8
	if _, err := fmt.Sscanf(s, "#%02x%02x%02x", &r, &g, &b); err != nil {
		return color.Black
	}
	return color.RGBA{R: r, G: g, B: b, A: 255}
}
