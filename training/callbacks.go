package training

import (
	"math"
	"time"

	"github.com/tsawler/go-yolo/targets"
)

// EpochLogs are the per-epoch scalars handed to callbacks. Epoch is the
// absolute epoch index, counted across phases from zero.
type EpochLogs struct {
	Epoch         int
	Phase         Phase
	LearningRate  float32
	Train         LossTerms
	Val           LossTerms
	HasValidation bool
	Batches       int
	Targets       targets.Stats
	Duration      time.Duration
}

// Monitored is the quantity checkpoint selection, early stopping and the
// plateau schedule watch: the validation loss, or the training loss when no
// validation data is configured.
func (l EpochLogs) Monitored() float64 {
	if l.HasValidation {
		return l.Val.Total
	}
	return l.Train.Total
}

// Scalars flattens the logs for progress display and monitoring hooks.
func (l EpochLogs) Scalars() map[string]float64 {
	m := map[string]float64{
		"loss":       l.Train.Total,
		"obj_loss":   l.Train.Objectness,
		"box_loss":   l.Train.Box,
		"class_loss": l.Train.Class,
		"lr":         float64(l.LearningRate),
	}
	if l.HasValidation {
		m["val_loss"] = l.Val.Total
		m["val_obj_loss"] = l.Val.Objectness
		m["val_box_loss"] = l.Val.Box
		m["val_class_loss"] = l.Val.Class
	}
	return m
}

// PhaseResult summarises one finished phase.
type PhaseResult struct {
	Phase        Phase
	EpochsRun    int
	StoppedEarly bool
	Last         EpochLogs
}

// Callback observes the curriculum. OnEpochEnd may ask for the current phase
// to stop; any error aborts the run.
type Callback interface {
	OnPhaseBegin(phase Phase) error
	OnEpochEnd(logs EpochLogs) (stop bool, err error)
	OnPhaseEnd(result PhaseResult) error
}

// EarlyStopping stops a phase when the monitored loss has not improved by
// more than MinDelta for Patience epochs. Its state resets at every phase.
type EarlyStopping struct {
	Patience int
	MinDelta float64

	best float64
	wait int
}

// NewEarlyStopping creates an early stopping callback
func NewEarlyStopping(patience int, minDelta float64) *EarlyStopping {
	if patience <= 0 {
		patience = 15
	}
	return &EarlyStopping{Patience: patience, MinDelta: minDelta, best: math.Inf(1)}
}

func (e *EarlyStopping) OnPhaseBegin(Phase) error {
	e.best, e.wait = math.Inf(1), 0
	return nil
}

func (e *EarlyStopping) OnEpochEnd(logs EpochLogs) (bool, error) {
	if v := logs.Monitored(); v < e.best-e.MinDelta {
		e.best, e.wait = v, 0
		return false, nil
	}
	e.wait++
	return e.wait >= e.Patience, nil
}

func (e *EarlyStopping) OnPhaseEnd(PhaseResult) error { return nil }

// CallbackFuncs adapts plain functions to Callback. Nil fields are no-ops.
type CallbackFuncs struct {
	PhaseBegin func(Phase) error
	EpochEnd   func(EpochLogs) (bool, error)
	PhaseEnd   func(PhaseResult) error
}

func (f CallbackFuncs) OnPhaseBegin(p Phase) error {
	if f.PhaseBegin == nil {
		return nil
	}
	return f.PhaseBegin(p)
}

func (f CallbackFuncs) OnEpochEnd(l EpochLogs) (bool, error) {
	if f.EpochEnd == nil {
		return false, nil
	}
	return f.EpochEnd(l)
}

func (f CallbackFuncs) OnPhaseEnd(r PhaseResult) error {
	if f.PhaseEnd == nil {
		return nil
	}
	return f.PhaseEnd(r)
}
