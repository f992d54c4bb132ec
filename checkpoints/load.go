package checkpoints

import (
	"slices"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tsawler/go-yolo/layers"
	"github.com/tsawler/go-yolo/tensor"
)

// ErrMissingHeadWeights is returned when a required parameter is absent from
// a checkpoint or has the wrong shape.
var ErrMissingHeadWeights = errors.New("checkpoint is missing detection head weights")

// LoadOptions controls by-name weight loading.
type LoadOptions struct {
	// Parameters whose name starts with one of these prefixes must be present
	// with a matching shape. All others are loaded when available and left at
	// their initial values otherwise.
	RequiredPrefixes []string

	// StripPrefix is removed from checkpoint names before matching, so a
	// standalone backbone checkpoint can be loaded into a detector.
	StripPrefix string
	// AddPrefix is prepended to checkpoint names before matching.
	AddPrefix string
}

// LoadReport lists what happened to every parameter.
type LoadReport struct {
	Loaded     []string
	Missing    []string
	Mismatched []string
	Unused     []string
}

// LoadWeights copies checkpoint tensors into params by name. Missing or
// mis-shaped optional parameters are logged and skipped; missing required
// parameters are reported together as ErrMissingHeadWeights.
func LoadWeights(weights []WeightTensor, params []*layers.Parameter, opts LoadOptions, logger *zap.SugaredLogger) (LoadReport, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	byName := make(map[string]WeightTensor, len(weights))
	for _, w := range weights {
		name := opts.AddPrefix + strings.TrimPrefix(w.Name, opts.StripPrefix)
		byName[name] = w
	}

	var report LoadReport
	var errs error
	used := make(map[string]bool, len(params))
	for _, p := range params {
		required := isRequired(p.Name, opts.RequiredPrefixes)
		w, ok := byName[p.Name]
		if !ok {
			report.Missing = append(report.Missing, p.Name)
			if required {
				errs = multierr.Append(errs, errors.Wrap(ErrMissingHeadWeights, p.Name))
			} else {
				logger.Warnw("parameter not in checkpoint, keeping initial value", "parameter", p.Name)
			}
			continue
		}
		used[p.Name] = true
		if !slices.Equal(w.Shape, p.Value.Shape) || len(w.Data) != len(p.Value.Data) {
			report.Mismatched = append(report.Mismatched, p.Name)
			if required {
				errs = multierr.Append(errs, errors.Wrapf(ErrMissingHeadWeights,
					"%s has shape %v, checkpoint has %v", p.Name, p.Value.Shape, w.Shape))
			} else {
				logger.Warnw("checkpoint shape mismatch, keeping initial value",
					"parameter", p.Name, "want", p.Value.Shape, "got", w.Shape)
			}
			continue
		}
		report.Loaded = append(report.Loaded, p.Name)
	}
	if errs != nil {
		return report, errs
	}

	// Only copy once every required parameter is known to be present.
	loaded := make(map[string]bool, len(report.Loaded))
	for _, name := range report.Loaded {
		loaded[name] = true
	}
	for _, p := range params {
		if loaded[p.Name] {
			copy(p.Value.Data, byName[p.Name].Data)
		}
	}
	for name := range byName {
		if !used[name] {
			report.Unused = append(report.Unused, name)
		}
	}
	slices.Sort(report.Unused)
	if len(report.Unused) > 0 {
		logger.Debugw("checkpoint tensors without a matching parameter", "count", len(report.Unused))
	}
	logger.Infow("loaded weights", "loaded", len(report.Loaded), "missing", len(report.Missing),
		"mismatched", len(report.Mismatched))
	return report, nil
}

func isRequired(name string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// WeightToTensor converts a checkpoint tensor back to a tensor.
func WeightToTensor(w WeightTensor) (*tensor.Tensor, error) {
	data := make([]float32, len(w.Data))
	copy(data, w.Data)
	t, err := tensor.NewTensor(w.Shape, data)
	return t, errors.Wrapf(err, "weight %s", w.Name)
}
