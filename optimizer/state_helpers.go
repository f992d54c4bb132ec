package optimizer

import (
	"fmt"
	"maps"
	"slices"

	"github.com/tsawler/go-yolo/checkpoints"
)

// Common helper functions for optimizer state management

// extractBufferState copies one named state buffer for a checkpoint
func extractBufferState(buffer []float32, name string, stateType string) checkpoints.OptimizerTensor {
	data := make([]float32, len(buffer))
	copy(data, buffer)
	return checkpoints.OptimizerTensor{
		Name:      name,
		Shape:     []int{len(data)},
		Data:      data,
		StateType: stateType,
	}
}

// restoreBufferState validates and copies checkpoint data into a new buffer
func restoreBufferState(tensor checkpoints.OptimizerTensor, expected int) ([]float32, error) {
	if expected >= 0 && len(tensor.Data) != expected {
		return nil, fmt.Errorf("data size mismatch for %s: expected %d elements, got %d",
			tensor.Name, expected, len(tensor.Data))
	}
	data := make([]float32, len(tensor.Data))
	copy(data, tensor.Data)
	return data, nil
}

// Parameters arrive as their Go types from GetState and as float64 after a
// JSON round trip, so every numeric form is accepted.

func extractFloat32Param(params map[string]interface{}, key string, defaultValue float32) float32 {
	switch v := params[key].(type) {
	case float32:
		return v
	case float64:
		return float32(v)
	}
	return defaultValue
}

func extractBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := params[key].(bool); ok {
		return val
	}
	return defaultValue
}

func extractUint64Param(params map[string]interface{}, key string, defaultValue uint64) uint64 {
	switch v := params[key].(type) {
	case uint64:
		return v
	case int:
		return uint64(v)
	case float64:
		return uint64(v)
	}
	return defaultValue
}

// sortedKeys gives state buffers a stable order in checkpoints
func sortedKeys(m map[string][]float32) []string {
	return slices.Sorted(maps.Keys(m))
}
