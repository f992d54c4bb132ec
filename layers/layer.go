package layers

import (
	"fmt"
	"strings"
)

// LayerType represents the type of network layer
type LayerType int

const (
	Conv2D LayerType = iota
	LeakyReLU
	MaxPool2D
	Upsample2D
	YOLOOutput
)

func (lt LayerType) String() string {
	switch lt {
	case Conv2D:
		return "Conv2D"
	case LeakyReLU:
		return "LeakyReLU"
	case MaxPool2D:
		return "MaxPool2D"
	case Upsample2D:
		return "Upsample2D"
	case YOLOOutput:
		return "YOLOOutput"
	default:
		return "Unknown"
	}
}

// LayerSpec defines layer configuration. It is pure configuration; the
// executable layer is created by Build.
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Shape information (computed during model compilation)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// ModelSpec defines a compiled chain of layers. Shapes are NHWC,
// [batch, height, width, channels]; the batch dimension is only nominal and
// any batch size is accepted at run time.
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	// Compiled model information
	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// ModelBuilder helps construct layer chains
type ModelBuilder struct {
	layers     []LayerSpec
	inputShape []int
	compiled   bool
}

// NewModelBuilder creates a new model builder for an NHWC input shape
func NewModelBuilder(inputShape []int) *ModelBuilder {
	return &ModelBuilder{
		layers:     make([]LayerSpec, 0),
		inputShape: inputShape,
		compiled:   false,
	}
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	mb.layers = append(mb.layers, layer)
	mb.compiled = false
	return mb
}

// AddConv2D adds a Conv2D layer. Input channels are taken from the incoming
// shape at compile time.
func (mb *ModelBuilder) AddConv2D(
	outputChannels, kernelSize, stride, padding int,
	useBias bool, name string,
) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Conv2D,
		Name: name,
		Parameters: map[string]interface{}{
			"output_channels": outputChannels,
			"kernel_size":     kernelSize,
			"stride":          stride,
			"padding":         padding,
			"use_bias":        useBias,
		},
	})
}

// AddSameConv2D adds a stride-1 convolution that keeps the spatial size
func (mb *ModelBuilder) AddSameConv2D(outputChannels, kernelSize int, name string) *ModelBuilder {
	return mb.AddConv2D(outputChannels, kernelSize, 1, (kernelSize-1)/2, true, name)
}

// AddLeakyReLU adds a Leaky ReLU activation
// negativeSlope: slope for negative input values (YOLO uses 0.1)
func (mb *ModelBuilder) AddLeakyReLU(negativeSlope float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: LeakyReLU,
		Name: name,
		Parameters: map[string]interface{}{
			"negative_slope": negativeSlope,
		},
	})
}

// AddMaxPool2D adds a max pooling layer
func (mb *ModelBuilder) AddMaxPool2D(poolSize, stride int, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: MaxPool2D,
		Name: name,
		Parameters: map[string]interface{}{
			"pool_size": poolSize,
			"stride":    stride,
		},
	})
}

// AddUpsample2D adds nearest-neighbour upsampling by an integer factor
func (mb *ModelBuilder) AddUpsample2D(factor int, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Upsample2D,
		Name: name,
		Parameters: map[string]interface{}{
			"factor": factor,
		},
	})
}

// AddYOLOOutput reshapes [B, h, w, A*(5+C)] into [B, h, w, A, 5+C]. The grid
// is fixed from the incoming shape when the model is compiled.
func (mb *ModelBuilder) AddYOLOOutput(anchorsPerCell, numClasses int, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: YOLOOutput,
		Name: name,
		Parameters: map[string]interface{}{
			"anchors":     anchorsPerCell,
			"num_classes": numClasses,
		},
	})
}

// Compile computes shapes and parameter counts
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}
	if len(mb.inputShape) != 4 {
		return nil, fmt.Errorf("input shape must be [batch, height, width, channels], got %v", mb.inputShape)
	}

	model := &ModelSpec{
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: append([]int(nil), mb.inputShape...),
	}
	for i, l := range mb.layers {
		model.Layers[i] = l
		model.Layers[i].Parameters = make(map[string]interface{}, len(l.Parameters))
		for k, v := range l.Parameters {
			model.Layers[i].Parameters[k] = v
		}
	}

	currentShape := model.InputShape
	var allParameterShapes [][]int
	totalParams := int64(0)

	for i := range model.Layers {
		layer := &model.Layers[i]
		layer.InputShape = append([]int(nil), currentShape...)

		outputShape, paramShapes, paramCount, err := computeLayerInfo(layer, currentShape)
		if err != nil {
			return nil, fmt.Errorf("failed to compute layer %d (%s) info: %v", i, layer.Name, err)
		}

		layer.OutputShape = outputShape
		layer.ParameterShapes = paramShapes
		layer.ParameterCount = paramCount

		allParameterShapes = append(allParameterShapes, paramShapes...)
		totalParams += paramCount
		currentShape = outputShape
	}

	model.OutputShape = currentShape
	model.ParameterShapes = allParameterShapes
	model.TotalParameters = totalParams
	model.Compiled = true
	mb.compiled = true

	return model, nil
}

// Recompile returns a copy of spec compiled for a new input shape. Parameter
// shapes must not change, so only the spatial size and batch may differ.
func Recompile(spec *ModelSpec, inputShape []int) (*ModelSpec, error) {
	mb := NewModelBuilder(inputShape)
	for _, l := range spec.Layers {
		l.InputShape, l.OutputShape, l.ParameterShapes = nil, nil, nil
		mb.AddLayer(l)
	}
	out, err := mb.Compile()
	if err != nil {
		return nil, err
	}
	if out.TotalParameters != spec.TotalParameters {
		return nil, fmt.Errorf("recompiling for %v changed the parameter count from %d to %d",
			inputShape, spec.TotalParameters, out.TotalParameters)
	}
	return out, nil
}

func computeLayerInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	switch layer.Type {
	case Conv2D:
		return computeConv2DInfo(layer, inputShape)
	case LeakyReLU:
		return append([]int(nil), inputShape...), [][]int{}, 0, nil
	case MaxPool2D:
		return computeMaxPoolInfo(layer, inputShape)
	case Upsample2D:
		factor := getIntParam(layer.Parameters, "factor", 2)
		if factor < 1 {
			return nil, nil, 0, fmt.Errorf("upsample factor must be positive, got %d", factor)
		}
		return []int{inputShape[0], inputShape[1] * factor, inputShape[2] * factor, inputShape[3]}, [][]int{}, 0, nil
	case YOLOOutput:
		return computeYOLOOutputInfo(layer, inputShape)
	default:
		return nil, nil, 0, fmt.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

func computeConv2DInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, 0, fmt.Errorf("Conv2D layer requires 4D input [batch, height, width, channels]")
	}

	outputChannels := getIntParam(layer.Parameters, "output_channels", 0)
	kernelSize := getIntParam(layer.Parameters, "kernel_size", 0)
	if outputChannels <= 0 || kernelSize <= 0 {
		return nil, nil, 0, fmt.Errorf("missing output_channels or kernel_size parameter")
	}
	stride := getIntParam(layer.Parameters, "stride", 1)
	padding := getIntParam(layer.Parameters, "padding", 0)
	useBias := getBoolParam(layer.Parameters, "use_bias", true)

	batchSize, inputHeight, inputWidth, inputChannels := inputShape[0], inputShape[1], inputShape[2], inputShape[3]
	layer.Parameters["input_channels"] = inputChannels

	outputHeight := (inputHeight+2*padding-kernelSize)/stride + 1
	outputWidth := (inputWidth+2*padding-kernelSize)/stride + 1
	if outputHeight <= 0 || outputWidth <= 0 {
		return nil, nil, 0, fmt.Errorf("kernel %d does not fit input %dx%d", kernelSize, inputHeight, inputWidth)
	}

	// Weight tensor: [kernelSize, kernelSize, inputChannels, outputChannels]
	paramShapes := [][]int{{kernelSize, kernelSize, inputChannels, outputChannels}}
	paramCount := int64(kernelSize * kernelSize * inputChannels * outputChannels)
	if useBias {
		paramShapes = append(paramShapes, []int{outputChannels})
		paramCount += int64(outputChannels)
	}

	return []int{batchSize, outputHeight, outputWidth, outputChannels}, paramShapes, paramCount, nil
}

func computeMaxPoolInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	size := getIntParam(layer.Parameters, "pool_size", 2)
	stride := getIntParam(layer.Parameters, "stride", size)
	if size <= 0 || stride <= 0 {
		return nil, nil, 0, fmt.Errorf("pool size and stride must be positive")
	}
	h := (inputShape[1]-size)/stride + 1
	w := (inputShape[2]-size)/stride + 1
	if h <= 0 || w <= 0 {
		return nil, nil, 0, fmt.Errorf("pool %d does not fit input %dx%d", size, inputShape[1], inputShape[2])
	}
	return []int{inputShape[0], h, w, inputShape[3]}, [][]int{}, 0, nil
}

func computeYOLOOutputInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	anchors := getIntParam(layer.Parameters, "anchors", 3)
	classes := getIntParam(layer.Parameters, "num_classes", 0)
	depth := 5 + classes
	if anchors <= 0 || classes <= 0 {
		return nil, nil, 0, fmt.Errorf("anchors and num_classes must be positive")
	}
	if inputShape[3] != anchors*depth {
		return nil, nil, 0, fmt.Errorf("expected %d channels for %d anchors and %d classes, got %d",
			anchors*depth, anchors, classes, inputShape[3])
	}
	layer.Parameters["grid_h"] = inputShape[1]
	layer.Parameters["grid_w"] = inputShape[2]
	return []int{inputShape[0], inputShape[1], inputShape[2], anchors, depth}, [][]int{}, 0, nil
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Input Shape: %v\n", ms.InputShape)
	fmt.Fprintf(&sb, "Output Shape: %v\n", ms.OutputShape)
	fmt.Fprintf(&sb, "Total Parameters: %d\n", ms.TotalParameters)
	fmt.Fprintf(&sb, "Layers: %d\n", len(ms.Layers))
	for i, layer := range ms.Layers {
		fmt.Fprintf(&sb, "  %2d %-28s %-11s %v -> %v (%d params)\n",
			i+1, layer.Name, layer.Type.String(), layer.InputShape, layer.OutputShape, layer.ParameterCount)
	}
	return sb.String()
}

// Helper functions for parameter extraction. JSON-decoded specs carry float64
// numbers, so both forms are accepted.
func getIntParam(params map[string]interface{}, key string, defaultValue int) int {
	if val, exists := params[key]; exists {
		switch v := val.(type) {
		case int:
			return v
		case float64:
			return int(v)
		}
	}
	return defaultValue
}

func getBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, exists := params[key]; exists {
		if boolVal, ok := val.(bool); ok {
			return boolVal
		}
	}
	return defaultValue
}

func getFloatParam(params map[string]interface{}, key string, defaultValue float32) float32 {
	if val, exists := params[key]; exists {
		if floatVal, ok := val.(float32); ok {
			return floatVal
		}
		if floatVal, ok := val.(float64); ok {
			return float32(floatVal)
		}
	}
	return defaultValue
}
