package layers

import (
	"math"
	"math/rand"
	"testing"

	"github.com/tsawler/go-yolo/tensor"
)

// weightedSum is the scalar sum(out * r) used to probe gradients.
func weightedSum(out, r *tensor.Tensor) float64 {
	var s float64
	for i, v := range out.Data {
		s += float64(v) * float64(r.Data[i])
	}
	return s
}

func checkGradients(t *testing.T, l Layer, x *tensor.Tensor, rng *rand.Rand) {
	t.Helper()
	out, err := l.Forward(x)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	r, _ := tensor.RandomNormal(out.Shape, 0, 1, rng)

	ZeroGrads(l.Parameters())
	dx, err := l.Backward(r)
	if err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	eval := func() float64 {
		o, err := l.Forward(x)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		return weightedSum(o, r)
	}
	// A probe that straddles a kink (ReLU at zero, a max-pool tie) gives a
	// meaningless numeric slope, so a few misses are tolerated.
	var probes, misses int
	probe := func(what string, data []float32, analytic []float32) {
		const eps = 1e-3
		for i := 0; i < len(data); i += 1 + len(data)/40 {
			orig := data[i]
			data[i] = orig + eps
			hi := eval()
			up := data[i]
			data[i] = orig - eps
			lo := eval()
			down := data[i]
			data[i] = orig
			numeric := (hi - lo) / float64(up-down)
			probes++
			if math.Abs(numeric-float64(analytic[i])) > 1e-2+1e-2*math.Abs(numeric) {
				misses++
				t.Logf("%s[%d]: analytic %v, numeric %v", what, i, analytic[i], numeric)
			}
		}
	}

	probe("input", x.Data, dx.Data)
	for _, p := range l.Parameters() {
		probe(p.Name, p.Value.Data, p.Grad.Data)
	}
	if misses > probes/10 {
		t.Errorf("%d of %d gradient probes disagree", misses, probes)
	}
}

// spacedInput returns a tensor whose values are a shuffled ramp with no two
// values closer than 0.1 and none near zero.
func spacedInput(shape []int, rng *rand.Rand) *tensor.Tensor {
	x, _ := tensor.Zeros(shape)
	for i, p := range rng.Perm(len(x.Data)) {
		x.Data[i] = (float32(p) - float32(len(x.Data))/2 + 0.5) * 0.1
	}
	return x
}

func TestConv2DGradients(t *testing.T) {
	tests := []struct {
		name                    string
		kernel, stride, padding int
	}{
		{"1x1", 1, 1, 0},
		{"3x3 same", 3, 1, 1},
		{"3x3 stride 2", 3, 2, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rng := rand.New(rand.NewSource(21))
			conv, err := NewConv2D("conv", 3, 4, tt.kernel, tt.stride, tt.padding, true, rng)
			if err != nil {
				t.Fatalf("Failed to create conv: %v", err)
			}
			x, _ := tensor.RandomNormal([]int{2, 5, 5, 3}, 0, 1, rng)
			checkGradients(t, conv, x, rng)
		})
	}
}

func TestConv2DKnownValues(t *testing.T) {
	conv, err := NewConv2D("conv", 1, 1, 3, 1, 1, true, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("Failed to create conv: %v", err)
	}
	conv.weight.Value.Fill(1)
	conv.bias.Value.Data[0] = 0.5

	x, _ := tensor.NewTensor([]int{1, 3, 3, 1}, []float32{1, 2, 3, 4, 5, 6, 7, 8, 9})
	out, err := conv.Forward(x)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	// Each output is the sum of the 3x3 neighbourhood plus the bias.
	want := []float32{12.5, 21.5, 16.5, 27.5, 45.5, 33.5, 24.5, 39.5, 28.5}
	for i, w := range want {
		if math.Abs(float64(out.Data[i]-w)) > 1e-5 {
			t.Errorf("Output %d: expected %v, got %v", i, w, out.Data[i])
		}
	}
}

func TestConv2DFrozenKeepsGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	conv, _ := NewConv2D("conv", 2, 2, 3, 1, 1, true, rng)
	SetFrozen(conv.Parameters(), true)

	x, _ := tensor.RandomNormal([]int{1, 4, 4, 2}, 0, 1, rng)
	out, _ := conv.Forward(x)
	g, _ := tensor.Full(out.Shape, 1)
	if _, err := conv.Backward(g); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	for _, p := range conv.Parameters() {
		for _, v := range p.Grad.Data {
			if v != 0 {
				t.Fatalf("Frozen parameter %s received gradient", p.Name)
			}
		}
	}
}

func TestActivationAndResamplingGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	x := spacedInput([]int{2, 4, 4, 3}, rng)

	t.Run("leaky", func(t *testing.T) {
		checkGradients(t, NewLeakyReLU("leaky", 0.1), x, rng)
	})
	t.Run("pool", func(t *testing.T) {
		checkGradients(t, NewMaxPool2D("pool", 2, 2), x, rng)
	})
	t.Run("upsample", func(t *testing.T) {
		checkGradients(t, NewUpsample2D("up", 2), x, rng)
	})
}

func TestSequentialGradients(t *testing.T) {
	spec, err := NewModelBuilder([]int{1, 4, 4, 3}).
		AddSameConv2D(4, 3, "c0").
		AddLeakyReLU(0.1, "l0").
		AddMaxPool2D(2, 2, "p0").
		AddSameConv2D(3*(5+1), 1, "c1").
		AddYOLOOutput(3, 1, "y").
		Compile()
	if err != nil {
		t.Fatalf("Failed to compile: %v", err)
	}
	rng := rand.New(rand.NewSource(13))
	seq, err := Build(spec, rng)
	if err != nil {
		t.Fatalf("Failed to build: %v", err)
	}
	x, _ := tensor.RandomNormal([]int{2, 4, 4, 3}, 0, 1, rng)
	checkGradients(t, sequentialLayer{seq}, x, rng)
}

// sequentialLayer adapts Sequential to the Layer interface for the checker.
type sequentialLayer struct{ *Sequential }

func (sequentialLayer) Name() string { return "sequential" }
