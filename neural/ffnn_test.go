package neural

import (
	"math"
	"math/rand/v2"
	"testing"
)

func TestFFNNShape(t *testing.T) {
	nn := NewFFNN(testRNG(), testInputs, HiddenUnits, testOutputs)

	if len(nn.W1) != HiddenUnits*testInputs || len(nn.W2) != testOutputs*HiddenUnits {
		t.Fatalf("unexpected weight lengths %d, %d", len(nn.W1), len(nn.W2))
	}
	for _, b := range nn.B1 {
		if b != 0 {
			t.Fatal("hidden biases should start at zero")
		}
	}
}

func TestFFNNDecide(t *testing.T) {
	nn := NewFFNN(testRNG(), testInputs, HiddenUnits, testOutputs)

	testCases := []struct {
		name   string
		inputs []float64
	}{
		{"zeros", make([]float64, testInputs)},
		{"ones", []float64{1, 1, 1, 1, 1, 1, 1}},
		{"large", []float64{100, -100, 100, -100, 100, -100, 100}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := nn.Decide(tc.inputs)
			if err != nil {
				t.Fatalf("Decide failed: %v", err)
			}
			if len(out) != testOutputs {
				t.Fatalf("expected %d outputs, got %d", testOutputs, len(out))
			}
			for i, v := range out {
				if math.IsNaN(v) || v < -1 || v > 1 {
					t.Errorf("output %d = %f out of range", i, v)
				}
			}
		})
	}

	if _, err := nn.Decide([]float64{1}); err == nil {
		t.Error("expected error for wrong input count")
	}
}

func TestFFNNZeroInputsZeroOutputs(t *testing.T) {
	// With zero biases, tanh(0) propagates to zero outputs
	nn := NewFFNN(testRNG(), testInputs, HiddenUnits, testOutputs)
	out, _ := nn.Decide(make([]float64, testInputs))
	for i, v := range out {
		if v != 0 {
			t.Errorf("output %d = %f, want 0", i, v)
		}
	}
}

func TestFFNNMutateSparse(t *testing.T) {
	nn := NewFFNN(testRNG(), testInputs, HiddenUnits, testOutputs)
	orig := nn.Clone()

	avg := nn.MutateSparse(rand.New(rand.NewPCG(7, 7)), 1.0, 0.3)
	if avg <= 0 {
		t.Errorf("expected positive average delta, got %f", avg)
	}
	changed := 0
	for i := range nn.W1 {
		if nn.W1[i] != orig.W1[i] {
			changed++
		}
	}
	if changed != len(nn.W1) {
		t.Errorf("rate 1.0 should change every weight, changed %d of %d", changed, len(nn.W1))
	}

	if d := nn.MutateSparse(testRNG(), 0, 0.3); d != 0 {
		t.Errorf("rate 0 should change nothing, avg delta %f", d)
	}
}

func TestFFNNCloneIndependent(t *testing.T) {
	nn := NewFFNN(testRNG(), testInputs, HiddenUnits, testOutputs)
	c := nn.Clone()
	c.W1[0] += 1
	if nn.W1[0] == c.W1[0] {
		t.Error("clone shares weight storage")
	}
}

func TestFFNNCrossover(t *testing.T) {
	rng := testRNG()
	a := NewFFNN(rng, testInputs, HiddenUnits, testOutputs)
	b := NewFFNN(rng, testInputs, HiddenUnits, testOutputs)
	child, err := Crossover(rng, a, b)
	if err != nil {
		t.Fatalf("Crossover failed: %v", err)
	}
	for i := range child.W1 {
		if child.W1[i] != a.W1[i] && child.W1[i] != b.W1[i] {
			t.Fatalf("weight %d came from neither parent", i)
		}
	}

	other := NewFFNN(rng, 3, 2, 1)
	if _, err := Crossover(rng, a, other); err == nil {
		t.Error("expected shape mismatch error")
	}
}

func TestFFNNWeightsRoundTrip(t *testing.T) {
	nn := NewFFNN(testRNG(), testInputs, HiddenUnits, testOutputs)
	restored, err := UnmarshalWeights(nn.MarshalWeights())
	if err != nil {
		t.Fatalf("UnmarshalWeights failed: %v", err)
	}
	in := []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7}
	a, _ := nn.Decide(in)
	b, _ := restored.Decide(in)
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("output %d differs after round trip", i)
		}
	}

	bad := nn.MarshalWeights()
	bad.B2 = bad.B2[:1]
	if _, err := UnmarshalWeights(bad); err == nil {
		t.Error("expected error for truncated weights")
	}
}
