// Package neural provides the vehicle controllers: goNEAT phenotypes and a
// fixed-topology feedforward network, plus the genome operators that evolve them.
package neural

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// FFNN is a two-layer feedforward network with tanh activations.
// Weights are stored row-major: W1[h*Inputs+i], W2[o*Hidden+h].
type FFNN struct {
	Inputs, Hidden, Outputs int

	W1 []float64 // input -> hidden weights
	B1 []float64 // hidden biases
	W2 []float64 // hidden -> output weights
	B2 []float64 // output biases

	hidden []float64
}

// NewFFNN creates a network with Xavier-initialized weights and zero biases.
func NewFFNN(rng *rand.Rand, inputs, hidden, outputs int) *FFNN {
	nn := &FFNN{
		Inputs:  inputs,
		Hidden:  hidden,
		Outputs: outputs,
		W1:      make([]float64, hidden*inputs),
		B1:      make([]float64, hidden),
		W2:      make([]float64, outputs*hidden),
		B2:      make([]float64, outputs),
	}
	scale1 := math.Sqrt(2.0 / float64(inputs))
	scale2 := math.Sqrt(2.0 / float64(hidden))
	for i := range nn.W1 {
		nn.W1[i] = rng.NormFloat64() * scale1
	}
	for i := range nn.W2 {
		nn.W2[i] = rng.NormFloat64() * scale2
	}
	return nn
}

// Decide computes the network output, each in [-1, 1].
func (nn *FFNN) Decide(inputs []float64) ([]float64, error) {
	if len(inputs) != nn.Inputs {
		return nil, fmt.Errorf("expected %d inputs, got %d", nn.Inputs, len(inputs))
	}
	if len(nn.hidden) != nn.Hidden {
		nn.hidden = make([]float64, nn.Hidden)
	}

	for h := 0; h < nn.Hidden; h++ {
		sum := nn.B1[h]
		row := nn.W1[h*nn.Inputs : (h+1)*nn.Inputs]
		for i, x := range inputs {
			sum += row[i] * x
		}
		nn.hidden[h] = tanh(sum)
	}

	out := make([]float64, nn.Outputs)
	for o := 0; o < nn.Outputs; o++ {
		sum := nn.B2[o]
		row := nn.W2[o*nn.Hidden : (o+1)*nn.Hidden]
		for h, x := range nn.hidden {
			sum += row[h] * x
		}
		out[o] = tanh(sum)
	}
	return out, nil
}

// tanh uses a fast rational approximation, exact at 0 and saturating beyond 4.
func tanh(x float64) float64 {
	if x > 4 {
		return 1
	}
	if x < -4 {
		return -1
	}
	x2 := x * x
	return x * (27 + x2) / (27 + 9*x2)
}

// MutateSparse applies sparse per-weight Gaussian mutation.
// rate: probability each weight mutates; biases mutate at half the rate.
// Returns the average absolute delta of the applied mutations.
func (nn *FFNN) MutateSparse(rng *rand.Rand, rate, sigma float64) float64 {
	var total float64
	var count int

	mutate := func(ws []float64, p float64) {
		for i := range ws {
			if rng.Float64() < p {
				d := rng.NormFloat64() * sigma
				ws[i] += d
				total += math.Abs(d)
				count++
			}
		}
	}
	mutate(nn.W1, rate)
	mutate(nn.B1, rate*0.5)
	mutate(nn.W2, rate)
	mutate(nn.B2, rate*0.5)

	if count == 0 {
		return 0
	}
	return total / float64(count)
}

// Crossover returns a child taking each weight uniformly from a or b.
func Crossover(rng *rand.Rand, a, b *FFNN) (*FFNN, error) {
	if a.Inputs != b.Inputs || a.Hidden != b.Hidden || a.Outputs != b.Outputs {
		return nil, fmt.Errorf("crossover: shape mismatch %dx%dx%d vs %dx%dx%d",
			a.Inputs, a.Hidden, a.Outputs, b.Inputs, b.Hidden, b.Outputs)
	}
	child := a.Clone()
	pick := func(dst, src []float64) {
		for i := range dst {
			if rng.Float64() < 0.5 {
				dst[i] = src[i]
			}
		}
	}
	pick(child.W1, b.W1)
	pick(child.B1, b.B1)
	pick(child.W2, b.W2)
	pick(child.B2, b.B2)
	return child, nil
}

// Clone creates a deep copy of the network.
func (nn *FFNN) Clone() *FFNN {
	return &FFNN{
		Inputs:  nn.Inputs,
		Hidden:  nn.Hidden,
		Outputs: nn.Outputs,
		W1:      append([]float64(nil), nn.W1...),
		B1:      append([]float64(nil), nn.B1...),
		W2:      append([]float64(nil), nn.W2...),
		B2:      append([]float64(nil), nn.B2...),
	}
}

// BrainWeights holds network weights for serialization.
type BrainWeights struct {
	Inputs  int       `json:"inputs"`
	Hidden  int       `json:"hidden"`
	Outputs int       `json:"outputs"`
	W1      []float64 `json:"w1"`
	B1      []float64 `json:"b1"`
	W2      []float64 `json:"w2"`
	B2      []float64 `json:"b2"`
}

// MarshalWeights copies the network weights for JSON serialization.
func (nn *FFNN) MarshalWeights() BrainWeights {
	c := nn.Clone()
	return BrainWeights{
		Inputs:  c.Inputs,
		Hidden:  c.Hidden,
		Outputs: c.Outputs,
		W1:      c.W1,
		B1:      c.B1,
		W2:      c.W2,
		B2:      c.B2,
	}
}

// UnmarshalWeights rebuilds a network from serialized weights.
func UnmarshalWeights(bw BrainWeights) (*FFNN, error) {
	if len(bw.W1) != bw.Hidden*bw.Inputs || len(bw.B1) != bw.Hidden ||
		len(bw.W2) != bw.Outputs*bw.Hidden || len(bw.B2) != bw.Outputs {
		return nil, fmt.Errorf("unmarshal weights: lengths do not match %dx%dx%d", bw.Inputs, bw.Hidden, bw.Outputs)
	}
	nn := &FFNN{
		Inputs:  bw.Inputs,
		Hidden:  bw.Hidden,
		Outputs: bw.Outputs,
		W1:      bw.W1,
		B1:      bw.B1,
		W2:      bw.W2,
		B2:      bw.B2,
	}
	return nn.Clone(), nil
}
