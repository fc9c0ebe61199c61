package neural

import (
	"math"
	"math/rand/v2"
	"testing"
)

const (
	testInputs  = 7
	testOutputs = 2
)

func testRNG() *rand.Rand {
	return rand.New(rand.NewPCG(1, 2))
}

func TestCreateBrainGenome(t *testing.T) {
	genome := CreateBrainGenome(1, testInputs, testOutputs, 0.3, testRNG())

	if genome.Id != 1 {
		t.Errorf("expected genome ID 1, got %d", genome.Id)
	}
	if len(genome.Nodes) != testInputs+testOutputs {
		t.Errorf("expected %d nodes, got %d", testInputs+testOutputs, len(genome.Nodes))
	}
	for out := testInputs + 1; out <= testInputs+testOutputs; out++ {
		if !hasIncoming(genome.Genes, out) {
			t.Errorf("output node %d has no incoming gene", out)
		}
	}

	t.Logf("Created genome with %d nodes and %d genes", len(genome.Nodes), len(genome.Genes))
}

func TestCreateBrainGenomeSparse(t *testing.T) {
	// Zero connection probability still connects every output
	genome := CreateBrainGenome(1, testInputs, testOutputs, 0, testRNG())
	if len(genome.Genes) != testOutputs {
		t.Errorf("expected %d genes, got %d", testOutputs, len(genome.Genes))
	}
}

func TestBrainControllerDecide(t *testing.T) {
	genome := CreateBrainGenome(1, testInputs, testOutputs, 1, testRNG())
	controller, err := NewBrainController(genome)
	if err != nil {
		t.Fatalf("NewBrainController failed: %v", err)
	}

	inputs := []float64{1, 0.5, 0.2, 0.5, 1, 0.1, 0.8}
	outputs, err := controller.Decide(inputs)
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if len(outputs) != testOutputs {
		t.Fatalf("expected %d outputs, got %d", testOutputs, len(outputs))
	}
	for i, v := range outputs {
		if math.IsNaN(v) || v < -1 || v > 1 {
			t.Errorf("output %d = %f, want within [-1, 1]", i, v)
		}
	}

	// Flushed state: same inputs give the same outputs
	again, err := controller.Decide(inputs)
	if err != nil {
		t.Fatalf("second Decide failed: %v", err)
	}
	for i := range outputs {
		if outputs[i] != again[i] {
			t.Errorf("output %d changed between calls: %f vs %f", i, outputs[i], again[i])
		}
	}

	t.Logf("Controller has %d nodes and %d links", controller.NodeCount(), controller.LinkCount())
}

func TestBrainControllerWrongInputs(t *testing.T) {
	genome := CreateBrainGenome(1, testInputs, testOutputs, 0.5, testRNG())
	controller, err := NewBrainController(genome)
	if err != nil {
		t.Fatalf("NewBrainController failed: %v", err)
	}
	if _, err := controller.Decide(make([]float64, 3)); err == nil {
		t.Error("expected error for wrong input count")
	}
}

func TestEncodeDecodeGenome(t *testing.T) {
	rng := testRNG()
	genome := CreateBrainGenome(4, testInputs, testOutputs, 0.6, rng)
	idGen := NewGenomeIDGenerator()
	addNode(genome, idGen, rng)
	genome.Genes[0].IsEnabled = false

	decoded, err := DecodeGenome(EncodeGenome(genome))
	if err != nil {
		t.Fatalf("DecodeGenome failed: %v", err)
	}
	if decoded.Id != genome.Id || len(decoded.Nodes) != len(genome.Nodes) || len(decoded.Genes) != len(genome.Genes) {
		t.Fatalf("shape mismatch after decode")
	}
	for i, g := range genome.Genes {
		d := decoded.Genes[i]
		if d.Link.ConnectionWeight != g.Link.ConnectionWeight || d.IsEnabled != g.IsEnabled || d.InnovationNum != g.InnovationNum {
			t.Errorf("gene %d differs after decode", i)
		}
	}
	for i, n := range genome.Nodes {
		if decoded.Nodes[i].NeuronType != n.NeuronType || decoded.Nodes[i].ActivationType != n.ActivationType {
			t.Errorf("node %d differs after decode", i)
		}
	}

	a, err := NewBrainController(genome)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewBrainController(decoded)
	if err != nil {
		t.Fatal(err)
	}
	in := []float64{0.3, 0.6, 1, 0.6, 0.3, -0.2, 0.4}
	oa, _ := a.Decide(in)
	ob, _ := b.Decide(in)
	for i := range oa {
		if oa[i] != ob[i] {
			t.Errorf("output %d differs: %f vs %f", i, oa[i], ob[i])
		}
	}
}

func TestDecodeGenomeRejectsBadRole(t *testing.T) {
	j := &GenomeJSON{ID: 1, Nodes: []NodeJSON{{ID: 1, Role: "sideways"}}}
	if _, err := DecodeGenome(j); err == nil {
		t.Error("expected error for unknown role")
	}
	if _, err := DecodeGenome(nil); err == nil {
		t.Error("expected error for nil genome")
	}
}

func TestIODescriptors(t *testing.T) {
	in := InputDescriptors([]float64{-60, -30, 0, 30, 60})
	if len(in) != testInputs {
		t.Errorf("expected %d input descriptors, got %d", testInputs, len(in))
	}
	if in[0].ID != "radar_-60" || in[2].ID != "radar_+0" {
		t.Errorf("unexpected radar ids %q %q", in[0].ID, in[2].ID)
	}
	if OutputCount() != testOutputs {
		t.Errorf("expected %d outputs, got %d", testOutputs, OutputCount())
	}
}
