package neural

import (
	"fmt"
	"math/rand/v2"

	"github.com/yaricom/goNEAT/v4/neat/genetics"
	neatmath "github.com/yaricom/goNEAT/v4/neat/math"
	"github.com/yaricom/goNEAT/v4/neat/network"
)

// Controller maps one tick of sensor readings to control outputs.
// Implementations are used by a single goroutine at a time.
type Controller interface {
	Decide(inputs []float64) ([]float64, error)
}

// BrainController wraps a goNEAT network for runtime evaluation.
type BrainController struct {
	Genome  *genetics.Genome
	network *network.Network
	inputs  int
	depth   int
}

// NewBrainController creates a controller from a genome.
func NewBrainController(genome *genetics.Genome) (*BrainController, error) {
	phenotype, err := genome.Genesis(genome.Id)
	if err != nil {
		return nil, fmt.Errorf("failed to build network from genome: %w", err)
	}

	inputs := 0
	for _, n := range genome.Nodes {
		if n.NeuronType == network.InputNeuron {
			inputs++
		}
	}

	// Activate with depth-based steps for proper signal propagation
	depth, err := phenotype.MaxActivationDepth()
	if err != nil || depth < 1 {
		depth = 5 // Fallback for recurrent or degenerate networks
	}

	return &BrainController{
		Genome:  genome,
		network: phenotype,
		inputs:  inputs,
		depth:   depth,
	}, nil
}

// Decide runs the network on inputs and returns tanh-squashed outputs.
func (b *BrainController) Decide(inputs []float64) ([]float64, error) {
	if len(inputs) != b.inputs {
		return nil, fmt.Errorf("expected %d inputs, got %d", b.inputs, len(inputs))
	}

	if err := b.network.LoadSensors(inputs); err != nil {
		return nil, fmt.Errorf("failed to load sensors: %w", err)
	}

	for i := 0; i < b.depth; i++ {
		if _, err := b.network.Activate(); err != nil {
			return nil, fmt.Errorf("activation failed: %w", err)
		}
	}

	outputs := b.network.ReadOutputs()

	// Flush network state for the next tick
	if _, err := b.network.Flush(); err != nil {
		return nil, fmt.Errorf("flush failed: %w", err)
	}

	return outputs, nil
}

// NodeCount returns the number of nodes in the network.
func (b *BrainController) NodeCount() int {
	return b.network.NodeCount()
}

// LinkCount returns the number of links (connections) in the network.
func (b *BrainController) LinkCount() int {
	return b.network.LinkCount()
}

// CreateBrainGenome creates a genome with sparse random input to output
// connections. Input nodes are 1..inputs, outputs follow.
func CreateBrainGenome(id, inputs, outputs int, connectionProb float64, rng *rand.Rand) *genetics.Genome {
	nodes := make([]*network.NNode, 0, inputs+outputs)

	for i := 1; i <= inputs; i++ {
		node := network.NewNNode(i, network.InputNeuron)
		node.ActivationType = neatmath.LinearActivation
		nodes = append(nodes, node)
	}

	for i := 1; i <= outputs; i++ {
		node := network.NewNNode(inputs+i, network.OutputNeuron)
		node.ActivationType = neatmath.TanhActivation
		nodes = append(nodes, node)
	}

	genes := make([]*genetics.Gene, 0)
	innovNum := int64(1)

	for i := 0; i < inputs; i++ {
		for j := 0; j < outputs; j++ {
			// Always increment innovation so the same link gets the same
			// number in every initial genome
			currentInnov := innovNum
			innovNum++

			if rng.Float64() < connectionProb {
				gene := genetics.NewGeneWithTrait(
					nil,
					rng.Float64()*4-2,
					nodes[i],
					nodes[inputs+j],
					false,
					currentInnov,
					0,
				)
				genes = append(genes, gene)
			}
		}
	}

	// Every output needs at least one incoming link
	for j := 0; j < outputs; j++ {
		if hasIncoming(genes, inputs+j+1) {
			continue
		}
		i := rng.IntN(inputs)
		gene := genetics.NewGeneWithTrait(
			nil,
			rng.Float64()*2-1,
			nodes[i],
			nodes[inputs+j],
			false,
			int64(i*outputs+j+1),
			0,
		)
		genes = append(genes, gene)
	}

	return genetics.NewGenome(id, nil, nodes, genes)
}

func hasIncoming(genes []*genetics.Gene, nodeID int) bool {
	for _, g := range genes {
		if g.Link.OutNode.Id == nodeID {
			return true
		}
	}
	return false
}
