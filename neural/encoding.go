package neural

import (
	"fmt"

	"github.com/yaricom/goNEAT/v4/neat/genetics"
	neatmath "github.com/yaricom/goNEAT/v4/neat/math"
	"github.com/yaricom/goNEAT/v4/neat/network"
)

// GenomeJSON is the serializable form of a goNEAT genome.
type GenomeJSON struct {
	ID    int        `json:"id"`
	Nodes []NodeJSON `json:"nodes"`
	Genes []GeneJSON `json:"genes"`
}

// NodeJSON is one serialized node.
type NodeJSON struct {
	ID         int    `json:"id"`
	Role       string `json:"role"` // input, bias, hidden, output
	Activation int    `json:"activation"`
}

// GeneJSON is one serialized connection gene.
type GeneJSON struct {
	In         int     `json:"in"`
	Out        int     `json:"out"`
	Weight     float64 `json:"weight"`
	Recurrent  bool    `json:"recurrent,omitempty"`
	Innovation int64   `json:"innovation"`
	Mutation   float64 `json:"mutation,omitempty"`
	Enabled    bool    `json:"enabled"`
}

func roleOf(n *network.NNode) string {
	switch n.NeuronType {
	case network.InputNeuron:
		return "input"
	case network.BiasNeuron:
		return "bias"
	case network.OutputNeuron:
		return "output"
	}
	return "hidden"
}

func newNodeForRole(id int, role string) (*network.NNode, error) {
	switch role {
	case "input":
		return network.NewNNode(id, network.InputNeuron), nil
	case "bias":
		return network.NewNNode(id, network.BiasNeuron), nil
	case "output":
		return network.NewNNode(id, network.OutputNeuron), nil
	case "hidden":
		return network.NewNNode(id, network.HiddenNeuron), nil
	}
	return nil, fmt.Errorf("unknown node role %q", role)
}

// EncodeGenome converts a genome to its serializable form. A nil genome
// encodes to nil.
func EncodeGenome(g *genetics.Genome) *GenomeJSON {
	if g == nil {
		return nil
	}
	out := &GenomeJSON{
		ID:    g.Id,
		Nodes: make([]NodeJSON, 0, len(g.Nodes)),
		Genes: make([]GeneJSON, 0, len(g.Genes)),
	}
	for _, n := range g.Nodes {
		out.Nodes = append(out.Nodes, NodeJSON{
			ID:         n.Id,
			Role:       roleOf(n),
			Activation: int(n.ActivationType),
		})
	}
	for _, gene := range g.Genes {
		out.Genes = append(out.Genes, GeneJSON{
			In:         gene.Link.InNode.Id,
			Out:        gene.Link.OutNode.Id,
			Weight:     gene.Link.ConnectionWeight,
			Recurrent:  gene.Link.IsRecurrent,
			Innovation: gene.InnovationNum,
			Mutation:   gene.MutationNum,
			Enabled:    gene.IsEnabled,
		})
	}
	return out
}

// DecodeGenome rebuilds a genome from its serializable form.
func DecodeGenome(j *GenomeJSON) (*genetics.Genome, error) {
	if j == nil {
		return nil, fmt.Errorf("decode genome: nil")
	}
	nodes := make([]*network.NNode, 0, len(j.Nodes))
	byID := make(map[int]*network.NNode, len(j.Nodes))
	for _, nj := range j.Nodes {
		n, err := newNodeForRole(nj.ID, nj.Role)
		if err != nil {
			return nil, fmt.Errorf("decode genome %d: %w", j.ID, err)
		}
		n.ActivationType = neatmath.NodeActivationType(nj.Activation)
		nodes = append(nodes, n)
		byID[nj.ID] = n
	}

	genes := make([]*genetics.Gene, 0, len(j.Genes))
	for _, gj := range j.Genes {
		in, out := byID[gj.In], byID[gj.Out]
		if in == nil || out == nil {
			return nil, fmt.Errorf("decode genome %d: gene %d references missing node", j.ID, gj.Innovation)
		}
		gene := genetics.NewGeneWithTrait(nil, gj.Weight, in, out, gj.Recurrent, gj.Innovation, gj.Mutation)
		gene.IsEnabled = gj.Enabled
		genes = append(genes, gene)
	}
	return genetics.NewGenome(j.ID, nil, nodes, genes), nil
}
