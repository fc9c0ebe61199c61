package neural

import (
	"cmp"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/yaricom/goNEAT/v4/neat"
	"github.com/yaricom/goNEAT/v4/neat/genetics"
	neatmath "github.com/yaricom/goNEAT/v4/neat/math"
	"github.com/yaricom/goNEAT/v4/neat/network"
)

// Mutation constants
const (
	perturbProb         = 0.9  // Probability of perturbing vs replacing weights
	maxConnectionWeight = 8.0  // Maximum absolute connection weight
	maxLinkAttempts     = 20   // Maximum attempts to find a new connection
	initialInnovNum     = 1000 // Starting innovation number to avoid conflicts
)

// GenomeIDGenerator generates unique genome IDs and innovation numbers.
// It is serialized with the population.
type GenomeIDGenerator struct {
	Next       int   `json:"next_id"`
	Innovation int64 `json:"next_innovation"`
}

// NewGenomeIDGenerator creates a new ID generator.
func NewGenomeIDGenerator() *GenomeIDGenerator {
	return &GenomeIDGenerator{
		Next:       1,
		Innovation: initialInnovNum,
	}
}

// NextID returns the next unique genome ID.
func (g *GenomeIDGenerator) NextID() int {
	id := g.Next
	g.Next++
	return id
}

// NextInnovation returns the next innovation number.
func (g *GenomeIDGenerator) NextInnovation() int64 {
	num := g.Innovation
	g.Innovation++
	return num
}

// CrossoverGenomes performs NEAT-style crossover between two parent genomes.
// Genes are aligned by innovation number and the fitter parent contributes
// disjoint and excess genes.
func CrossoverGenomes(parent1, parent2 *genetics.Genome, fitness1, fitness2 float64, childID int, rng *rand.Rand) (*genetics.Genome, error) {
	if parent1 == nil || parent2 == nil {
		return nil, fmt.Errorf("cannot crossover nil genomes")
	}

	var primary, secondary *genetics.Genome
	if fitness1 >= fitness2 {
		primary, secondary = parent1, parent2
	} else {
		primary, secondary = parent2, parent1
	}

	primaryGenes := make(map[int64]*genetics.Gene)
	for _, gene := range primary.Genes {
		primaryGenes[gene.InnovationNum] = gene
	}
	secondaryGenes := make(map[int64]*genetics.Gene)
	for _, gene := range secondary.Genes {
		secondaryGenes[gene.InnovationNum] = gene
	}

	// Sorted innovations keep rng consumption deterministic
	innovations := make([]int64, 0, len(primaryGenes)+len(secondaryGenes))
	for _, gene := range primary.Genes {
		innovations = append(innovations, gene.InnovationNum)
	}
	for _, gene := range secondary.Genes {
		innovations = append(innovations, gene.InnovationNum)
	}
	slices.Sort(innovations)
	innovations = slices.Compact(innovations)

	childNodeMap := make(map[int]*network.NNode)
	for _, node := range primary.Nodes {
		childNodeMap[node.Id] = copyNode(node)
	}
	for _, node := range secondary.Nodes {
		if _, exists := childNodeMap[node.Id]; !exists {
			childNodeMap[node.Id] = copyNode(node)
		}
	}

	childGenes := make([]*genetics.Gene, 0, len(innovations))
	linked := make(map[int64]bool)

	for _, innov := range innovations {
		pGene := primaryGenes[innov]
		sGene := secondaryGenes[innov]

		var selected *genetics.Gene
		enabled := true

		switch {
		case pGene != nil && sGene != nil:
			// Matching gene - randomly select from either parent
			if rng.Float64() < 0.5 {
				selected = pGene
			} else {
				selected = sGene
			}
			// Disabled in either parent: usually stays disabled
			if !pGene.IsEnabled || !sGene.IsEnabled {
				enabled = rng.Float64() >= 0.75
			}
		case pGene != nil:
			selected = pGene
			enabled = pGene.IsEnabled
		case fitness1 == fitness2 && sGene != nil:
			if rng.Float64() < 0.5 {
				selected = sGene
				enabled = sGene.IsEnabled
			}
		}
		if selected == nil {
			continue
		}

		inNode := childNodeMap[selected.Link.InNode.Id]
		outNode := childNodeMap[selected.Link.OutNode.Id]
		if inNode == nil || outNode == nil {
			continue
		}
		key := connectionKey(inNode.Id, outNode.Id)
		if linked[key] {
			continue
		}
		linked[key] = true

		childGene := genetics.NewGeneWithTrait(
			nil,
			selected.Link.ConnectionWeight,
			inNode,
			outNode,
			selected.Link.IsRecurrent,
			selected.InnovationNum,
			selected.MutationNum,
		)
		childGene.IsEnabled = enabled
		childGenes = append(childGenes, childGene)
	}

	childNodes := make([]*network.NNode, 0, len(childNodeMap))
	for _, node := range childNodeMap {
		childNodes = append(childNodes, node)
	}
	slices.SortFunc(childNodes, func(a, b *network.NNode) int { return cmp.Compare(a.Id, b.Id) })

	child := genetics.NewGenome(childID, nil, childNodes, childGenes)
	ensureOutputsConnected(child)
	return child, nil
}

func copyNode(node *network.NNode) *network.NNode {
	newNode := network.NewNNode(node.Id, node.NeuronType)
	newNode.ActivationType = node.ActivationType
	return newNode
}

// ensureOutputsConnected re-enables one incoming gene per dangling output.
func ensureOutputsConnected(genome *genetics.Genome) {
	for _, node := range genome.Nodes {
		if node.NeuronType != network.OutputNeuron {
			continue
		}
		var candidate *genetics.Gene
		ok := false
		for _, g := range genome.Genes {
			if g.Link.OutNode.Id != node.Id {
				continue
			}
			if g.IsEnabled {
				ok = true
				break
			}
			if candidate == nil {
				candidate = g
			}
		}
		if !ok && candidate != nil {
			candidate.IsEnabled = true
		}
	}
}

func mutateWeights(genome *genetics.Genome, power float64, rng *rand.Rand) {
	for _, gene := range genome.Genes {
		if rng.Float64() < perturbProb {
			gene.Link.ConnectionWeight += (rng.Float64()*2 - 1) * power
		} else {
			gene.Link.ConnectionWeight = rng.Float64()*4 - 2
		}
		gene.Link.ConnectionWeight = clampWeight(gene.Link.ConnectionWeight)
	}
}

// clampWeight clamps a connection weight to the valid range.
func clampWeight(w float64) float64 {
	return math.Max(-maxConnectionWeight, math.Min(maxConnectionWeight, w))
}

func addNode(genome *genetics.Genome, idGen *GenomeIDGenerator, rng *rand.Rand) bool {
	enabledGenes := make([]*genetics.Gene, 0)
	for _, gene := range genome.Genes {
		if gene.IsEnabled {
			enabledGenes = append(enabledGenes, gene)
		}
	}
	if len(enabledGenes) == 0 {
		return false
	}

	geneToSplit := enabledGenes[rng.IntN(len(enabledGenes))]
	geneToSplit.IsEnabled = false

	maxNodeID := 0
	for _, node := range genome.Nodes {
		maxNodeID = max(maxNodeID, node.Id)
	}

	newNode := network.NewNNode(maxNodeID+1, network.HiddenNeuron)
	newNode.ActivationType = neatmath.TanhActivation

	// old_in -> new (weight 1), new -> old_out (old weight)
	gene1 := genetics.NewGeneWithTrait(
		nil,
		1.0,
		geneToSplit.Link.InNode,
		newNode,
		false,
		idGen.NextInnovation(),
		0,
	)
	gene2 := genetics.NewGeneWithTrait(
		nil,
		geneToSplit.Link.ConnectionWeight,
		newNode,
		geneToSplit.Link.OutNode,
		false,
		idGen.NextInnovation(),
		0,
	)

	genome.Nodes = append(genome.Nodes, newNode)
	genome.Genes = append(genome.Genes, gene1, gene2)
	return true
}

func addLink(genome *genetics.Genome, idGen *GenomeIDGenerator, rng *rand.Rand) bool {
	var inputs, outputs, hidden []*network.NNode
	for _, node := range genome.Nodes {
		switch node.NeuronType {
		case network.InputNeuron, network.BiasNeuron:
			inputs = append(inputs, node)
		case network.OutputNeuron:
			outputs = append(outputs, node)
		case network.HiddenNeuron:
			hidden = append(hidden, node)
		}
	}

	sources := append(slices.Clip(inputs), hidden...)
	targets := append(slices.Clip(hidden), outputs...)
	if len(sources) == 0 || len(targets) == 0 {
		return false
	}

	existing := make(map[int64]bool)
	for _, gene := range genome.Genes {
		existing[connectionKey(gene.Link.InNode.Id, gene.Link.OutNode.Id)] = true
	}

	for attempt := 0; attempt < maxLinkAttempts; attempt++ {
		source := sources[rng.IntN(len(sources))]
		target := targets[rng.IntN(len(targets))]

		if source.Id == target.Id {
			continue
		}
		// Both directions between hidden nodes would create a cycle
		if existing[connectionKey(source.Id, target.Id)] || existing[connectionKey(target.Id, source.Id)] {
			continue
		}

		newGene := genetics.NewGeneWithTrait(
			nil,
			rng.Float64()*4-2,
			source,
			target,
			false,
			idGen.NextInnovation(),
			0,
		)
		genome.Genes = append(genome.Genes, newGene)
		return true
	}

	return false
}

// connectionKey creates a unique key for a connection between two nodes.
func connectionKey(inID, outID int) int64 {
	return int64(inID)<<32 | int64(outID)
}

func toggleEnable(genome *genetics.Genome, rng *rand.Rand) {
	if len(genome.Genes) == 0 {
		return
	}

	gene := genome.Genes[rng.IntN(len(genome.Genes))]
	gene.IsEnabled = !gene.IsEnabled

	// Keep at least one enabled gene into every output
	if !gene.IsEnabled {
		hasEnabled := false
		for _, g := range genome.Genes {
			if g.Link.OutNode.Id == gene.Link.OutNode.Id && g.IsEnabled {
				hasEnabled = true
				break
			}
		}
		if !hasEnabled {
			gene.IsEnabled = true
		}
	}
}

// MutateGenome applies weight and structural mutations in place.
func MutateGenome(genome *genetics.Genome, opts *neat.Options, idGen *GenomeIDGenerator, rng *rand.Rand) (bool, error) {
	if genome == nil {
		return false, fmt.Errorf("cannot mutate nil genome")
	}

	mutated := false

	if rng.Float64() < opts.MutateLinkWeightsProb {
		mutateWeights(genome, opts.WeightMutPower, rng)
		mutated = true
	}
	if rng.Float64() < opts.MutateAddNodeProb {
		if addNode(genome, idGen, rng) {
			mutated = true
		}
	}
	if rng.Float64() < opts.MutateAddLinkProb {
		if addLink(genome, idGen, rng) {
			mutated = true
		}
	}
	if rng.Float64() < opts.MutateToggleEnableProb {
		toggleEnable(genome, rng)
		mutated = true
	}

	return mutated, nil
}

// CreateOffspring produces a child from two parents: crossover, then mutation.
func CreateOffspring(
	parent1, parent2 *genetics.Genome,
	fitness1, fitness2 float64,
	idGen *GenomeIDGenerator,
	opts *neat.Options,
	rng *rand.Rand,
) (*genetics.Genome, error) {
	child, err := CrossoverGenomes(parent1, parent2, fitness1, fitness2, idGen.NextID(), rng)
	if err != nil {
		return nil, fmt.Errorf("crossover failed: %w", err)
	}
	if _, err := MutateGenome(child, opts, idGen, rng); err != nil {
		return nil, fmt.Errorf("mutation failed: %w", err)
	}
	return child, nil
}

// CloneGenome creates a deep copy of a genome with a new ID.
func CloneGenome(genome *genetics.Genome, newID int) (*genetics.Genome, error) {
	if genome == nil {
		return nil, fmt.Errorf("cannot clone nil genome")
	}

	nodeMap := make(map[int]*network.NNode)
	newNodes := make([]*network.NNode, 0, len(genome.Nodes))
	for _, node := range genome.Nodes {
		newNode := copyNode(node)
		nodeMap[node.Id] = newNode
		newNodes = append(newNodes, newNode)
	}

	newGenes := make([]*genetics.Gene, 0, len(genome.Genes))
	for _, gene := range genome.Genes {
		inNode := nodeMap[gene.Link.InNode.Id]
		outNode := nodeMap[gene.Link.OutNode.Id]
		if inNode == nil || outNode == nil {
			continue
		}
		newGene := genetics.NewGeneWithTrait(
			nil,
			gene.Link.ConnectionWeight,
			inNode,
			outNode,
			gene.Link.IsRecurrent,
			gene.InnovationNum,
			gene.MutationNum,
		)
		newGene.IsEnabled = gene.IsEnabled
		newGenes = append(newGenes, newGene)
	}

	return genetics.NewGenome(newID, nil, newNodes, newGenes), nil
}

// GenomeCompatibility calculates the compatibility distance between two genomes.
func GenomeCompatibility(g1, g2 *genetics.Genome, opts *neat.Options) float64 {
	if g1 == nil || g2 == nil {
		return math.MaxFloat64
	}

	a, b := sortedGenes(g1), sortedGenes(g2)

	var matching, disjoint, excess int
	weightDiff := 0.0
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i].InnovationNum == b[j].InnovationNum:
			matching++
			weightDiff += math.Abs(a[i].Link.ConnectionWeight - b[j].Link.ConnectionWeight)
			i++
			j++
		case a[i].InnovationNum < b[j].InnovationNum:
			disjoint++
			i++
		default:
			disjoint++
			j++
		}
	}
	excess = len(a) - i + len(b) - j

	// Normalize by genome size
	n := float64(max(len(a), len(b)))
	if n < 20 {
		n = 1 // Don't normalize small genomes
	}

	avgWeightDiff := 0.0
	if matching > 0 {
		avgWeightDiff = weightDiff / float64(matching)
	}

	return (opts.ExcessCoeff*float64(excess)+opts.DisjointCoeff*float64(disjoint))/n +
		opts.MutdiffCoeff*avgWeightDiff
}

func sortedGenes(g *genetics.Genome) []*genetics.Gene {
	out := slices.Clone(g.Genes)
	slices.SortStableFunc(out, func(x, y *genetics.Gene) int {
		return cmp.Compare(x.InnovationNum, y.InnovationNum)
	})
	return out
}
