package evolve

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/yaricom/goNEAT/v4/neat"
	"github.com/yaricom/goNEAT/v4/neat/genetics"

	"github.com/pthm-cable/racer/config"
	"github.com/pthm-cable/racer/neural"
)

// NEAT evolves goNEAT genomes with speciation, elitism and
// fitness-proportional species quotas.
type NEAT struct {
	cfg  config.EvolutionConfig
	opts *neat.Options

	pcg *rand.PCG
	rng *rand.Rand

	idGen   *neural.GenomeIDGenerator
	species *neural.SpeciesManager
	genomes []*genetics.Genome
	members []Member

	generation int
}

// neatState is the serialized form of a NEAT capability.
type neatState struct {
	Algorithm  string                   `json:"algorithm"`
	Generation int                      `json:"generation"`
	RNG        []byte                   `json:"rng"`
	IDs        neural.GenomeIDGenerator `json:"ids"`
	Genomes    []*neural.GenomeJSON     `json:"genomes"`
	Species    neural.ManagerState      `json:"species"`
}

// NewNEAT creates a NEAT capability with a fresh random population.
func NewNEAT(cfg config.EvolutionConfig, inputs, outputs int, seed uint64) (*NEAT, error) {
	if cfg.Population <= 0 {
		return nil, ErrEmptyPopulation
	}
	pcg := newPCG(seed)
	n := &NEAT{
		cfg:   cfg,
		opts:  neural.NEATOptions(cfg),
		pcg:   pcg,
		rng:   rand.New(pcg),
		idGen: neural.NewGenomeIDGenerator(),
	}
	n.species = neural.NewSpeciesManager(n.opts)

	genomes := make([]*genetics.Genome, cfg.Population)
	for i := range genomes {
		genomes[i] = neural.CreateBrainGenome(n.idGen.NextID(), inputs, outputs, cfg.NEAT.InitialConnectionProb, n.rng)
	}
	if err := n.install(genomes); err != nil {
		return nil, err
	}
	n.species.Speciate(genomes)
	return n, nil
}

// Population returns the current members in population order.
func (n *NEAT) Population() []Member {
	return n.members
}

// SpeciesCount returns the number of live species.
func (n *NEAT) SpeciesCount() int {
	return len(n.species.Species)
}

// SpeciesStats summarizes the current species.
func (n *NEAT) SpeciesStats() neural.SpeciesStats {
	return n.species.GetStats()
}

// Generation returns how many times the population has advanced.
func (n *NEAT) Generation() int {
	return n.generation
}

// Advance scores the current species, then breeds the next generation:
// elites are copied unchanged and the remaining slots are shared among
// species in proportion to their average fitness. On error the capability
// is left unchanged.
func (n *NEAT) Advance(scored []Scored) ([]Member, error) {
	ids := make([]int, len(n.genomes))
	for i, g := range n.genomes {
		ids[i] = g.Id
	}
	fitness, err := fitnessByIndex(ids, scored)
	if err != nil {
		return nil, err
	}

	saved, err := n.mark()
	if err != nil {
		return nil, err
	}
	next, err := n.breedNext(fitness)
	if err == nil {
		err = n.install(next)
	}
	if err != nil {
		return nil, errors.Join(err, n.rollback(saved))
	}
	n.species.Speciate(next)
	n.generation++
	return n.members, nil
}

// breedNext ends the species generation and builds the next population.
// It advances the RNG, id generator and species; callers roll those back
// with a mark when it fails.
func (n *NEAT) breedNext(fitness []float64) ([]*genetics.Genome, error) {
	order := rankIndexes(fitness)
	championSpecies := 0
	for _, sp := range n.species.Species {
		for _, i := range sp.Members {
			n.species.AccumulateFitness(sp.ID, fitness[i])
			if i == order[0] {
				championSpecies = sp.ID
			}
		}
	}
	n.species.EndGeneration(championSpecies)

	next := make([]*genetics.Genome, 0, n.cfg.Population)
	for _, i := range order[:min(n.cfg.Elitism, len(order))] {
		elite, err := neural.CloneGenome(n.genomes[i], n.idGen.NextID())
		if err != nil {
			return nil, fmt.Errorf("clone elite: %w", err)
		}
		next = append(next, elite)
	}

	ranked := slices.DeleteFunc(n.species.Ranked(), func(sp *neural.Species) bool {
		return len(sp.Members) == 0
	})
	quotas := speciesQuotas(ranked, n.cfg.Population-len(next))
	for si, sp := range ranked {
		parents := survivors(sp.Members, fitness, n.opts.SurvivalThresh)
		for range quotas[si] {
			child, err := n.breed(parents, fitness)
			if err != nil {
				return nil, fmt.Errorf("breed species %d: %w", sp.ID, err)
			}
			next = append(next, child)
		}
	}
	return next, nil
}

// neatMark is the breeding state Advance restores when it fails.
type neatMark struct {
	rng     []byte
	ids     neural.GenomeIDGenerator
	species neural.ManagerState
}

func (n *NEAT) mark() (neatMark, error) {
	rngState, err := n.pcg.MarshalBinary()
	if err != nil {
		return neatMark{}, fmt.Errorf("marshal rng: %w", err)
	}
	return neatMark{rng: rngState, ids: *n.idGen, species: n.species.State()}, nil
}

// rollback restores a mark in place so n.rng keeps drawing from n.pcg.
func (n *NEAT) rollback(m neatMark) error {
	if err := n.pcg.UnmarshalBinary(m.rng); err != nil {
		return fmt.Errorf("restore rng: %w", err)
	}
	*n.idGen = m.ids
	return n.species.Restore(m.species)
}

// breed produces one child from a species' surviving parents.
func (n *NEAT) breed(parents []int, fitness []float64) (*genetics.Genome, error) {
	p1 := parents[n.rng.IntN(len(parents))]
	if len(parents) > 1 && n.rng.Float64() >= n.opts.MutateOnlyProb {
		p2 := parents[n.rng.IntN(len(parents))]
		return neural.CreateOffspring(n.genomes[p1], n.genomes[p2], fitness[p1], fitness[p2], n.idGen, n.opts, n.rng)
	}
	child, err := neural.CloneGenome(n.genomes[p1], n.idGen.NextID())
	if err != nil {
		return nil, err
	}
	if _, err := neural.MutateGenome(child, n.opts, n.idGen, n.rng); err != nil {
		return nil, err
	}
	return child, nil
}

// install builds controllers for genomes and makes them the population.
func (n *NEAT) install(genomes []*genetics.Genome) error {
	if len(genomes) == 0 {
		return ErrEmptyPopulation
	}
	members := make([]Member, len(genomes))
	for i, g := range genomes {
		ctrl, err := neural.NewBrainController(g)
		if err != nil {
			return fmt.Errorf("genome %d: %w", g.Id, err)
		}
		members[i] = Member{ID: g.Id, Controller: ctrl}
	}
	n.genomes = genomes
	n.members = members
	return nil
}

// Serialize captures the population, species and RNG state as JSON.
func (n *NEAT) Serialize() ([]byte, error) {
	rngState, err := n.pcg.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal rng: %w", err)
	}
	st := neatState{
		Algorithm:  AlgorithmNEAT,
		Generation: n.generation,
		RNG:        rngState,
		IDs:        *n.idGen,
		Species:    n.species.State(),
	}
	for _, g := range n.genomes {
		st.Genomes = append(st.Genomes, neural.EncodeGenome(g))
	}
	return json.Marshal(st)
}

// Deserialize restores a state written by Serialize. On error the
// capability is left unchanged.
func (n *NEAT) Deserialize(data []byte) error {
	var st neatState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode population: %w", err)
	}
	if st.Algorithm != AlgorithmNEAT {
		return fmt.Errorf("decode population: algorithm %q, want %q", st.Algorithm, AlgorithmNEAT)
	}
	if len(st.Genomes) == 0 {
		return ErrEmptyPopulation
	}

	genomes := make([]*genetics.Genome, len(st.Genomes))
	for i, j := range st.Genomes {
		g, err := neural.DecodeGenome(j)
		if err != nil {
			return fmt.Errorf("decode population: %w", err)
		}
		genomes[i] = g
	}
	for _, sp := range st.Species.Species {
		for _, m := range sp.Members {
			if m < 0 || m >= len(genomes) {
				return fmt.Errorf("decode population: species %d member %d out of range", sp.ID, m)
			}
		}
	}

	pcg := rand.NewPCG(0, 0)
	if err := pcg.UnmarshalBinary(st.RNG); err != nil {
		return fmt.Errorf("decode rng: %w", err)
	}
	species := neural.NewSpeciesManager(n.opts)
	if err := species.Restore(st.Species); err != nil {
		return fmt.Errorf("decode species: %w", err)
	}

	prev := *n
	n.pcg = pcg
	n.rng = rand.New(pcg)
	ids := st.IDs
	n.idGen = &ids
	n.species = species
	n.generation = st.Generation
	if err := n.install(genomes); err != nil {
		*n = prev
		return err
	}
	return nil
}

// speciesQuotas splits slots across ranked species in proportion to their
// average fitness, distributing remainders by largest fraction then rank.
func speciesQuotas(ranked []*neural.Species, slots int) []int {
	quotas := make([]int, len(ranked))
	if slots <= 0 || len(ranked) == 0 {
		return quotas
	}

	total := 0.0
	for _, sp := range ranked {
		total += math.Max(sp.AvgFitness, 0)
	}
	shares := make([]float64, len(ranked))
	for i, sp := range ranked {
		if total > 0 {
			shares[i] = math.Max(sp.AvgFitness, 0) / total * float64(slots)
		} else {
			shares[i] = float64(slots) / float64(len(ranked))
		}
	}

	assigned := 0
	for i, s := range shares {
		quotas[i] = int(math.Floor(s))
		assigned += quotas[i]
	}
	for assigned < slots {
		best := 0
		bestFrac := -1.0
		for i, s := range shares {
			if frac := s - float64(quotas[i]); frac > bestFrac {
				best, bestFrac = i, frac
			}
		}
		quotas[best]++
		shares[best] = float64(quotas[best])
		assigned++
	}
	return quotas
}

// survivors returns the fittest fraction of members, at least one.
func survivors(members []int, fitness []float64, thresh float64) []int {
	sub := make([]float64, len(members))
	for i, m := range members {
		sub[i] = fitness[m]
	}
	keep := max(1, int(math.Ceil(thresh*float64(len(members)))))
	out := make([]int, 0, keep)
	for _, i := range rankIndexes(sub)[:min(keep, len(members))] {
		out = append(out, members[i])
	}
	return out
}
