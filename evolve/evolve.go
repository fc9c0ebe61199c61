// Package evolve holds the population-based search algorithms that breed
// vehicle controllers between generations.
package evolve

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/pthm-cable/racer/config"
	"github.com/pthm-cable/racer/neural"
)

// ErrEmptyPopulation is returned when a capability is asked to advance or
// restore a population with no members.
var ErrEmptyPopulation = errors.New("empty population")

// ErrScoreMismatch is returned when scored ids do not match the population.
var ErrScoreMismatch = errors.New("scored genomes do not match population")

// Member is one genome as the trainer sees it: an id and a runnable controller.
type Member struct {
	ID         int
	Controller neural.Controller
}

// Scored pairs a genome id with its aggregate fitness.
type Scored struct {
	ID      int
	Fitness float64
}

// Capability is an evolutionary algorithm. It owns its genomes and its
// random source; given the same seed or the same serialized state it
// produces the same sequence of generations.
type Capability interface {
	// Population returns the current generation in population order.
	Population() []Member
	// Advance consumes one fitness per member and breeds the next generation.
	Advance(scored []Scored) ([]Member, error)
	// Serialize captures genomes, bookkeeping and RNG state.
	Serialize() ([]byte, error)
	// Deserialize replaces the capability state with a serialized one.
	Deserialize(data []byte) error
	// SpeciesCount returns the number of species, or 0 when not applicable.
	SpeciesCount() int
}

// Algorithm names accepted in evolution.algorithm.
const (
	AlgorithmNEAT = "neat"
	AlgorithmFFNN = "ffnn"
)

// New builds the capability selected by the config.
func New(cfg *config.Config, seed uint64) (Capability, error) {
	inputs, outputs := cfg.Derived.NumInputs, cfg.Derived.NumOutputs
	switch cfg.Evolution.Algorithm {
	case AlgorithmNEAT:
		return NewNEAT(cfg.Evolution, inputs, outputs, seed)
	case AlgorithmFFNN:
		return NewWeights(cfg.Evolution, inputs, outputs, seed)
	}
	return nil, fmt.Errorf("unknown algorithm %q", cfg.Evolution.Algorithm)
}

// newPCG derives the capability stream from the run seed.
func newPCG(seed uint64) *rand.PCG {
	return rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
}

// fitnessByIndex maps scored ids onto population indexes. Every member must
// be scored exactly once. Non-finite or negative values count as zero.
func fitnessByIndex(ids []int, scored []Scored) ([]float64, error) {
	if len(ids) == 0 {
		return nil, ErrEmptyPopulation
	}
	if len(scored) != len(ids) {
		return nil, fmt.Errorf("%w: %d scores for %d members", ErrScoreMismatch, len(scored), len(ids))
	}
	index := make(map[int]int, len(ids))
	for i, id := range ids {
		index[id] = i
	}
	out := make([]float64, len(ids))
	seen := make([]bool, len(ids))
	for _, s := range scored {
		i, ok := index[s.ID]
		if !ok {
			return nil, fmt.Errorf("%w: unknown genome %d", ErrScoreMismatch, s.ID)
		}
		if seen[i] {
			return nil, fmt.Errorf("%w: genome %d scored twice", ErrScoreMismatch, s.ID)
		}
		seen[i] = true
		f := s.Fitness
		if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
			f = 0
		}
		out[i] = f
	}
	return out, nil
}

// rankIndexes returns population indexes ordered by fitness, best first.
// Ties keep population order.
func rankIndexes(fitness []float64) []int {
	order := make([]int, len(fitness))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return cmp.Compare(fitness[b], fitness[a])
	})
	return order
}
