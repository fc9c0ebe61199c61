package evolve

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/pthm-cable/racer/config"
	"github.com/pthm-cable/racer/neural"
)

// Weights is an elitist genetic algorithm over fixed-topology network weights.
type Weights struct {
	cfg config.EvolutionConfig

	pcg *rand.PCG
	rng *rand.Rand

	nets    []*neural.FFNN
	ids     []int
	nextID  int
	members []Member

	generation int
}

type weightsState struct {
	Algorithm  string                `json:"algorithm"`
	Generation int                   `json:"generation"`
	RNG        []byte                `json:"rng"`
	NextID     int                   `json:"next_id"`
	IDs        []int                 `json:"ids"`
	Nets       []neural.BrainWeights `json:"nets"`
}

// NewWeights creates a population of randomly initialized networks.
func NewWeights(cfg config.EvolutionConfig, inputs, outputs int, seed uint64) (*Weights, error) {
	if cfg.Population <= 0 {
		return nil, ErrEmptyPopulation
	}
	pcg := newPCG(seed)
	w := &Weights{cfg: cfg, pcg: pcg, rng: rand.New(pcg), nextID: 1}

	nets := make([]*neural.FFNN, cfg.Population)
	ids := make([]int, cfg.Population)
	for i := range nets {
		nets[i] = neural.NewFFNN(w.rng, inputs, neural.HiddenUnits, outputs)
		ids[i] = w.nextID
		w.nextID++
	}
	w.install(nets, ids)
	return w, nil
}

// Population returns the current members in population order.
func (w *Weights) Population() []Member {
	return w.members
}

// SpeciesCount is always 0; the weight GA does not speciate.
func (w *Weights) SpeciesCount() int {
	return 0
}

// Advance keeps the elites and fills the rest of the population with
// mutated children of parents drawn from the surviving fraction. On error
// the capability is left unchanged.
func (w *Weights) Advance(scored []Scored) ([]Member, error) {
	fitness, err := fitnessByIndex(w.ids, scored)
	if err != nil {
		return nil, err
	}
	order := rankIndexes(fitness)
	keep := max(1, int(math.Ceil(w.cfg.SurvivalThresh*float64(len(order)))))
	parents := order[:min(keep, len(order))]

	rngState, err := w.pcg.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal rng: %w", err)
	}
	nextID := w.nextID
	nets := make([]*neural.FFNN, 0, w.cfg.Population)
	ids := make([]int, 0, w.cfg.Population)
	for _, i := range order[:min(w.cfg.Elitism, len(order))] {
		nets = append(nets, w.nets[i].Clone())
		ids = append(ids, nextID)
		nextID++
	}
	for len(nets) < w.cfg.Population {
		a := w.nets[parents[w.rng.IntN(len(parents))]]
		child := a.Clone()
		if len(parents) > 1 && w.rng.Float64() < w.cfg.NEAT.MateProb {
			b := w.nets[parents[w.rng.IntN(len(parents))]]
			child, err = neural.Crossover(w.rng, a, b)
			if err != nil {
				return nil, errors.Join(err, w.pcg.UnmarshalBinary(rngState))
			}
		}
		child.MutateSparse(w.rng, w.cfg.FFNN.MutationRate, w.cfg.FFNN.MutationSigma)
		nets = append(nets, child)
		ids = append(ids, nextID)
		nextID++
	}

	w.nextID = nextID
	w.install(nets, ids)
	w.generation++
	return w.members, nil
}

func (w *Weights) install(nets []*neural.FFNN, ids []int) {
	members := make([]Member, len(nets))
	for i, nn := range nets {
		members[i] = Member{ID: ids[i], Controller: nn}
	}
	w.nets = nets
	w.ids = ids
	w.members = members
}

// Serialize captures the weights, ids and RNG state as JSON.
func (w *Weights) Serialize() ([]byte, error) {
	rngState, err := w.pcg.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal rng: %w", err)
	}
	st := weightsState{
		Algorithm:  AlgorithmFFNN,
		Generation: w.generation,
		RNG:        rngState,
		NextID:     w.nextID,
		IDs:        w.ids,
		Nets:       make([]neural.BrainWeights, len(w.nets)),
	}
	for i, nn := range w.nets {
		st.Nets[i] = nn.MarshalWeights()
	}
	return json.Marshal(st)
}

// Deserialize restores a state written by Serialize.
func (w *Weights) Deserialize(data []byte) error {
	var st weightsState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode population: %w", err)
	}
	if st.Algorithm != AlgorithmFFNN {
		return fmt.Errorf("decode population: algorithm %q, want %q", st.Algorithm, AlgorithmFFNN)
	}
	if len(st.Nets) == 0 {
		return ErrEmptyPopulation
	}
	if len(st.IDs) != len(st.Nets) {
		return fmt.Errorf("decode population: %d ids for %d networks", len(st.IDs), len(st.Nets))
	}
	nets := make([]*neural.FFNN, len(st.Nets))
	for i, bw := range st.Nets {
		nn, err := neural.UnmarshalWeights(bw)
		if err != nil {
			return fmt.Errorf("decode population: %w", err)
		}
		nets[i] = nn
	}
	pcg := rand.NewPCG(0, 0)
	if err := pcg.UnmarshalBinary(st.RNG); err != nil {
		return fmt.Errorf("decode rng: %w", err)
	}

	w.pcg = pcg
	w.rng = rand.New(pcg)
	w.nextID = st.NextID
	w.generation = st.Generation
	w.install(nets, st.IDs)
	return nil
}
