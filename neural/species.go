package neural

import (
	"cmp"
	"slices"

	"github.com/yaricom/goNEAT/v4/neat"
	"github.com/yaricom/goNEAT/v4/neat/genetics"
)

// Species represents a group of genetically similar genomes.
type Species struct {
	ID             int
	Representative *genetics.Genome // Used for compatibility comparisons
	Members        []int            // Population indexes of members
	BestFitness    float64          // Best fitness ever seen in this species
	AvgFitness     float64
	TotalFitness   float64
	Age            int // Generations since species was created
	Staleness      int // Generations without fitness improvement

	improved bool
}

// SpeciesManager manages speciation for the population.
type SpeciesManager struct {
	Species       []*Species
	opts          *neat.Options
	nextSpeciesID int
	generation    int
}

// NewSpeciesManager creates a new species manager.
func NewSpeciesManager(opts *neat.Options) *SpeciesManager {
	return &SpeciesManager{
		Species:       make([]*Species, 0),
		opts:          opts,
		nextSpeciesID: 1,
	}
}

// Speciate clears membership and assigns every genome, in order, to the
// first compatible species. Empty species are dropped and each surviving
// species takes its first member as the new representative.
func (sm *SpeciesManager) Speciate(genomes []*genetics.Genome) {
	for _, sp := range sm.Species {
		sp.Members = sp.Members[:0]
	}
	for i, g := range genomes {
		sm.AddMember(sm.AssignSpecies(g), i)
	}

	active := sm.Species[:0]
	for _, sp := range sm.Species {
		if len(sp.Members) > 0 {
			sp.Representative = genomes[sp.Members[0]]
			active = append(active, sp)
		}
	}
	sm.Species = active
}

// AssignSpecies finds or creates a species for the given genome.
// Returns the species ID.
func (sm *SpeciesManager) AssignSpecies(genome *genetics.Genome) int {
	if genome == nil {
		return 0
	}

	for _, sp := range sm.Species {
		if sp.Representative == nil {
			continue
		}
		if GenomeCompatibility(genome, sp.Representative, sm.opts) < sm.opts.CompatThreshold {
			return sp.ID
		}
	}

	newSpecies := &Species{
		ID:             sm.nextSpeciesID,
		Representative: genome,
		Members:        make([]int, 0),
	}
	sm.nextSpeciesID++
	sm.Species = append(sm.Species, newSpecies)

	return newSpecies.ID
}

// Get returns the species with the given ID, or nil.
func (sm *SpeciesManager) Get(speciesID int) *Species {
	for _, sp := range sm.Species {
		if sp.ID == speciesID {
			return sp
		}
	}
	return nil
}

// AddMember adds a population index to its species.
func (sm *SpeciesManager) AddMember(speciesID int, index int) {
	if sp := sm.Get(speciesID); sp != nil {
		sp.Members = append(sp.Members, index)
	}
}

// AccumulateFitness adds to the total fitness for a species member.
func (sm *SpeciesManager) AccumulateFitness(speciesID int, fitness float64) {
	sp := sm.Get(speciesID)
	if sp == nil {
		return
	}
	sp.TotalFitness += fitness
	if fitness > sp.BestFitness {
		sp.BestFitness = fitness
		sp.improved = true
	}
}

// EndGeneration finalizes averages and ages every species, then drops the
// stale ones. The species holding the generation's champion always survives.
func (sm *SpeciesManager) EndGeneration(championSpecies int) {
	sm.generation++

	for _, sp := range sm.Species {
		sp.Age++
		if len(sp.Members) > 0 {
			sp.AvgFitness = sp.TotalFitness / float64(len(sp.Members))
		}
		if sp.improved {
			sp.Staleness = 0
		} else {
			sp.Staleness++
		}
		sp.improved = false
		sp.TotalFitness = 0
	}

	sm.RemoveStaleSpecies(championSpecies)
}

// RemoveStaleSpecies removes species that have no members or are too stale.
func (sm *SpeciesManager) RemoveStaleSpecies(keepID int) {
	maxStaleness := sm.opts.DropOffAge
	active := make([]*Species, 0, len(sm.Species))

	for _, sp := range sm.Species {
		stale := maxStaleness > 0 && sp.Staleness >= maxStaleness
		if sp.ID == keepID || (len(sp.Members) > 0 && !stale) {
			active = append(active, sp)
		}
	}

	sm.Species = active
}

// Ranked returns species sorted by average fitness, best first. Ties keep
// creation order.
func (sm *SpeciesManager) Ranked() []*Species {
	out := slices.Clone(sm.Species)
	slices.SortStableFunc(out, func(a, b *Species) int {
		return cmp.Compare(b.AvgFitness, a.AvgFitness)
	})
	return out
}

// SpeciesStats contains summary statistics about all species.
type SpeciesStats struct {
	Count            int
	TotalMembers     int
	LargestSize      int
	SmallestSize     int
	AverageStaleness float64
	Generation       int
	BestFitness      float64
}

// GetStats returns summary statistics about species distribution.
func (sm *SpeciesManager) GetStats() SpeciesStats {
	if len(sm.Species) == 0 {
		return SpeciesStats{Generation: sm.generation}
	}

	stats := SpeciesStats{
		Count:        len(sm.Species),
		SmallestSize: int(^uint(0) >> 1),
		Generation:   sm.generation,
	}

	totalStaleness := 0
	for _, sp := range sm.Species {
		size := len(sp.Members)
		stats.TotalMembers += size
		stats.BestFitness = max(stats.BestFitness, sp.BestFitness)
		stats.LargestSize = max(stats.LargestSize, size)
		if size > 0 {
			stats.SmallestSize = min(stats.SmallestSize, size)
		}
		totalStaleness += sp.Staleness
	}

	stats.AverageStaleness = float64(totalStaleness) / float64(stats.Count)
	if stats.SmallestSize == int(^uint(0)>>1) {
		stats.SmallestSize = 0
	}

	return stats
}

// SpeciesState is the serializable form of one species.
type SpeciesState struct {
	ID             int         `json:"id"`
	Representative *GenomeJSON `json:"representative"`
	BestFitness    float64     `json:"best_fitness"`
	Age            int         `json:"age"`
	Staleness      int         `json:"staleness"`
	Members        []int       `json:"members"`
}

// ManagerState is the serializable form of a SpeciesManager.
type ManagerState struct {
	NextID     int            `json:"next_id"`
	Generation int            `json:"generation"`
	Species    []SpeciesState `json:"species"`
}

// State captures the manager for checkpointing.
func (sm *SpeciesManager) State() ManagerState {
	st := ManagerState{NextID: sm.nextSpeciesID, Generation: sm.generation}
	for _, sp := range sm.Species {
		st.Species = append(st.Species, SpeciesState{
			ID:             sp.ID,
			Representative: EncodeGenome(sp.Representative),
			BestFitness:    sp.BestFitness,
			Age:            sp.Age,
			Staleness:      sp.Staleness,
			Members:        slices.Clone(sp.Members),
		})
	}
	return st
}

// Restore replaces the manager's species with a checkpointed state.
func (sm *SpeciesManager) Restore(st ManagerState) error {
	species := make([]*Species, 0, len(st.Species))
	for _, s := range st.Species {
		var rep *genetics.Genome
		if s.Representative != nil {
			g, err := DecodeGenome(s.Representative)
			if err != nil {
				return err
			}
			rep = g
		}
		species = append(species, &Species{
			ID:             s.ID,
			Representative: rep,
			BestFitness:    s.BestFitness,
			Age:            s.Age,
			Staleness:      s.Staleness,
			Members:        slices.Clone(s.Members),
		})
	}
	sm.Species = species
	sm.nextSpeciesID = max(st.NextID, 1)
	sm.generation = st.Generation
	return nil
}
