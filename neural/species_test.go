package neural

import (
	"testing"

	"github.com/yaricom/goNEAT/v4/neat/genetics"
)

func TestSpeciateIdenticalGenomes(t *testing.T) {
	cfg := testOptions(t)
	sm := NewSpeciesManager(NEATOptions(cfg.Evolution))

	base := CreateBrainGenome(1, testInputs, testOutputs, 0.5, testRNG())
	genomes := []*genetics.Genome{base}
	for i := 2; i <= 5; i++ {
		c, _ := CloneGenome(base, i)
		genomes = append(genomes, c)
	}

	sm.Speciate(genomes)
	if len(sm.Species) != 1 {
		t.Fatalf("expected 1 species, got %d", len(sm.Species))
	}
	if got := len(sm.Species[0].Members); got != 5 {
		t.Errorf("expected 5 members, got %d", got)
	}
}

func TestSpeciateSplitsDistantGenomes(t *testing.T) {
	cfg := testOptions(t)
	opts := NEATOptions(cfg.Evolution)
	opts.CompatThreshold = 0.01
	sm := NewSpeciesManager(opts)

	rng := testRNG()
	var genomes []*genetics.Genome
	for i := 1; i <= 4; i++ {
		genomes = append(genomes, CreateBrainGenome(i, testInputs, testOutputs, 1, rng))
	}
	sm.Speciate(genomes)
	if len(sm.Species) != 4 {
		t.Errorf("expected 4 species at tiny threshold, got %d", len(sm.Species))
	}
}

func TestStalenessAndRemoval(t *testing.T) {
	cfg := testOptions(t)
	opts := NEATOptions(cfg.Evolution)
	opts.DropOffAge = 2
	opts.CompatThreshold = 0.01
	sm := NewSpeciesManager(opts)

	rng := testRNG()
	genomes := []*genetics.Genome{
		CreateBrainGenome(1, testInputs, testOutputs, 1, rng),
		CreateBrainGenome(2, testInputs, testOutputs, 1, rng),
	}
	sm.Speciate(genomes)
	a, b := sm.Species[0].ID, sm.Species[1].ID

	// Only species a improves
	for gen := 0; gen < 3; gen++ {
		sm.AccumulateFitness(a, float64(10+gen))
		sm.AccumulateFitness(b, 1)
		sm.EndGeneration(a)
	}

	if sm.Get(a) == nil {
		t.Error("improving species should survive")
	}
	if sm.Get(b) != nil {
		t.Error("stale species should be removed")
	}
	stats := sm.GetStats()
	if stats.Count != 1 || stats.Generation != 3 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestChampionSpeciesSurvives(t *testing.T) {
	cfg := testOptions(t)
	opts := NEATOptions(cfg.Evolution)
	opts.DropOffAge = 1
	sm := NewSpeciesManager(opts)

	sm.Speciate([]*genetics.Genome{CreateBrainGenome(1, testInputs, testOutputs, 1, testRNG())})
	id := sm.Species[0].ID
	for gen := 0; gen < 5; gen++ {
		sm.EndGeneration(id)
	}
	if sm.Get(id) == nil {
		t.Error("champion species must never be dropped")
	}
}

func TestSpeciesStateRoundTrip(t *testing.T) {
	cfg := testOptions(t)
	opts := NEATOptions(cfg.Evolution)
	sm := NewSpeciesManager(opts)
	sm.Speciate([]*genetics.Genome{CreateBrainGenome(1, testInputs, testOutputs, 1, testRNG())})
	sm.AccumulateFitness(sm.Species[0].ID, 5)
	sm.EndGeneration(sm.Species[0].ID)

	restored := NewSpeciesManager(opts)
	if err := restored.Restore(sm.State()); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if len(restored.Species) != 1 {
		t.Fatalf("expected 1 species, got %d", len(restored.Species))
	}
	got, want := restored.Species[0], sm.Species[0]
	if got.ID != want.ID || got.BestFitness != want.BestFitness || got.Age != want.Age || len(got.Members) != len(want.Members) {
		t.Errorf("restored %+v, want %+v", got, want)
	}
	if GenomeCompatibility(got.Representative, want.Representative, opts) != 0 {
		t.Error("representative changed across round trip")
	}
}
