package evolve

import (
	"bytes"
	"errors"
	"testing"

	"github.com/pthm-cable/racer/config"
	"github.com/pthm-cable/racer/neural"
)

func testConfig(t *testing.T, algorithm string) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("config.Load failed: %v", err)
	}
	cfg.Evolution.Algorithm = algorithm
	cfg.Evolution.Population = 20
	return cfg
}

// scoreByPosition gives later members higher fitness, so ranking is stable
// and independent of controller behavior.
func scoreByPosition(members []Member) []Scored {
	out := make([]Scored, len(members))
	for i, m := range members {
		out[i] = Scored{ID: m.ID, Fitness: float64(i%7) * 10}
	}
	return out
}

func TestNewPopulation(t *testing.T) {
	for _, algo := range []string{AlgorithmNEAT, AlgorithmFFNN} {
		t.Run(algo, func(t *testing.T) {
			cfg := testConfig(t, algo)
			capability, err := New(cfg, 42)
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			pop := capability.Population()
			if len(pop) != cfg.Evolution.Population {
				t.Fatalf("expected %d members, got %d", cfg.Evolution.Population, len(pop))
			}
			seen := map[int]bool{}
			for _, m := range pop {
				if seen[m.ID] {
					t.Errorf("duplicate id %d", m.ID)
				}
				seen[m.ID] = true
				out, err := m.Controller.Decide(make([]float64, cfg.Derived.NumInputs))
				if err != nil {
					t.Fatalf("Decide failed: %v", err)
				}
				if len(out) != cfg.Derived.NumOutputs {
					t.Errorf("expected %d outputs, got %d", cfg.Derived.NumOutputs, len(out))
				}
			}
		})
	}
}

func TestNewRejectsUnknownAlgorithm(t *testing.T) {
	cfg := testConfig(t, "cmaes")
	if _, err := New(cfg, 1); err == nil {
		t.Error("expected error for unknown algorithm")
	}
}

func TestAdvanceKeepsSizeAndFreshIDs(t *testing.T) {
	for _, algo := range []string{AlgorithmNEAT, AlgorithmFFNN} {
		t.Run(algo, func(t *testing.T) {
			cfg := testConfig(t, algo)
			capability, err := New(cfg, 7)
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			prev := map[int]bool{}
			for _, m := range capability.Population() {
				prev[m.ID] = true
			}
			for gen := 0; gen < 5; gen++ {
				next, err := capability.Advance(scoreByPosition(capability.Population()))
				if err != nil {
					t.Fatalf("generation %d: Advance failed: %v", gen, err)
				}
				if len(next) != cfg.Evolution.Population {
					t.Fatalf("generation %d: expected %d members, got %d", gen, cfg.Evolution.Population, len(next))
				}
				cur := map[int]bool{}
				for _, m := range next {
					if prev[m.ID] {
						t.Errorf("generation %d: id %d reused from previous generation", gen, m.ID)
					}
					cur[m.ID] = true
				}
				prev = cur
			}
			t.Logf("%s species after 5 generations: %d", algo, capability.SpeciesCount())
		})
	}
}

func TestAdvanceValidatesScores(t *testing.T) {
	cfg := testConfig(t, AlgorithmNEAT)
	capability, err := New(cfg, 3)
	if err != nil {
		t.Fatal(err)
	}
	pop := capability.Population()

	testCases := []struct {
		name   string
		scored []Scored
	}{
		{"short", scoreByPosition(pop)[1:]},
		{"unknown id", append(scoreByPosition(pop)[1:], Scored{ID: -5})},
		{"duplicate", append(scoreByPosition(pop)[1:], Scored{ID: pop[1].ID})},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := capability.Advance(tc.scored); !errors.Is(err, ErrScoreMismatch) {
				t.Errorf("expected ErrScoreMismatch, got %v", err)
			}
		})
	}
}

func TestFailedAdvanceLeavesWeightsUnchanged(t *testing.T) {
	cfg := testConfig(t, AlgorithmFFNN)
	cfg.Evolution.Elitism = 0
	cfg.Evolution.SurvivalThresh = 1
	cfg.Evolution.NEAT.MateProb = 1
	w, err := NewWeights(cfg.Evolution, cfg.Derived.NumInputs, cfg.Derived.NumOutputs, 5)
	if err != nil {
		t.Fatal(err)
	}
	// Every other network gets an extra hidden unit, so crossover fails.
	for i := 1; i < len(w.nets); i += 2 {
		w.nets[i] = neural.NewFFNN(w.rng, cfg.Derived.NumInputs, neural.HiddenUnits+1, cfg.Derived.NumOutputs)
	}
	before, err := w.Serialize()
	if err != nil {
		t.Fatal(err)
	}

	if _, err := w.Advance(scoreByPosition(w.Population())); err == nil {
		t.Fatal("expected crossover error")
	}
	after, err := w.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Error("failed Advance changed the population state")
	}
}

func TestNEATRollbackRestoresBreedingState(t *testing.T) {
	cfg := testConfig(t, AlgorithmNEAT)
	n, err := NewNEAT(cfg.Evolution, cfg.Derived.NumInputs, cfg.Derived.NumOutputs, 8)
	if err != nil {
		t.Fatal(err)
	}
	ids := make([]int, len(n.genomes))
	for i, g := range n.genomes {
		ids[i] = g.Id
	}
	fitness, err := fitnessByIndex(ids, scoreByPosition(n.Population()))
	if err != nil {
		t.Fatal(err)
	}
	before, err := n.Serialize()
	if err != nil {
		t.Fatal(err)
	}

	saved, err := n.mark()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := n.breedNext(fitness); err != nil {
		t.Fatalf("breedNext failed: %v", err)
	}
	if err := n.rollback(saved); err != nil {
		t.Fatalf("rollback failed: %v", err)
	}
	after, err := n.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Error("rollback did not restore rng, ids and species")
	}
}

func TestNEATSpeciesStats(t *testing.T) {
	cfg := testConfig(t, AlgorithmNEAT)
	n, err := NewNEAT(cfg.Evolution, cfg.Derived.NumInputs, cfg.Derived.NumOutputs, 4)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := n.Advance(scoreByPosition(n.Population())); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	st := n.SpeciesStats()
	if st.Count != n.SpeciesCount() || st.TotalMembers != cfg.Evolution.Population {
		t.Errorf("stats %+v for %d species and %d members", st, n.SpeciesCount(), cfg.Evolution.Population)
	}
	if st.Generation != 1 || st.LargestSize < st.SmallestSize {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestSameSeedSameGenerations(t *testing.T) {
	for _, algo := range []string{AlgorithmNEAT, AlgorithmFFNN} {
		t.Run(algo, func(t *testing.T) {
			cfg := testConfig(t, algo)
			a, _ := New(cfg, 99)
			b, _ := New(cfg, 99)
			for gen := 0; gen < 3; gen++ {
				if _, err := a.Advance(scoreByPosition(a.Population())); err != nil {
					t.Fatal(err)
				}
				if _, err := b.Advance(scoreByPosition(b.Population())); err != nil {
					t.Fatal(err)
				}
			}
			sa, _ := a.Serialize()
			sb, _ := b.Serialize()
			if !bytes.Equal(sa, sb) {
				t.Error("same seed produced different populations")
			}
		})
	}
}

func TestRestoredCapabilityReproducesNextGeneration(t *testing.T) {
	for _, algo := range []string{AlgorithmNEAT, AlgorithmFFNN} {
		t.Run(algo, func(t *testing.T) {
			cfg := testConfig(t, algo)
			original, err := New(cfg, 5)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := original.Advance(scoreByPosition(original.Population())); err != nil {
				t.Fatal(err)
			}

			blob, err := original.Serialize()
			if err != nil {
				t.Fatalf("Serialize failed: %v", err)
			}
			restored, err := New(cfg, 12345)
			if err != nil {
				t.Fatal(err)
			}
			if err := restored.Deserialize(blob); err != nil {
				t.Fatalf("Deserialize failed: %v", err)
			}
			if restored.SpeciesCount() != original.SpeciesCount() {
				t.Errorf("species count %d, want %d", restored.SpeciesCount(), original.SpeciesCount())
			}

			if _, err := original.Advance(scoreByPosition(original.Population())); err != nil {
				t.Fatal(err)
			}
			if _, err := restored.Advance(scoreByPosition(restored.Population())); err != nil {
				t.Fatal(err)
			}
			a, _ := original.Serialize()
			b, _ := restored.Serialize()
			if !bytes.Equal(a, b) {
				t.Error("restored capability bred a different generation")
			}
		})
	}
}

func TestDeserializeRejectsOtherAlgorithm(t *testing.T) {
	neatCap, _ := New(testConfig(t, AlgorithmNEAT), 1)
	ffnnCap, _ := New(testConfig(t, AlgorithmFFNN), 1)
	blob, _ := neatCap.Serialize()
	if err := ffnnCap.Deserialize(blob); err == nil {
		t.Error("expected error loading a NEAT blob into the weight GA")
	}
	if err := neatCap.Deserialize([]byte("{not json")); err == nil {
		t.Error("expected error for corrupt blob")
	}
	if len(neatCap.Population()) != 20 {
		t.Error("failed Deserialize modified the population")
	}
}

func TestSpeciesQuotas(t *testing.T) {
	testCases := []struct {
		name  string
		avgs  []float64
		slots int
		want  []int
	}{
		{"proportional", []float64{30, 10}, 8, []int{6, 2}},
		{"remainder to largest fraction", []float64{1, 1, 1}, 10, []int{4, 3, 3}},
		{"all zero shares equally", []float64{0, 0}, 5, []int{3, 2}},
		{"no slots", []float64{5}, 0, []int{0}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ranked := make([]*neural.Species, len(tc.avgs))
			for i, a := range tc.avgs {
				ranked[i] = &neural.Species{ID: i + 1, AvgFitness: a}
			}
			got := speciesQuotas(ranked, tc.slots)
			for i := range tc.want {
				if got[i] != tc.want[i] {
					t.Fatalf("quotas %v, want %v", got, tc.want)
				}
			}
		})
	}
}

func TestEliteSurvivesUnchanged(t *testing.T) {
	cfg := testConfig(t, AlgorithmFFNN)
	cfg.Evolution.Elitism = 1
	w, err := NewWeights(cfg.Evolution, cfg.Derived.NumInputs, cfg.Derived.NumOutputs, 8)
	if err != nil {
		t.Fatal(err)
	}
	pop := w.Population()
	scored := make([]Scored, len(pop))
	for i, m := range pop {
		scored[i] = Scored{ID: m.ID}
	}
	scored[3].Fitness = 100
	best := pop[3].Controller.(*neural.FFNN)

	next, err := w.Advance(scored)
	if err != nil {
		t.Fatal(err)
	}
	elite := next[0].Controller.(*neural.FFNN)
	for i := range best.W1 {
		if best.W1[i] != elite.W1[i] {
			t.Fatal("elite weights changed")
		}
	}
}
