package neural

import (
	"github.com/yaricom/goNEAT/v4/neat"

	"github.com/pthm-cable/racer/config"
)

// HiddenUnits is the hidden layer width of the fixed-topology network.
const HiddenUnits = 8

// NEATOptions builds goNEAT options from the evolution config section.
func NEATOptions(e config.EvolutionConfig) *neat.Options {
	c := e.NEAT
	return &neat.Options{
		// Weight mutation
		WeightMutPower:        c.WeightMutPower,
		MutateLinkWeightsProb: c.MutateLinkWeightsProb,

		// Structural mutation rates
		MutateAddNodeProb:      c.MutateAddNodeProb,
		MutateAddLinkProb:      c.MutateAddLinkProb,
		MutateToggleEnableProb: c.MutateToggleEnableProb,

		// Mating probabilities
		MutateOnlyProb: 1 - c.MateProb,
		MateOnlyProb:   0.2,

		// Speciation
		CompatThreshold: c.CompatThreshold,
		DisjointCoeff:   c.DisjointCoeff,
		ExcessCoeff:     c.ExcessCoeff,
		MutdiffCoeff:    c.MutdiffCoeff,

		// Species management
		DropOffAge:      c.DropOffAge,
		SurvivalThresh:  e.SurvivalThresh,
		AgeSignificance: 1.0,

		PopSize: e.Population,
	}
}
