// Package main provides CMA-ES optimization for the trainer's evolutionary
// hyperparameters.
package main

import (
	"github.com/pthm-cable/racer/config"
)

// ParamSpec defines a single optimizable parameter.
type ParamSpec struct {
	Name  string  // Human-readable name
	Path  string  // Config path for logging
	Min   float64 // Lower bound
	Max   float64 // Upper bound
	Field func(c *config.Config) *float64
}

// ParamVector holds the set of all optimizable parameters.
type ParamVector struct {
	Specs []ParamSpec
}

// NewParamVector creates the standard set of optimizable parameters.
func NewParamVector() *ParamVector {
	return &ParamVector{
		Specs: []ParamSpec{
			// Selection
			{Name: "survival_thresh", Path: "evolution.survival_thresh", Min: 0.1, Max: 0.6,
				Field: func(c *config.Config) *float64 { return &c.Evolution.SurvivalThresh }},
			// NEAT mutation
			{Name: "initial_connection_prob", Path: "evolution.neat.initial_connection_prob", Min: 0.2, Max: 1.0,
				Field: func(c *config.Config) *float64 { return &c.Evolution.NEAT.InitialConnectionProb }},
			{Name: "weight_mut_power", Path: "evolution.neat.weight_mut_power", Min: 0.1, Max: 2.5,
				Field: func(c *config.Config) *float64 { return &c.Evolution.NEAT.WeightMutPower }},
			{Name: "mutate_link_weights_prob", Path: "evolution.neat.mutate_link_weights_prob", Min: 0.3, Max: 1.0,
				Field: func(c *config.Config) *float64 { return &c.Evolution.NEAT.MutateLinkWeightsProb }},
			{Name: "mutate_add_node_prob", Path: "evolution.neat.mutate_add_node_prob", Min: 0.0, Max: 0.15,
				Field: func(c *config.Config) *float64 { return &c.Evolution.NEAT.MutateAddNodeProb }},
			{Name: "mutate_add_link_prob", Path: "evolution.neat.mutate_add_link_prob", Min: 0.0, Max: 0.3,
				Field: func(c *config.Config) *float64 { return &c.Evolution.NEAT.MutateAddLinkProb }},
			{Name: "mate_prob", Path: "evolution.neat.mate_prob", Min: 0.0, Max: 1.0,
				Field: func(c *config.Config) *float64 { return &c.Evolution.NEAT.MateProb }},
			// Speciation
			{Name: "compat_threshold", Path: "evolution.neat.compat_threshold", Min: 0.5, Max: 8.0,
				Field: func(c *config.Config) *float64 { return &c.Evolution.NEAT.CompatThreshold }},
			// Fixed-topology GA
			{Name: "ffnn_mutation_rate", Path: "evolution.ffnn.mutation_rate", Min: 0.01, Max: 0.5,
				Field: func(c *config.Config) *float64 { return &c.Evolution.FFNN.MutationRate }},
			{Name: "ffnn_mutation_sigma", Path: "evolution.ffnn.mutation_sigma", Min: 0.05, Max: 1.0,
				Field: func(c *config.Config) *float64 { return &c.Evolution.FFNN.MutationSigma }},
		},
	}
}

// Dim returns the number of parameters.
func (pv *ParamVector) Dim() int {
	return len(pv.Specs)
}

// Normalize converts raw parameter values to [0,1] range.
func (pv *ParamVector) Normalize(raw []float64) []float64 {
	normalized := make([]float64, len(pv.Specs))
	for i, spec := range pv.Specs {
		normalized[i] = (raw[i] - spec.Min) / (spec.Max - spec.Min)
	}
	return normalized
}

// Denormalize converts [0,1] values back to raw parameter values.
func (pv *ParamVector) Denormalize(normalized []float64) []float64 {
	raw := make([]float64, len(pv.Specs))
	for i, spec := range pv.Specs {
		raw[i] = spec.Min + normalized[i]*(spec.Max-spec.Min)
	}
	return raw
}

// Clamp ensures all values are within bounds.
func (pv *ParamVector) Clamp(v []float64) []float64 {
	clamped := make([]float64, len(pv.Specs))
	for i, spec := range pv.Specs {
		clamped[i] = min(max(v[i], spec.Min), spec.Max)
	}
	return clamped
}

// ApplyToConfig writes clamped parameter values into cfg.
func (pv *ParamVector) ApplyToConfig(cfg *config.Config, values []float64) {
	for i, v := range pv.Clamp(values) {
		*pv.Specs[i].Field(cfg) = v
	}
}

// ExtractFromConfig reads the current parameter values from cfg.
func (pv *ParamVector) ExtractFromConfig(cfg *config.Config) []float64 {
	out := make([]float64, len(pv.Specs))
	for i, spec := range pv.Specs {
		out[i] = *spec.Field(cfg)
	}
	return out
}
