// Package components defines ECS components for the vehicle fleet.
package components

import (
	"github.com/pthm-cable/racer/neural"
	"github.com/pthm-cable/racer/physics"
)

// Vehicle identifies which genome drives an entity.
type Vehicle struct {
	Index    int // position in the population, also the record order
	GenomeID int
}

// Body holds the kinematic and progress state of a vehicle.
type Body struct {
	physics.State
}

// Driver holds the controller and its most recent input and output vectors.
type Driver struct {
	Controller neural.Controller
	Inputs     []float64
	Outputs    []float64
	Fault      error // set once when the vehicle is disqualified
}
