package trainer

import (
	"errors"
	"fmt"
)

// ErrAborted is returned by Run after Abort stopped the run mid-generation.
var ErrAborted = errors.New("training aborted")

// Phase is the orchestrator's position in the generation cycle.
type Phase int32

const (
	Initializing Phase = iota
	RunningGeneration
	Evaluating
	Advancing
	Completed
	Aborted
)

func (p Phase) String() string {
	switch p {
	case Initializing:
		return "initializing"
	case RunningGeneration:
		return "running_generation"
	case Evaluating:
		return "evaluating"
	case Advancing:
		return "advancing"
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	}
	return fmt.Sprintf("phase(%d)", int32(p))
}

// FaultKind classifies a failure by how far it reaches.
type FaultKind uint8

const (
	// VehicleFault disqualifies one vehicle; the generation continues.
	VehicleFault FaultKind = iota
	// GenerationFault prevents a generation from running, e.g. no valid track.
	GenerationFault
	// PersistenceFault is a failed checkpoint write at a boundary.
	PersistenceFault
	// CapabilityFault is an error from the evolutionary algorithm.
	CapabilityFault
)

func (k FaultKind) String() string {
	switch k {
	case VehicleFault:
		return "vehicle"
	case GenerationFault:
		return "generation"
	case PersistenceFault:
		return "persistence"
	case CapabilityFault:
		return "capability"
	}
	return fmt.Sprintf("fault(%d)", uint8(k))
}

// Fault is a classified training failure.
type Fault struct {
	Kind       FaultKind
	Generation int
	Tick       int // -1 outside the tick loop
	Err        error
}

func (f *Fault) Error() string {
	if f.Tick >= 0 {
		return fmt.Sprintf("%s fault at generation %d tick %d: %v", f.Kind, f.Generation, f.Tick, f.Err)
	}
	return fmt.Sprintf("%s fault at generation %d: %v", f.Kind, f.Generation, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

func newFault(kind FaultKind, generation, tick int, err error) *Fault {
	return &Fault{Kind: kind, Generation: generation, Tick: tick, Err: err}
}
