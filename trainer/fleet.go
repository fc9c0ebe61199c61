package trainer

import (
	"cmp"
	"slices"

	"github.com/mlange-42/ark/ecs"

	"github.com/pthm-cable/racer/components"
	"github.com/pthm-cable/racer/evolve"
	"github.com/pthm-cable/racer/fitness"
	"github.com/pthm-cable/racer/physics"
	"github.com/pthm-cable/racer/telemetry"
	"github.com/pthm-cable/racer/track"
)

// fleet is one generation's vehicles, stored in an ECS world that is
// dropped when the generation ends.
type fleet struct {
	world    *ecs.World
	mapper   *ecs.Map3[components.Vehicle, components.Body, components.Driver]
	filter   *ecs.Filter3[components.Vehicle, components.Body, components.Driver]
	vehicles *ecs.Map1[components.Vehicle]
	bodies   *ecs.Map1[components.Body]
	drivers  *ecs.Map1[components.Driver]

	// population order
	entities []ecs.Entity
}

// newFleet spawns one vehicle per member at the track's start pose.
func newFleet(members []evolve.Member, tr *track.Track) *fleet {
	world := ecs.NewWorld()
	f := &fleet{
		world:    world,
		mapper:   ecs.NewMap3[components.Vehicle, components.Body, components.Driver](world),
		filter:   ecs.NewFilter3[components.Vehicle, components.Body, components.Driver](world),
		vehicles: ecs.NewMap1[components.Vehicle](world),
		bodies:   ecs.NewMap1[components.Body](world),
		drivers:  ecs.NewMap1[components.Driver](world),
		entities: make([]ecs.Entity, 0, len(members)),
	}
	for i, m := range members {
		v := components.Vehicle{Index: i, GenomeID: m.ID}
		b := components.Body{State: physics.NewState(tr)}
		d := components.Driver{Controller: m.Controller}
		f.entities = append(f.entities, f.mapper.NewEntity(&v, &b, &d))
	}
	return f
}

// snapshot copies every live vehicle into dst in population order.
func (f *fleet) snapshot(dst []vehicleSnapshot) []vehicleSnapshot {
	dst = dst[:0]
	query := f.filter.Query()
	for query.Next() {
		v, body, driver := query.Get()
		if body.Status.Terminal() {
			continue
		}
		dst = append(dst, vehicleSnapshot{
			Entity:     query.Entity(),
			Index:      v.Index,
			GenomeID:   v.GenomeID,
			State:      body.State,
			Controller: driver.Controller,
		})
	}
	slices.SortFunc(dst, func(a, b vehicleSnapshot) int { return cmp.Compare(a.Index, b.Index) })
	return dst
}

// apply writes intents back in snapshot order. A faulted vehicle is
// disqualified as Crashed where it stands and reported through onFault.
func (f *fleet) apply(snaps []vehicleSnapshot, intents []intent, onFault func(snap *vehicleSnapshot, err error)) {
	for i := range snaps {
		snap := &snaps[i]
		in := &intents[i]
		body := f.bodies.Get(snap.Entity)
		driver := f.drivers.Get(snap.Entity)
		if in.Fault != nil {
			body.Status = physics.Crashed
			body.CrashPos = body.Pos
			driver.Fault = in.Fault
			onFault(snap, in.Fault)
			continue
		}
		body.State = in.State
		driver.Inputs = append(driver.Inputs[:0], in.Inputs...)
		driver.Outputs = append(driver.Outputs[:0], in.Outputs...)
	}
}

// timeoutSurvivors marks every vehicle still alive as TimedOut.
func (f *fleet) timeoutSurvivors() int {
	n := 0
	for _, e := range f.entities {
		body := f.bodies.Get(e)
		if body.Status == physics.Alive {
			body.Status = physics.TimedOut
			n++
		}
	}
	return n
}

// records scores every vehicle in population order.
func (f *fleet) records(ev *fitness.Evaluator, tr *track.Track) []fitness.Record {
	out := make([]fitness.Record, len(f.entities))
	for i, e := range f.entities {
		out[i] = ev.Evaluate(f.vehicles.Get(e).GenomeID, f.bodies.Get(e).State, tr)
	}
	return out
}

// trajectory returns the recorded samples of the i-th vehicle.
func (f *fleet) trajectory(i int) []physics.Sample {
	return f.bodies.Get(f.entities[i]).Trajectory
}

// views builds live feed views. Controller vectors are included only with
// the overlay enabled.
func (f *fleet) views(overlay bool) []telemetry.VehicleView {
	out := make([]telemetry.VehicleView, 0, len(f.entities))
	for _, e := range f.entities {
		v := f.vehicles.Get(e)
		body := f.bodies.Get(e)
		view := telemetry.VehicleView{
			ID:          v.GenomeID,
			X:           body.Pos.X,
			Y:           body.Pos.Y,
			Heading:     body.Heading,
			Speed:       body.Speed(),
			Status:      body.Status.String(),
			Checkpoints: body.Checkpoints,
		}
		if overlay {
			d := f.drivers.Get(e)
			view.Inputs = slices.Clone(d.Inputs)
			view.Outputs = slices.Clone(d.Outputs)
		}
		out = append(out, view)
	}
	return out
}
