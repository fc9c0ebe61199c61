package trainer

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/mlange-42/ark/ecs"

	"github.com/pthm-cable/racer/neural"
	"github.com/pthm-cable/racer/physics"
	"github.com/pthm-cable/racer/track"
)

// parallelThreshold is the minimum live vehicle count to use the worker pool.
// Below this, single-threaded is faster due to goroutine overhead.
const parallelThreshold = 64

var errNonFiniteState = errors.New("vehicle state became non-finite")

// tickContext is the read-only input shared by every vehicle in one tick.
type tickContext struct {
	track  *track.Track
	env    physics.Environment
	sensor physics.SensorParams
	params physics.Params
	dt     float64
}

// vehicleSnapshot captures read-only state for parallel processing.
type vehicleSnapshot struct {
	Entity     ecs.Entity
	Index      int
	GenomeID   int
	State      physics.State
	Controller neural.Controller
}

// intent captures computed outputs to apply after the parallel phase.
type intent struct {
	State   physics.State
	Inputs  []float64
	Outputs []float64
	Fault   error
}

// workerScratch accumulates per-worker phase timings for one tick.
type workerScratch struct {
	sense     time.Duration
	think     time.Duration
	integrate time.Duration
}

// workChunk represents a range of vehicles for a worker to process.
type workChunk struct {
	start, end int
	tc         *tickContext
}

// pool holds the persistent workers that step vehicles in parallel.
type pool struct {
	snapshots  []vehicleSnapshot
	intents    []intent
	scratches  []workerScratch
	numWorkers int

	workChan chan workChunk
	doneChan chan struct{}
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
}

// newPool sizes the pool to workers (GOMAXPROCS when 0), never more than the
// population.
func newPool(workers, population int) *pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	workers = max(min(workers, population), 1)
	return &pool{
		numWorkers: workers,
		scratches:  make([]workerScratch, workers),
		snapshots:  make([]vehicleSnapshot, 0, population),
		intents:    make([]intent, 0, population),
	}
}

func (p *pool) startWorkers() {
	if p.running {
		return
	}
	p.workChan = make(chan workChunk, p.numWorkers)
	p.doneChan = make(chan struct{}, p.numWorkers)
	p.stopChan = make(chan struct{})
	p.running = true

	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// stop signals all workers to exit and waits for them.
func (p *pool) stop() {
	if !p.running {
		return
	}
	close(p.stopChan)
	p.wg.Wait()
	close(p.workChan)
	close(p.doneChan)
	p.running = false
}

func (p *pool) worker(workerID int) {
	defer p.wg.Done()
	scratch := &p.scratches[workerID]

	for {
		select {
		case <-p.stopChan:
			return
		case chunk, ok := <-p.workChan:
			if !ok {
				return
			}
			p.computeChunk(chunk.start, chunk.end, scratch, chunk.tc)
			p.doneChan <- struct{}{}
		}
	}
}

// run steps every snapshot and fills the matching intent.
func (p *pool) run(tc *tickContext) {
	n := len(p.snapshots)
	if cap(p.intents) < n {
		p.intents = make([]intent, n)
	}
	p.intents = p.intents[:n]
	clear(p.scratches)
	if n == 0 {
		return
	}

	if n < parallelThreshold || p.numWorkers == 1 {
		p.computeChunk(0, n, &p.scratches[0], tc)
		return
	}

	p.startWorkers()
	chunkSize := (n + p.numWorkers - 1) / p.numWorkers
	dispatched := 0
	for w := 0; w < p.numWorkers; w++ {
		start := w * chunkSize
		end := min(start+chunkSize, n)
		if start >= end {
			continue
		}
		p.workChan <- workChunk{start: start, end: end, tc: tc}
		dispatched++
	}
	for i := 0; i < dispatched; i++ {
		<-p.doneChan
	}
}

// timings sums the worker phase durations of the last run.
func (p *pool) timings() workerScratch {
	var total workerScratch
	for _, s := range p.scratches {
		total.sense += s.sense
		total.think += s.think
		total.integrate += s.integrate
	}
	return total
}

func (p *pool) computeChunk(i0, i1 int, scratch *workerScratch, tc *tickContext) {
	for i := i0; i < i1; i++ {
		stepVehicle(&p.snapshots[i], &p.intents[i], scratch, tc)
	}
}

// stepVehicle senses, decides and integrates one vehicle. Any error or panic
// is captured in the intent instead of escaping the worker.
func stepVehicle(snap *vehicleSnapshot, in *intent, scratch *workerScratch, tc *tickContext) {
	in.State = snap.State
	in.Fault = nil
	in.Outputs = in.Outputs[:0]
	defer func() {
		if r := recover(); r != nil {
			in.Fault = fmt.Errorf("panic: %v", r)
		}
	}()

	start := time.Now()
	in.Inputs = physics.Sense(snap.State, tc.sensor, tc.env, tc.track, in.Inputs)
	sensed := time.Now()
	scratch.sense += sensed.Sub(start)

	out, err := snap.Controller.Decide(in.Inputs)
	decided := time.Now()
	scratch.think += decided.Sub(sensed)
	if err != nil {
		in.Fault = fmt.Errorf("decide: %w", err)
		return
	}
	if len(out) < 2 {
		in.Fault = fmt.Errorf("controller returned %d outputs, want 2", len(out))
		return
	}
	in.Outputs = append(in.Outputs, out...)

	c := physics.Control{Steering: out[0], Throttle: out[1]}
	if err := c.Validate(); err != nil {
		in.Fault = err
		return
	}
	next := physics.Advance(snap.State, c, tc.dt, tc.env, tc.params, tc.track)
	scratch.integrate += time.Since(decided)
	if !next.Finite() {
		in.Fault = errNonFiniteState
		return
	}
	in.State = next
}
