package jobs

import (
	"context"
	"sync"

	"github.com/rossigee/reelforge/internal/metrics"
	"github.com/sirupsen/logrus"
)

// Dispatcher starts wake cycles on registered loops. At most one cycle runs
// per loop; kicks arriving during a cycle are coalesced into a single
// re-check before the loop goes idle.
type Dispatcher struct {
	ctx     context.Context
	loops   []*Loop
	byType  map[string]*Loop
	metrics *metrics.Metrics

	// mu orders wg.Add against Wait; closed is set once Wait starts
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher whose wake cycles run on ctx. Cancel ctx
// to stop cycles at the next claim boundary.
func NewDispatcher(ctx context.Context, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		ctx:     ctx,
		byType:  make(map[string]*Loop),
		metrics: m,
	}
}

// Register adds a loop. All loops must be registered before the first kick.
func (d *Dispatcher) Register(loop *Loop) {
	if _, exists := d.byType[loop.Type()]; exists {
		logrus.WithField("job_type", loop.Type()).Warn("Replacing worker loop already registered for job type")
		for i, l := range d.loops {
			if l.Type() == loop.Type() {
				d.loops[i] = loop
			}
		}
	} else {
		d.loops = append(d.loops, loop)
	}
	d.byType[loop.Type()] = loop
}

// Types returns the registered job types in registration order
func (d *Dispatcher) Types() []string {
	names := make([]string, 0, len(d.loops))
	for _, l := range d.loops {
		names = append(names, l.Type())
	}
	return names
}

// KickAll wakes every registered loop. It never waits on a running cycle.
func (d *Dispatcher) KickAll() {
	for _, loop := range d.loops {
		d.kick(loop)
	}
}

// Kick wakes the loop for one job type. It reports whether such a loop exists.
func (d *Dispatcher) Kick(jobType string) bool {
	loop, ok := d.byType[jobType]
	if !ok {
		return false
	}
	d.kick(loop)
	return true
}

func (d *Dispatcher) kick(loop *Loop) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.ctx.Err() != nil {
		return
	}

	loop.again.Store(true)
	if !loop.running.CompareAndSwap(false, true) {
		d.metrics.Coalesced(loop.Type())
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			loop.again.Store(false)
			loop.RunCycle(d.ctx)
			loop.running.Store(false)

			// A kick that landed after the last claim attempt needs one more pass
			if !loop.again.Load() || d.ctx.Err() != nil {
				return
			}
			if !loop.running.CompareAndSwap(false, true) {
				return
			}
		}
	}()
}

// Wait stops accepting kicks and blocks until all in-flight wake cycles
// return. Kicks after Wait are ignored.
func (d *Dispatcher) Wait() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}
