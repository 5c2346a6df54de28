// Package pool runs tasks pulled from a producer on a fixed number of slots.
package pool

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/zjrosen/snort3test/internal/config"
	"github.com/zjrosen/snort3test/internal/log"
)

// Task is one unit of work. ID identifies it in logs and panic reports.
type Task struct {
	ID  string
	Run func(ctx context.Context)
}

// Producer returns the next task, or false when there is no work right now.
// It is called with the pool lock held and must not call back into the pool.
type Producer func() (Task, bool)

// Config holds configuration for the pool.
type Config struct {
	Limit int // Maximum concurrent tasks (default: config.DefaultConcurrency())

	// OnPanic is called from the slot goroutine after a task panicked.
	OnPanic func(taskID string, err error)
}

// Stats summarizes one Run.
type Stats struct {
	Dispatched int64 // tasks started
	Panicked   int64 // tasks that panicked
	Peak       int64 // highest number of tasks running at once
}

// Pool bounds how many tasks run at the same time.
type Pool struct {
	limit   int
	onPanic func(string, error)

	// mu guards the busy count of every active run; cond is signalled when
	// a task finishes or Wake reports new work.
	mu   sync.Mutex
	cond *sync.Cond
}

// New creates a pool. A non-positive limit selects config.DefaultConcurrency.
func New(cfg Config) *Pool {
	if cfg.Limit <= 0 {
		cfg.Limit = config.DefaultConcurrency()
	}
	p := &Pool{limit: cfg.Limit, onPanic: cfg.OnPanic}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Limit returns the maximum number of concurrent tasks.
func (p *Pool) Limit() int {
	return p.limit
}

// Wake tells idle slots that the producer may have work again.
func (p *Pool) Wake() {
	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
}

type counters struct {
	active     atomic.Int64
	dispatched atomic.Int64
	panicked   atomic.Int64
	peak       atomic.Int64
}

func (c *counters) enter() {
	n := c.active.Add(1)
	for {
		peak := c.peak.Load()
		if n <= peak || c.peak.CompareAndSwap(peak, n) {
			return
		}
	}
}

// run is the state of one Run call.
type run struct {
	ctx  context.Context
	next Producer
	busy int // slots executing a task, guarded by Pool.mu
	c    counters
}

// Run starts Limit slots pulling from next and returns once ctx is done, or
// once every slot is idle and next reports no work. A slot that finds no
// work waits while another slot is busy, so tasks that show up later still
// spread over all free slots.
func (p *Pool) Run(ctx context.Context, next Producer) Stats {
	r := &run{ctx: ctx, next: next}
	stop := context.AfterFunc(ctx, p.Wake)
	defer stop()

	var wg conc.WaitGroup
	log.Debug(log.CatPool, "Starting slots", "limit", p.limit)
	for i := 0; i < p.limit; i++ {
		slot := i + 1
		wg.Go(func() { p.slot(r, slot) })
	}
	wg.Wait()

	st := Stats{
		Dispatched: r.c.dispatched.Load(),
		Panicked:   r.c.panicked.Load(),
		Peak:       r.c.peak.Load(),
	}
	log.Debug(log.CatPool, "All slots idle", "dispatched", st.Dispatched, "peak", st.Peak)
	return st
}

// take blocks until next yields a task, ctx is done, or no slot of r is busy
// and there is no work left.
func (p *Pool) take(r *run) (Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if r.ctx.Err() != nil {
			return Task{}, false
		}
		if task, ok := r.next(); ok {
			r.busy++
			return task, true
		}
		if r.busy == 0 {
			p.cond.Broadcast()
			return Task{}, false
		}
		p.cond.Wait()
	}
}

func (p *Pool) release(r *run) {
	p.mu.Lock()
	r.busy--
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *Pool) slot(r *run, slot int) {
	for {
		task, ok := p.take(r)
		if !ok {
			return
		}

		r.c.enter()
		r.c.dispatched.Add(1)

		var pc panics.Catcher
		pc.Try(func() { task.Run(r.ctx) })
		r.c.active.Add(-1)
		p.release(r)

		if rec := pc.Recovered(); rec != nil {
			r.c.panicked.Add(1)
			log.Error(log.CatPool, "Task panic recovered",
				"slot", slot,
				"task", task.ID,
				"panic", rec.Value,
				"stack", string(rec.Stack))
			if p.onPanic != nil {
				p.onPanic(task.ID, rec.AsError())
			}
		}
	}
}
