// Package controller owns the test tree and job table, schedules runs on the
// execution pool, and turns file changes into retire notifications.
//
// Loading and running are separate cycles. A run stays open while work is
// posted to it: later Run calls add to the active run and return, and the
// first caller drives the pool until the queue is drained.
package controller

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/snort3test/internal/config"
	"github.com/zjrosen/snort3test/internal/history"
	"github.com/zjrosen/snort3test/internal/job"
	"github.com/zjrosen/snort3test/internal/log"
	"github.com/zjrosen/snort3test/internal/pool"
	"github.com/zjrosen/snort3test/internal/pubsub"
	"github.com/zjrosen/snort3test/internal/queue"
	"github.com/zjrosen/snort3test/internal/tracing"
	"github.com/zjrosen/snort3test/internal/tree"
	"github.com/zjrosen/snort3test/internal/watcher"
)

// Errors returned by the controller.
var (
	ErrDisposed       = errors.New("controller disposed")
	ErrNotLoaded      = errors.New("no test tree loaded")
	ErrLoadInProgress = errors.New("load already in progress")
	ErrRunInProgress  = errors.New("run in progress")
)

// cancelledMessage accompanies skipped results of jobs flushed before they started.
const cancelledMessage = "cancelled"

// State is the externally visible controller state.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateRunning
	StateCancelling
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateRunning:
		return "running"
	case StateCancelling:
		return "cancelling"
	default:
		return "idle"
	}
}

// Options configures a Controller.
type Options struct {
	Config config.Config

	// Commands overrides process creation for jobs.
	Commands job.CommandFactory
	// Factory overrides job allocation during discovery.
	Factory tree.Factory
	// Tracer records run and job spans. Nil disables tracing.
	Tracer trace.Tracer
	// History persists runs. Nil disables recording.
	History *history.Store
}

// Controller coordinates load, run, cancel and invalidation.
type Controller struct {
	cfg     config.Config
	factory tree.Factory
	env     job.Env
	tracer  trace.Tracer
	history *history.Store

	queue  *queue.JobQueue
	pool   *pool.Pool
	broker *pubsub.Broker[Event]

	// runMu serializes joining a run with closing it, so work posted by a
	// late Run call is never stranded after the pool wound down.
	runMu sync.Mutex

	mu         sync.Mutex
	tree       *tree.Tree
	loading    bool
	running    bool
	cancelling bool
	disposed   bool
	runID      string
	runCancel  context.CancelFunc
	runSpan    trace.Span
	watchers   []*watcher.Watcher
	done       chan struct{}
}

// New creates a controller for cfg. Nothing is loaded until Load is called.
func New(opts Options) *Controller {
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("noop")
	}
	cfg := opts.Config
	env := job.Env{
		Root:         cfg.Root,
		Prefix:       cfg.Prefix,
		Dependencies: cfg.Dependencies,
		Commands:     opts.Commands,
	}

	c := &Controller{
		cfg:     cfg,
		factory: opts.Factory,
		env:     env,
		tracer:  tracer,
		history: opts.History,
		queue:   queue.New(),
		broker:  pubsub.NewBroker[Event](),
		done:    make(chan struct{}),
	}
	c.pool = pool.New(pool.Config{
		Limit:   cfg.EffectiveConcurrency(),
		OnPanic: c.onPanic,
	})
	return c
}

// Subscribe returns the ordered event stream. Events are delivered with
// back-pressure, so the receiver must keep reading until ctx is done.
func (c *Controller) Subscribe(ctx context.Context) <-chan pubsub.Event[Event] {
	return c.broker.Subscribe(ctx)
}

// Tree returns the current tree, or nil before the first successful load.
func (c *Controller) Tree() *tree.Tree {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tree
}

// State reports the most specific active state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.cancelling:
		return StateCancelling
	case c.running:
		return StateRunning
	case c.loading:
		return StateLoading
	default:
		return StateIdle
	}
}

// Pending returns the number of queued entries not yet pulled by the pool.
func (c *Controller) Pending() int {
	return c.queue.Len()
}

// Concurrency returns the pool slot count.
func (c *Controller) Concurrency() int {
	return c.pool.Limit()
}

func (c *Controller) deliver(t pubsub.EventType, ev Event) {
	c.broker.Deliver(t, ev)
}

// ready reports the configuration problem that blocks load and run.
func (c *Controller) ready() error {
	return config.CheckEnvironment(c.cfg)
}

// Load discovers the tree and replaces the current one. Concurrent calls
// while a load is in progress return ErrLoadInProgress, and a load while a
// run is active returns ErrRunInProgress since the run owns the job table.
func (c *Controller) Load(ctx context.Context) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}
	if c.loading {
		c.mu.Unlock()
		log.Debug(log.CatCtrl, "Load already in progress")
		return ErrLoadInProgress
	}
	if c.running {
		c.mu.Unlock()
		log.Info(log.CatCtrl, "Load rejected while a run is active")
		return ErrRunInProgress
	}
	c.loading = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.loading = false
		c.mu.Unlock()
	}()

	_, span := c.tracer.Start(ctx, tracing.SpanLoad, trace.WithAttributes(attribute.String(tracing.AttrRoot, c.cfg.Root)))
	defer span.End()

	c.deliver(EventLoadStarted, Event{})

	if err := c.ready(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		c.deliver(EventLoadFinished, Event{Err: err})
		return err
	}

	t, err := tree.Build(c.cfg.Root, tree.Options{
		Env:        c.env,
		SourcePath: c.cfg.SourcePath,
		ExtraPath:  c.cfg.ExtraPath,
		Factory:    c.factory,
	})
	if err != nil {
		log.ErrorErr(log.CatCtrl, "Load failed", err, "root", c.cfg.Root)
		span.SetStatus(codes.Error, err.Error())
		c.deliver(EventLoadFinished, Event{Err: err})
		return err
	}

	c.mu.Lock()
	c.tree = t
	c.mu.Unlock()

	span.SetAttributes(attribute.Int(tracing.AttrTests, t.Table.Len()))
	log.Info(log.CatCtrl, "Loaded test tree", "root", c.cfg.Root, "tests", t.Table.Len())

	c.deliver(EventLoadFinished, Event{Tree: t})
	c.deliver(EventRetire, Event{All: true})
	return nil
}

// Run posts the nodes named by ids; an empty list means the whole tree.
// If no run is active the call drives the pool and returns when the queue is
// drained; otherwise the nodes join the active run and Run returns at once.
// While a cancel is in progress Run does nothing, and while a load is in
// progress it returns ErrLoadInProgress.
func (c *Controller) Run(ctx context.Context, ids []string) error {
	if err := c.ready(); err != nil {
		return err
	}
	if len(ids) == 0 {
		ids = []string{tree.RootID}
	}

	c.runMu.Lock()

	c.mu.Lock()
	switch {
	case c.disposed:
		c.mu.Unlock()
		c.runMu.Unlock()
		return ErrDisposed
	case c.loading:
		c.mu.Unlock()
		c.runMu.Unlock()
		return ErrLoadInProgress
	case c.tree == nil:
		c.mu.Unlock()
		c.runMu.Unlock()
		return ErrNotLoaded
	case c.cancelling:
		c.mu.Unlock()
		c.runMu.Unlock()
		log.Info(log.CatCtrl, "Run ignored while cancelling", "ids", ids)
		return nil
	}

	t := c.tree
	first := !c.running
	var runCtx context.Context
	if first {
		c.running = true
		c.runID = uuid.NewString()
		runCtx, c.runCancel = context.WithCancel(ctx)
	}
	runID := c.runID
	c.mu.Unlock()

	if first && c.history != nil {
		err := c.history.StartRun(ctx, history.Run{ID: runID, Root: c.cfg.Root, Requested: ids, StartedAt: time.Now()})
		if err != nil {
			log.ErrorErr(log.CatHistory, "Failed to record run", err, "run", runID)
		}
	}

	c.deliver(EventRunStarted, Event{RunID: runID, IDs: ids})

	posted := 0
	for _, id := range ids {
		n, ok := t.Find(id)
		if !ok {
			log.Warn(log.CatCtrl, "Unknown test id", "id", id)
			continue
		}
		c.queue.Post(n)
		posted++
	}
	log.Debug(log.CatQueue, "Posted nodes", "run", runID, "count", posted, "pending", c.queue.Len())

	c.runMu.Unlock()

	if !first {
		// Slots idling on an empty queue pick the new work up.
		c.pool.Wake()
		return nil
	}
	c.drive(runCtx, runID, ids, t)
	return nil
}

// drive runs the pool until the queue stays empty, then closes the run. Jobs
// resolve against t for the whole run.
func (c *Controller) drive(ctx context.Context, runID string, ids []string, t *tree.Tree) {
	ctx, span := tracing.StartRun(ctx, c.tracer, runID, ids)
	defer span.End()
	c.mu.Lock()
	c.runSpan = span
	c.mu.Unlock()

	var total pool.Stats
	for {
		st := c.pool.Run(ctx, c.producer(runID, t))
		total.Dispatched += st.Dispatched
		total.Panicked += st.Panicked
		if st.Peak > total.Peak {
			total.Peak = st.Peak
		}

		c.runMu.Lock()
		if c.queue.Len() > 0 && ctx.Err() == nil {
			// Work was posted while the slots were winding down.
			c.runMu.Unlock()
			continue
		}

		c.mu.Lock()
		leftovers := c.queue.Flush()
		cancelled := c.cancelling || ctx.Err() != nil
		cancel := c.runCancel
		c.running = false
		c.cancelling = false
		c.runCancel = nil
		c.runSpan = nil
		c.mu.Unlock()
		c.runMu.Unlock()

		if cancel != nil {
			cancel()
		}
		c.skip(runID, leftovers)
		span.SetAttributes(
			attribute.Int64(tracing.AttrDispatched, total.Dispatched),
			attribute.Int64(tracing.AttrPeak, total.Peak),
			attribute.Bool(tracing.AttrCancelled, cancelled),
		)
		c.finishRun(runID, total, cancelled)
		return
	}
}

func (c *Controller) finishRun(runID string, st pool.Stats, cancelled bool) {
	if c.history != nil {
		if err := c.history.FinishRun(context.Background(), runID, time.Now(), cancelled, st.Dispatched); err != nil {
			log.ErrorErr(log.CatHistory, "Failed to finish run", err, "run", runID)
		}
	}
	log.Info(log.CatCtrl, "Run finished", "run", runID, "dispatched", st.Dispatched, "peak", st.Peak, "cancelled", cancelled)
	c.deliver(EventRunFinished, Event{RunID: runID, Stats: st, Cancelled: cancelled})
}

// producer pops the queue and wraps each leaf in a pool task.
func (c *Controller) producer(runID string, t *tree.Tree) pool.Producer {
	return func() (pool.Task, bool) {
		n, ok := c.queue.Next()
		if !ok {
			return pool.Task{}, false
		}
		return pool.Task{
			ID:  n.ID,
			Run: func(ctx context.Context) { c.execute(ctx, runID, t, n) },
		}, true
	}
}

// execute runs the job registered for n. A leaf without a job is skipped silently.
func (c *Controller) execute(ctx context.Context, runID string, t *tree.Tree, n *tree.Node) {
	j, ok := t.Table.Get(n.ID)
	if !ok {
		log.Debug(log.CatCtrl, "No job for leaf", "id", n.ID)
		return
	}

	ctx, span := tracing.StartJob(ctx, c.tracer, n.ID, j.Kind().String())
	ended := false
	defer func() {
		if !ended {
			span.End()
		}
	}()

	j.Execute(ctx, n.ID, func(r job.Result) {
		if r.State == job.StateRunning {
			span.AddEvent(tracing.EventJobRunning)
		} else if r.State.IsTerminal() && !ended {
			ended = true
			tracing.EndJob(span, string(r.State), r.Message)
			c.record(runID, r)
		}
		c.deliver(EventTest, Event{RunID: runID, Result: r})
	})
}

func (c *Controller) record(runID string, r job.Result) {
	if c.history == nil || !r.State.IsTerminal() {
		return
	}
	err := c.history.AddResult(context.Background(), history.Record{
		RunID: runID, TestID: r.ID, State: r.State, Message: r.Message, RecordedAt: time.Now(),
	})
	if err != nil {
		log.ErrorErr(log.CatHistory, "Failed to record result", err, "id", r.ID)
	}
}

func (c *Controller) onPanic(taskID string, err error) {
	c.mu.Lock()
	runID := c.runID
	c.mu.Unlock()

	r := job.Result{ID: taskID, State: job.StateErrored, Message: err.Error()}
	c.record(runID, r)
	c.deliver(EventTest, Event{RunID: runID, Result: r})
}

// skip reports every leaf under the flushed entries as skipped.
func (c *Controller) skip(runID string, flushed []*tree.Node) {
	for _, n := range flushed {
		for _, leaf := range tree.Leaves(n) {
			r := job.Result{ID: leaf.ID, State: job.StateSkipped, Message: cancelledMessage}
			c.record(runID, r)
			c.deliver(EventTest, Event{RunID: runID, Result: r})
		}
	}
}

// Cancel drops queued work, reporting it as skipped, and aborts every job.
// Jobs already running report errored once their process is gone. With no
// run in progress Cancel leaves the controller idle. Safe to repeat.
//
// runMu is held until the flushed leaves are reported, so the run cannot
// close before its skipped results are delivered.
func (c *Controller) Cancel() {
	c.runMu.Lock()
	c.mu.Lock()
	if c.running {
		c.cancelling = true
	}
	runID := c.runID
	cancel := c.runCancel
	span := c.runSpan
	t := c.tree
	flushed := c.queue.Flush()
	c.mu.Unlock()

	if span != nil {
		span.AddEvent(tracing.EventCancelRequested)
	}

	log.Info(log.CatCtrl, "Cancel requested", "flushed", len(flushed))
	c.skip(runID, flushed)

	if cancel != nil {
		cancel()
	}
	c.runMu.Unlock()

	if t != nil {
		t.Table.Each(func(_ string, j job.Job) { j.Abort() })
	}
}

// HandleFileChange invalidates the node closest to path. A changed test.xml
// also reloads the regression job metadata.
func (c *Controller) HandleFileChange(path string) {
	t := c.Tree()
	if t == nil {
		return
	}
	n, ok := t.Nearest(path)
	if !ok {
		log.Debug(log.CatCtrl, "Change outside the test tree", "path", path)
		return
	}

	ids := []string{n.ID}
	if n.IsLeaf() {
		if filepath.Base(path) == job.DescriptorFile {
			if j, ok := t.Table.Get(n.ID); ok {
				if err := j.Reload(); err != nil {
					log.Warn(log.CatCtrl, "Reload failed", "id", n.ID, "error", err)
				}
			}
		}
		ids = t.Siblings(n.ID)
	}

	log.Debug(log.CatCtrl, "Retiring", "path", path, "ids", ids)
	c.deliver(EventRetire, Event{IDs: ids})
}

// RetireAll marks every cached state stale.
func (c *Controller) RetireAll() {
	c.deliver(EventRetire, Event{All: true})
}

// Dispose cancels any run, stops the watchers and closes the event stream.
func (c *Controller) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	watchers := c.watchers
	c.watchers = nil
	c.mu.Unlock()

	c.Cancel()
	for _, w := range watchers {
		if err := w.Stop(); err != nil {
			log.Warn(log.CatWatcher, "Stopping watcher failed", "error", err)
		}
	}
	close(c.done)
	c.broker.Close()
	log.Debug(log.CatCtrl, "Disposed")
}

// String describes the controller for logs.
func (c *Controller) String() string {
	return fmt.Sprintf("controller(root=%s, slots=%d, state=%s)", c.cfg.Root, c.pool.Limit(), c.State())
}
