// Package job defines the test job capability set and its two variants:
// Regression runs the snort3 test harness against one test directory, and
// Analysis runs a spell check pipeline and compares it with a baseline.
//
// Every Execute call reports StateRunning first and then exactly one terminal
// state. Failures inside a job are converted into StateErrored results and
// never returned to the caller.
package job

import (
	"context"
	"fmt"
	"sync"

	"github.com/zjrosen/snort3test/internal/log"
)

// Kind tags a job variant.
type Kind int

const (
	KindRegression Kind = iota
	KindAnalysis
)

func (k Kind) String() string {
	switch k {
	case KindRegression:
		return "regression"
	case KindAnalysis:
		return "analysis"
	default:
		return "unknown"
	}
}

// State is a job lifecycle state as reported to observers.
type State string

const (
	StateRunning State = "running"
	StatePassed  State = "passed"
	StateFailed  State = "failed"
	StateErrored State = "errored"
	StateSkipped State = "skipped"
)

// IsTerminal reports whether s ends an execution.
func (s State) IsTerminal() bool {
	switch s {
	case StatePassed, StateFailed, StateErrored, StateSkipped:
		return true
	default:
		return false
	}
}

// Result is one state report for a leaf.
type Result struct {
	ID      string
	State   State
	Message string // optional detail, e.g. diff output
}

// Emitter receives results. It is called from the executing goroutine.
type Emitter func(Result)

// Job is the capability set shared by all test job variants.
type Job interface {
	Kind() Kind
	Name() string
	Description() string
	// Execute runs the job for leaf id, blocking until the process finishes.
	// Cancelling ctx or calling Abort terminates the process.
	Execute(ctx context.Context, id string, emit Emitter)
	// Reload re-reads job metadata without rediscovering the tree.
	Reload() error
	// Abort terminates an in-flight execution. Safe to call at any time.
	Abort()
}

// Message used for executions terminated by Abort or context cancellation.
const abortedMessage = "aborted"

// reporter enforces the running-then-one-terminal ordering for one execution.
type reporter struct {
	id   string
	emit Emitter
	once sync.Once
}

func newReporter(id string, emit Emitter) *reporter {
	if emit == nil {
		emit = func(Result) {}
	}
	return &reporter{id: id, emit: emit}
}

func (r *reporter) running() {
	r.emit(Result{ID: r.id, State: StateRunning})
}

func (r *reporter) finish(state State, msg string) {
	r.once.Do(func() {
		r.emit(Result{ID: r.id, State: state, Message: msg})
	})
}

// close is deferred by Execute: it turns a panic into an errored result and
// guarantees a terminal result on every return path.
func (r *reporter) close() {
	if p := recover(); p != nil {
		log.Error(log.CatJob, "Job panic recovered", "id", r.id, "panic", p)
		r.finish(StateErrored, fmt.Sprintf("panic: %v", p))
		return
	}
	r.finish(StateErrored, "no result reported")
}

// lifecycle serializes executions of one job and owns the abort handle of the
// active one. The handle exists only while an execution is running.
type lifecycle struct {
	execMu  sync.Mutex // held for the duration of an execution
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	aborted bool
}

// begin waits for any previous execution of the same job, then installs a
// cancellable context as the active child handle. end must be called once.
func (l *lifecycle) begin(ctx context.Context) (context.Context, func()) {
	l.execMu.Lock()

	execCtx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.running = true
	l.aborted = false
	l.cancel = cancel
	l.mu.Unlock()

	return execCtx, func() {
		l.mu.Lock()
		l.running = false
		l.cancel = nil
		l.mu.Unlock()
		cancel()
		l.execMu.Unlock()
	}
}

// Abort requests termination of the active execution, if any.
func (l *lifecycle) Abort() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel == nil {
		return
	}
	l.aborted = true
	l.cancel()
}

// Running reports whether an execution is in flight.
func (l *lifecycle) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

func (l *lifecycle) wasAborted(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.aborted || ctx.Err() != nil
}
