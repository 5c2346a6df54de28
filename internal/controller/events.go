package controller

import (
	"github.com/zjrosen/snort3test/internal/job"
	"github.com/zjrosen/snort3test/internal/pool"
	"github.com/zjrosen/snort3test/internal/pubsub"
	"github.com/zjrosen/snort3test/internal/tree"
)

// Event types published on the controller stream.
const (
	EventLoadStarted  pubsub.EventType = "load.started"
	EventLoadFinished pubsub.EventType = "load.finished"
	EventRunStarted   pubsub.EventType = "run.started"
	EventRunFinished  pubsub.EventType = "run.finished"
	EventTest         pubsub.EventType = "test"
	EventRetire       pubsub.EventType = "retire"
)

// Event is the payload of every controller event. Which fields are set
// depends on the event type.
type Event struct {
	// load.finished: the new tree, or nil with Err set.
	Tree *tree.Tree
	Err  error

	// run.started, run.finished and test.
	RunID string

	// run.started: the requested IDs. retire: the stale IDs.
	IDs []string

	// retire: every cached state is stale.
	All bool

	// test: one lifecycle report for a leaf.
	Result job.Result

	// run.finished.
	Stats     pool.Stats
	Cancelled bool
}
