// Package queue provides the thread-safe job queue that flattens posted tree
// nodes into a stream of leaves.
package queue

import (
	"sync"

	"github.com/zjrosen/snort3test/internal/tree"
)

// JobQueue holds posted suites and tests. Suites are expanded lazily when
// they reach the front, so leaves come out in pre-order per posted node and
// posted nodes are served in posting order.
type JobQueue struct {
	entries []*tree.Node
	mu      sync.Mutex
}

// New creates an empty JobQueue.
func New() *JobQueue {
	return &JobQueue{entries: make([]*tree.Node, 0)}
}

// Post appends a node to the back of the queue and returns the new length.
func (q *JobQueue) Post(n *tree.Node) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n != nil {
		q.entries = append(q.entries, n)
	}
	return len(q.entries)
}

// Next removes and returns the next leaf. A suite at the front is replaced by
// its children in order and resolution continues. Returns (nil, false) when
// the queue is empty.
func (q *JobQueue) Next() (*tree.Node, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.entries) > 0 {
		n := q.entries[0]
		q.entries = q.entries[1:]
		if n.IsLeaf() {
			return n, true
		}

		// Prepend children so the first child ends up at the front.
		expanded := make([]*tree.Node, 0, len(n.Children)+len(q.entries))
		expanded = append(expanded, n.Children...)
		q.entries = append(expanded, q.entries...)
	}
	return nil, false
}

// Len returns the number of pending entries, counting each suite once.
func (q *JobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.entries)
}

// Flush removes and returns all pending entries, leaving the queue empty.
// Returns an empty slice if the queue was already empty.
func (q *JobQueue) Flush() []*tree.Node {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return []*tree.Node{}
	}

	result := q.entries
	q.entries = make([]*tree.Node, 0)
	return result
}
