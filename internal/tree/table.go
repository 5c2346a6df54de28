package tree

import (
	"sort"
	"sync"

	"github.com/zjrosen/snort3test/internal/job"
)

// Table maps leaf IDs to their jobs. It is safe for concurrent use.
type Table struct {
	mu   sync.RWMutex
	jobs map[string]job.Job
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{jobs: make(map[string]job.Job)}
}

// Get returns the job registered for id.
func (t *Table) Get(id string) (job.Job, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	j, ok := t.jobs[id]
	return j, ok
}

// Set registers j under id, replacing any previous entry.
func (t *Table) Set(id string, j job.Job) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobs[id] = j
}

// Delete removes the entry for id.
func (t *Table) Delete(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.jobs, id)
}

// Len returns the number of entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.jobs)
}

// IDs returns the registered IDs in sorted order.
func (t *Table) IDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.jobs))
	for id := range t.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Each calls fn for every entry in ID order over a snapshot of the IDs.
func (t *Table) Each(fn func(id string, j job.Job)) {
	for _, id := range t.IDs() {
		if j, ok := t.Get(id); ok {
			fn(id, j)
		}
	}
}
