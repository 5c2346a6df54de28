// Package outcome keeps the last terminal result of every test so that
// observers can show a status without rerunning. Retire events drop entries.
package outcome

import (
	"sort"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/zjrosen/snort3test/internal/job"
	"github.com/zjrosen/snort3test/internal/log"
	"github.com/zjrosen/snort3test/internal/tree"
)

// DefaultCleanupInterval controls how often expired outcomes are purged.
const DefaultCleanupInterval = 30 * time.Minute

// Outcome is the last terminal result recorded for a test.
type Outcome struct {
	State   job.State
	Message string
	At      time.Time
}

// Cache stores outcomes keyed by leaf ID.
type Cache struct {
	cache *gocache.Cache
	ttl   time.Duration
	now   func() time.Time
}

// New creates a cache. A zero ttl keeps outcomes until they are retired.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	return &Cache{
		cache: gocache.New(ttl, DefaultCleanupInterval),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Record stores r if it is terminal. Running results are ignored so the
// previous outcome stays visible while a test reruns.
func (c *Cache) Record(r job.Result) {
	if !r.State.IsTerminal() {
		return
	}
	c.cache.Set(r.ID, Outcome{State: r.State, Message: r.Message, At: c.now()}, c.ttl)
}

// Get returns the outcome for id.
func (c *Cache) Get(id string) (Outcome, bool) {
	v, found := c.cache.Get(id)
	if !found {
		return Outcome{}, false
	}
	o, ok := v.(Outcome)
	if !ok {
		log.Error(log.CatCache, "wrong type assertion when getting outcome", "id", id)
		return Outcome{}, false
	}
	return o, true
}

// Retire drops the outcomes of the given nodes and of every test below them.
// IDs not present in t are dropped as-is.
func (c *Cache) Retire(t *tree.Tree, ids ...string) {
	for _, id := range ids {
		var n *tree.Node
		if t != nil {
			n, _ = t.Find(id)
		}
		if n == nil {
			c.cache.Delete(id)
			continue
		}
		for _, leaf := range tree.Leaves(n) {
			c.cache.Delete(leaf.ID)
		}
	}
	log.Debug(log.CatCache, "Retired outcomes", "ids", ids)
}

// RetireAll drops every outcome.
func (c *Cache) RetireAll() {
	c.cache.Flush()
	log.Debug(log.CatCache, "Retired all outcomes")
}

// Len returns the number of stored outcomes.
func (c *Cache) Len() int {
	return c.cache.ItemCount()
}

// Summary counts outcomes by state.
type Summary map[job.State]int

// Total returns the number of counted outcomes.
func (s Summary) Total() int {
	n := 0
	for _, v := range s {
		n += v
	}
	return n
}

// States returns the counted states in a stable order.
func (s Summary) States() []job.State {
	out := make([]job.State, 0, len(s))
	for st := range s {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Summarize counts the stored outcomes of ids; IDs without an outcome are skipped.
func (c *Cache) Summarize(ids []string) Summary {
	s := Summary{}
	for _, id := range ids {
		if o, ok := c.Get(id); ok {
			s[o.State]++
		}
	}
	return s
}
