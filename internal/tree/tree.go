// Package tree discovers the snort3 test tree on disk and holds the node
// hierarchy together with the job table keyed by leaf ID.
package tree

import (
	"path/filepath"
	"strings"

	"github.com/zjrosen/snort3test/internal/job"
)

// RootID is the ID of the synthetic root suite.
const RootID = "Snort3_test_root"

// ExtraSuffix is appended to an analysis directory to form the ID of its
// extra-target leaf.
const ExtraSuffix = "#extra"

// Kind distinguishes suites from tests.
type Kind int

const (
	KindSuite Kind = iota
	KindTest
)

func (k Kind) String() string {
	if k == KindTest {
		return "test"
	}
	return "suite"
}

// Node is a suite or a test. Suites carry Children; tests carry File,
// Description and Tooltip and have a job in the Table under the same ID.
type Node struct {
	Kind     Kind
	ID       string
	Label    string
	Children []*Node

	File        string
	Description string
	Tooltip     string
	JobKind     job.Kind
}

// IsLeaf reports whether n is a test.
func (n *Node) IsLeaf() bool { return n.Kind == KindTest }

// Dir returns the directory a node was discovered in.
func (n *Node) Dir() string {
	return strings.TrimSuffix(n.ID, ExtraSuffix)
}

// Tree is a discovered test hierarchy.
type Tree struct {
	Root  *Node
	Table *Table

	index  map[string]*Node
	parent map[string]*Node
}

func newTree(root *Node, table *Table) *Tree {
	t := &Tree{
		Root:   root,
		Table:  table,
		index:  make(map[string]*Node),
		parent: make(map[string]*Node),
	}
	var visit func(n *Node)
	visit = func(n *Node) {
		t.index[n.ID] = n
		for _, c := range n.Children {
			t.parent[c.ID] = n
			visit(c)
		}
	}
	visit(root)
	return t
}

// Find returns the node with the given ID.
func (t *Tree) Find(id string) (*Node, bool) {
	n, ok := t.index[id]
	return n, ok
}

// Nearest returns the node for path or for its closest ancestor directory.
func (t *Tree) Nearest(path string) (*Node, bool) {
	p := filepath.Clean(path)
	for {
		if n, ok := t.index[p]; ok {
			return n, true
		}
		next := filepath.Dir(p)
		if next == p {
			return nil, false
		}
		p = next
	}
}

// Ancestors returns the chain of suites above id, nearest first, ending at the root.
func (t *Tree) Ancestors(id string) []*Node {
	var out []*Node
	for p, ok := t.parent[id]; ok; p, ok = t.parent[p.ID] {
		out = append(out, p)
	}
	return out
}

// Leaves returns the tests under n in pre-order.
func Leaves(n *Node) []*Node {
	if n == nil {
		return nil
	}
	var out []*Node
	stack := []*Node{n}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur.IsLeaf() {
			out = append(out, cur)
			continue
		}
		for i := len(cur.Children) - 1; i >= 0; i-- {
			stack = append(stack, cur.Children[i])
		}
	}
	return out
}

// Siblings returns the IDs that share n's directory: a spell check leaf and
// its extra-target companion.
func (t *Tree) Siblings(id string) []string {
	dir := strings.TrimSuffix(id, ExtraSuffix)
	var out []string
	for _, cand := range []string{dir, dir + ExtraSuffix} {
		if _, ok := t.index[cand]; ok {
			out = append(out, cand)
		}
	}
	return out
}
