package tree

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zjrosen/snort3test/internal/job"
	"github.com/zjrosen/snort3test/internal/log"
)

// Sentinel causes wrapped by DiscoveryError.
var (
	ErrNotTestRoot = errors.New("not a snort3 test root directory")
	ErrNoTests     = errors.New("no tests present under this root")
)

// DiscoveryError reports why a root could not produce a tree.
type DiscoveryError struct {
	Root string
	Err  error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovering %s: %v", e.Root, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// Leaf identifies a job to allocate for a test directory.
type Leaf struct {
	Dir   string
	Kind  job.Kind
	Extra bool // extra-target companion of a spell check
}

// Factory allocates the job for a discovered leaf.
type Factory func(l Leaf) (job.Job, error)

// Options configures Build.
type Options struct {
	Env        job.Env
	SourcePath string // spell check target
	ExtraPath  string // optional second spell check target
	Factory    Factory
}

// JobFactory returns the Factory that creates Regression and Analysis jobs.
func JobFactory(env job.Env, sourcePath, extraPath string) Factory {
	return func(l Leaf) (job.Job, error) {
		switch l.Kind {
		case job.KindRegression:
			return job.NewRegression(l.Dir, env)
		case job.KindAnalysis:
			target := sourcePath
			if l.Extra {
				target = extraPath
			}
			return job.NewAnalysis(job.AnalysisOptions{
				Dir:    l.Dir,
				Target: target,
				Extra:  l.Extra,
				Mode:   job.ModeFor(l.Dir),
				Env:    env,
			}), nil
		default:
			return nil, fmt.Errorf("unknown job kind %v", l.Kind)
		}
	}
}

// Build walks root depth-first in directory order and returns the tree of
// eligible tests under the synthetic RootID suite.
func Build(root string, opts Options) (*Tree, error) {
	root = filepath.Clean(root)

	if err := readable(job.HarnessPath(root)); err != nil {
		log.Warn(log.CatTree, "Harness not readable", "root", root, "error", err)
		return nil, &DiscoveryError{Root: root, Err: fmt.Errorf("%w: %w", ErrNotTestRoot, err)}
	}
	if _, err := os.ReadDir(root); err != nil {
		return nil, &DiscoveryError{Root: root, Err: fmt.Errorf("%w: %w", ErrNotTestRoot, err)}
	}

	factory := opts.Factory
	if factory == nil {
		factory = JobFactory(opts.Env, opts.SourcePath, opts.ExtraPath)
	}

	b := &builder{
		factory: factory,
		extra:   opts.ExtraPath != "",
		table:   NewTable(),
		visited: make(map[string]bool),
	}
	top := b.walk(root)
	if b.table.Len() == 0 {
		return nil, &DiscoveryError{Root: root, Err: ErrNoTests}
	}

	t := newTree(&Node{Kind: KindSuite, ID: RootID, Label: RootID, Children: top}, b.table)
	log.Info(log.CatTree, "Discovered tests", "root", root, "tests", b.table.Len())
	return t, nil
}

type builder struct {
	factory Factory
	extra   bool
	table   *Table
	visited map[string]bool // resolved directories, guards symlink cycles
}

// walk returns what dir contributes to its parent: its leaves when it is a
// test directory, a single suite when it holds tests, nothing otherwise.
func (b *builder) walk(dir string) []*Node {
	if real, err := filepath.EvalSymlinks(dir); err == nil {
		if b.visited[real] {
			log.Warn(log.CatTree, "Skipping directory cycle", "dir", dir)
			return nil
		}
		b.visited[real] = true
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Warn(log.CatTree, "Skipping unreadable directory", "dir", dir, "error", err)
		return nil
	}

	names := make(map[string]bool, len(entries))
	for _, e := range entries {
		names[e.Name()] = true
	}

	switch {
	case names[job.DescriptorFile]:
		return b.regression(dir)
	case names[job.ExceptionsFile] && names[job.ExpectedFile]:
		return b.analysis(dir)
	}

	suite := &Node{Kind: KindSuite, ID: dir, Label: filepath.Base(dir)}
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		if !isDir(e, path) {
			continue
		}
		suite.Children = append(suite.Children, b.walk(path)...)
	}
	if len(suite.Children) == 0 {
		return nil
	}
	return []*Node{suite}
}

func (b *builder) regression(dir string) []*Node {
	j, err := b.factory(Leaf{Dir: dir, Kind: job.KindRegression})
	if err != nil {
		log.Warn(log.CatTree, "Skipping test with bad descriptor", "dir", dir, "error", err)
		return nil
	}
	n := &Node{
		Kind:        KindTest,
		ID:          dir,
		Label:       filepath.Base(dir),
		File:        filepath.Join(dir, job.DescriptorFile),
		Description: j.Name(),
		Tooltip:     strings.TrimSpace(j.Name() + "\n" + j.Description()),
		JobKind:     job.KindRegression,
	}
	b.table.Set(n.ID, j)
	return []*Node{n}
}

func (b *builder) analysis(dir string) []*Node {
	var out []*Node
	add := func(l Leaf, id, label, file string) {
		j, err := b.factory(l)
		if err != nil {
			log.Warn(log.CatTree, "Skipping spell check", "id", id, "error", err)
			return
		}
		n := &Node{
			Kind:        KindTest,
			ID:          id,
			Label:       label,
			File:        file,
			Description: j.Name(),
			Tooltip:     j.Description(),
			JobKind:     job.KindAnalysis,
		}
		b.table.Set(n.ID, j)
		out = append(out, n)
	}

	base := filepath.Base(dir)
	add(Leaf{Dir: dir, Kind: job.KindAnalysis}, dir, base, filepath.Join(dir, job.ExpectedFile))
	if b.extra {
		add(Leaf{Dir: dir, Kind: job.KindAnalysis, Extra: true},
			dir+ExtraSuffix, base+" (extra)", filepath.Join(dir, job.ExtraExpectedFile))
	}
	return out
}

func isDir(e os.DirEntry, path string) bool {
	if e.IsDir() {
		return true
	}
	if e.Type()&os.ModeSymlink == 0 {
		return false
	}
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

func readable(path string) error {
	f, err := os.Open(path) //nolint:gosec // G304: harness path under the configured root
	if err != nil {
		return err
	}
	return f.Close()
}
