package job

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zjrosen/snort3test/internal/log"
)

// ResultFile is written by the harness into the test directory.
// Its first line holds a tab-delimited status keyword followed by detail.
const ResultFile = "snorttest.result"

// Compile-time check that Regression implements Job.
var _ Job = (*Regression)(nil)

// Regression runs the snort3 test harness for one test directory.
type Regression struct {
	lifecycle

	dir string
	env Env

	metaMu sync.RWMutex
	meta   Descriptor
}

// NewRegression parses dir/test.xml and returns the job for that directory.
func NewRegression(dir string, env Env) (*Regression, error) {
	meta, err := ParseDescriptor(filepath.Join(dir, DescriptorFile))
	if err != nil {
		return nil, err
	}
	return &Regression{dir: dir, env: env, meta: meta}, nil
}

func (r *Regression) Kind() Kind { return KindRegression }

func (r *Regression) Name() string {
	r.metaMu.RLock()
	defer r.metaMu.RUnlock()
	return r.meta.Name
}

func (r *Regression) Description() string {
	r.metaMu.RLock()
	defer r.metaMu.RUnlock()
	return r.meta.Description
}

// Dir returns the test directory.
func (r *Regression) Dir() string { return r.dir }

// Reload re-parses the descriptor. On error the cached metadata is kept.
func (r *Regression) Reload() error {
	meta, err := ParseDescriptor(filepath.Join(r.dir, DescriptorFile))
	if err != nil {
		log.ErrorErr(log.CatJob, "Failed to reload descriptor", err, "dir", r.dir)
		return err
	}
	r.metaMu.Lock()
	r.meta = meta
	r.metaMu.Unlock()
	log.Debug(log.CatJob, "Reloaded descriptor", "dir", r.dir, "name", meta.Name)
	return nil
}

// Execute runs the harness in the test directory and reports the status it wrote.
func (r *Regression) Execute(ctx context.Context, id string, emit Emitter) {
	rep := newReporter(id, emit)
	rep.running()
	defer rep.close()

	ctx, end := r.begin(ctx)
	defer end()

	if ctx.Err() != nil {
		rep.finish(StateErrored, abortedMessage)
		return
	}

	resultPath := filepath.Join(r.dir, ResultFile)
	if err := os.Remove(resultPath); err != nil && !os.IsNotExist(err) {
		log.Warn(log.CatJob, "Could not remove stale result", "path", resultPath, "error", err)
	}

	c := command{
		name: r.env.Harness(),
		args: r.env.HarnessArgs(),
		dir:  r.dir,
		env:  r.env.Variables(),
	}
	out, err := run(ctx, r.env.Commands, c)
	switch {
	case r.wasAborted(ctx):
		rep.finish(StateErrored, abortedMessage)
		return
	case err != nil:
		log.ErrorErr(log.CatJob, "Harness failed to run", err, "id", id)
		rep.finish(StateErrored, err.Error())
		return
	case out.exitCode != 0:
		log.Warn(log.CatJob, "Harness exited abnormally", "id", id, "exit", out.exitCode)
		rep.finish(StateErrored, describe(c, out))
		return
	}

	state, detail, err := ReadResult(resultPath)
	if err != nil {
		log.ErrorErr(log.CatJob, "Unreadable result", err, "id", id)
		rep.finish(StateErrored, err.Error())
		return
	}
	rep.finish(state, detail)
}

// ReadResult parses a harness result file. The first tab-delimited field of
// the first line is the status keyword; the rest of the line is detail.
func ReadResult(path string) (State, string, error) {
	f, err := os.Open(path) //nolint:gosec // G304: result file inside the test directory
	if err != nil {
		return "", "", fmt.Errorf("reading result: %w", err)
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return "", "", fmt.Errorf("reading result: %w", err)
		}
		return "", "", fmt.Errorf("result file %s is empty", path)
	}

	keyword, detail, _ := strings.Cut(sc.Text(), "\t")
	state, ok := ParseState(keyword)
	if !ok {
		return StateErrored, fmt.Sprintf("unknown result status %q", strings.TrimSpace(keyword)), nil
	}
	return state, strings.TrimSpace(detail), nil
}

// ParseState maps a harness status keyword to a terminal State.
// The harness writes "error" where observers expect "errored".
func ParseState(keyword string) (State, bool) {
	switch strings.ToLower(strings.TrimSpace(keyword)) {
	case "passed", "pass":
		return StatePassed, true
	case "failed", "fail":
		return StateFailed, true
	case "error", "errored":
		return StateErrored, true
	case "skipped", "skip":
		return StateSkipped, true
	default:
		return "", false
	}
}
