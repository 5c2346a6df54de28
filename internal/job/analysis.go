package job

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zjrosen/snort3test/internal/log"
)

// Files and tools of a spell check test directory.
const (
	ExceptionsFile    = "exceptions"      // checker exception list, marks a spell test
	ExpectedFile      = "expected"        // baseline for the primary target
	ExtraExpectedFile = "expected.extra"  // baseline for the extra target
	OutputFile        = "spell.out"       // accumulated checker output
	ExtraOutputFile   = "spell.extra.out" // accumulated output for the extra target

	Checker  = "hunspell"
	DiffTool = "diff"
)

// Mode selects which files a spell check reads and how it extracts text.
type Mode int

const (
	// ModeSource checks comments in C, C++ and Lua sources.
	ModeSource Mode = iota
	// ModeDocs checks plain-text documents as-is.
	ModeDocs
)

// DocsSuffix on a spell test directory name selects ModeDocs.
const DocsSuffix = "_docs"

// ModeFor derives the mode from a spell test directory name.
func ModeFor(dir string) Mode {
	if strings.HasSuffix(filepath.Base(dir), DocsSuffix) {
		return ModeDocs
	}
	return ModeSource
}

func (m Mode) String() string {
	if m == ModeDocs {
		return "docs"
	}
	return "source"
}

func (m Mode) patterns() []string {
	if m == ModeDocs {
		return []string{"*.txt", "*.md"}
	}
	return []string{"*.cc", "*.h", "*.lua"}
}

func (m Mode) extract() string {
	if m == ModeDocs {
		return "cat"
	}
	return `sed -n -e 's://\(.*\)$:\1:p'`
}

// AnalysisOptions configures an Analysis job.
type AnalysisOptions struct {
	Dir    string // test directory holding exceptions and the baseline
	Target string // tree to check
	Extra  bool   // checks the extra target with its own baseline and output
	Mode   Mode
	Env    Env
}

// Compile-time check that Analysis implements Job.
var _ Job = (*Analysis)(nil)

// Analysis runs a spell check pipeline over a target tree and diffs the
// accumulated findings against a baseline.
type Analysis struct {
	lifecycle
	opts AnalysisOptions
}

// NewAnalysis returns a spell check job.
func NewAnalysis(opts AnalysisOptions) *Analysis {
	return &Analysis{opts: opts}
}

func (a *Analysis) Kind() Kind { return KindAnalysis }

func (a *Analysis) Name() string {
	if a.opts.Extra {
		return fmt.Sprintf("spell check (%s, extra)", a.opts.Mode)
	}
	return fmt.Sprintf("spell check (%s)", a.opts.Mode)
}

func (a *Analysis) Description() string {
	return "Checks " + a.opts.Target + " against " + a.ExpectedPath()
}

// Reload is a no-op: the target and baseline names are static.
func (a *Analysis) Reload() error { return nil }

// ExpectedPath is the baseline this job diffs against.
func (a *Analysis) ExpectedPath() string {
	if a.opts.Extra {
		return filepath.Join(a.opts.Dir, ExtraExpectedFile)
	}
	return filepath.Join(a.opts.Dir, ExpectedFile)
}

// OutputPath is the accumulation file written by the pipeline.
func (a *Analysis) OutputPath() string {
	if a.opts.Extra {
		return filepath.Join(a.opts.Dir, ExtraOutputFile)
	}
	return filepath.Join(a.opts.Dir, OutputFile)
}

// Script is the shell pipeline run by Execute. A missing target or a find
// failure exits 2 before the output file is touched.
func (a *Analysis) Script() string {
	out := shellQuote(a.OutputPath())
	target := shellQuote(a.opts.Target)

	names := make([]string, 0, len(a.opts.Mode.patterns()))
	for _, p := range a.opts.Mode.patterns() {
		names = append(names, "-name "+shellQuote(p))
	}

	return fmt.Sprintf(
		`[ -d %[2]s ] || { echo "spell check target not found: "%[2]s >&2; exit 2; }
files=$(find %[2]s -type f \( %[3]s \)) || exit 2
: > %[1]s && printf '%%s\n' "$files" | sort | while IFS= read -r f; do [ -n "$f" ] || continue; %[4]s "$f" | %[5]s -l -p %[6]s >> %[1]s || exit 1; done && sort -u -o %[1]s %[1]s`,
		out,
		target,
		strings.Join(names, " -o "),
		a.opts.Mode.extract(),
		Checker,
		shellQuote(filepath.Join(a.opts.Dir, ExceptionsFile)),
	)
}

// Execute runs the pipeline and reports passed, failed (with the diff) or errored.
func (a *Analysis) Execute(ctx context.Context, id string, emit Emitter) {
	rep := newReporter(id, emit)
	rep.running()
	defer rep.close()

	ctx, end := a.begin(ctx)
	defer end()

	if ctx.Err() != nil {
		rep.finish(StateErrored, abortedMessage)
		return
	}

	if err := os.Remove(a.OutputPath()); err != nil && !os.IsNotExist(err) {
		log.Warn(log.CatJob, "Could not remove stale output", "path", a.OutputPath(), "error", err)
	}

	pipeline := command{name: "sh", args: []string{"-c", a.Script()}, dir: a.opts.Dir}
	out, err := run(ctx, a.opts.Env.Commands, pipeline)
	switch {
	case a.wasAborted(ctx):
		rep.finish(StateErrored, abortedMessage)
		return
	case err != nil:
		rep.finish(StateErrored, err.Error())
		return
	case out.exitCode != 0:
		// The diff would only compare a partial output.
		log.Warn(log.CatJob, "Spell check pipeline failed", "id", id, "exit", out.exitCode)
		rep.finish(StateErrored, describe(pipeline, out))
		return
	}

	diff := command{name: DiffTool, args: []string{a.ExpectedPath(), a.OutputPath()}, dir: a.opts.Dir}
	out, err = run(ctx, a.opts.Env.Commands, diff)
	switch {
	case a.wasAborted(ctx):
		rep.finish(StateErrored, abortedMessage)
	case err != nil:
		rep.finish(StateErrored, err.Error())
	case out.signaled():
		rep.finish(StateErrored, describe(diff, out))
	case out.exitCode != 0:
		detail := string(out.stdout)
		if detail == "" {
			detail = string(out.stderr)
		}
		rep.finish(StateFailed, detail)
	default:
		if err := os.Remove(a.OutputPath()); err != nil && !os.IsNotExist(err) {
			log.Warn(log.CatJob, "Could not remove output", "path", a.OutputPath(), "error", err)
		}
		rep.finish(StatePassed, "")
	}
}

// shellQuote wraps s in single quotes for sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
