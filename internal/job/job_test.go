package job

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// recorder collects emitted results.
type recorder struct {
	mu      sync.Mutex
	results []Result
}

func (r *recorder) emit(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func (r *recorder) snapshot() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Result(nil), r.results...)
}

func (r *recorder) states() []State {
	var out []State
	for _, res := range r.snapshot() {
		out = append(out, res.State)
	}
	return out
}

func (r *recorder) terminal(t *testing.T) Result {
	t.Helper()
	results := r.snapshot()
	require.NotEmpty(t, results)
	require.Equal(t, StateRunning, results[0].State, "running must come first")
	var terminals []Result
	for _, res := range results {
		if res.State.IsTerminal() {
			terminals = append(terminals, res)
		}
	}
	require.Len(t, terminals, 1, "exactly one terminal result expected, got %v", results)
	return terminals[0]
}

func writeFile(t *testing.T, path, content string, mode os.FileMode) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), mode))
}

const descriptor = `<?xml version="1.0"?>
<snort-test>
  <name> http basic </name>
  <description>checks the http inspector</description>
</snort-test>
`

// newRegressionFixture creates a test root whose harness runs script.
func newRegressionFixture(t *testing.T, script string) (*Regression, string, Env) {
	t.Helper()
	root := t.TempDir()
	writeFile(t, HarnessPath(root), "#!/bin/sh\n"+script, 0o755)
	dir := filepath.Join(root, "inspectors", "http")
	writeFile(t, filepath.Join(dir, DescriptorFile), descriptor, 0o644)

	env := Env{Root: root, Prefix: "/opt/snort", Dependencies: "/opt/deps", Base: []string{"PATH=/usr/bin:/bin"}}
	r, err := NewRegression(dir, env)
	require.NoError(t, err)
	return r, dir, env
}

func TestParseDescriptor(t *testing.T) {
	path := filepath.Join(t.TempDir(), DescriptorFile)
	writeFile(t, path, descriptor, 0o644)

	d, err := ParseDescriptor(path)
	require.NoError(t, err)
	require.Equal(t, "http basic", d.Name)
	require.Equal(t, "checks the http inspector", d.Description)
}

func TestParseDescriptor_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), DescriptorFile)
	writeFile(t, path, "<snort-test><name>", 0o644)

	_, err := ParseDescriptor(path)
	require.Error(t, err)
}

func TestNewRegression_MissingDescriptor(t *testing.T) {
	_, err := NewRegression(t.TempDir(), Env{})
	require.Error(t, err)
}

func TestRegression_Reload(t *testing.T) {
	r, dir, _ := newRegressionFixture(t, "exit 0\n")
	require.Equal(t, "http basic", r.Name())
	require.Equal(t, KindRegression, r.Kind())

	writeFile(t, filepath.Join(dir, DescriptorFile),
		"<snort-test><name>renamed</name><description>new</description></snort-test>", 0o644)
	require.NoError(t, r.Reload())
	require.Equal(t, "renamed", r.Name())
	require.Equal(t, "new", r.Description())

	// A broken descriptor keeps the previous metadata.
	writeFile(t, filepath.Join(dir, DescriptorFile), "<snort-test>", 0o644)
	require.Error(t, r.Reload())
	require.Equal(t, "renamed", r.Name())
}

func TestRegression_Execute_PassedWithHarnessContract(t *testing.T) {
	script := `printf '%s\n' "$@" > args.txt
pwd > cwd.txt
echo "$SNORT_TEST|$SF_PREFIX_SNORT3|$DEPENDENCIES|$SNORT_PLUGIN_PATH" > env.txt
printf 'PASSED\tall good\n' > snorttest.result
`
	r, dir, env := newRegressionFixture(t, script)

	rec := &recorder{}
	r.Execute(context.Background(), dir, rec.emit)

	res := rec.terminal(t)
	require.Equal(t, StatePassed, res.State)
	require.Equal(t, "all good", res.Message)
	require.Equal(t, dir, res.ID)

	args, err := os.ReadFile(filepath.Join(dir, "args.txt"))
	require.NoError(t, err)
	require.Equal(t,
		"--daq-dir\n/opt/deps/lib/daq\n--plugin-path\n/opt/snort/lib/snort/plugins\n--snort-test\n"+env.Root+"\n-x\n/opt/snort\n.\n",
		string(args))

	cwd, err := os.ReadFile(filepath.Join(dir, "cwd.txt"))
	require.NoError(t, err)
	wantDir, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	gotDir, err := filepath.EvalSymlinks(filepath.Clean(string(cwd[:len(cwd)-1])))
	require.NoError(t, err)
	require.Equal(t, wantDir, gotDir)

	envOut, err := os.ReadFile(filepath.Join(dir, "env.txt"))
	require.NoError(t, err)
	require.Equal(t, env.Root+"|/opt/snort|/opt/deps|/opt/snort/lib/snort/plugins\n", string(envOut))
}

func TestRegression_Execute_ErrorKeywordBecomesErrored(t *testing.T) {
	r, dir, _ := newRegressionFixture(t, `printf 'error\tmessage\n' > snorttest.result`+"\n")

	rec := &recorder{}
	r.Execute(context.Background(), dir, rec.emit)

	res := rec.terminal(t)
	require.Equal(t, StateErrored, res.State)
	require.Equal(t, "message", res.Message)
}

func TestRegression_Execute_NonzeroExit(t *testing.T) {
	r, dir, _ := newRegressionFixture(t, "echo boom >&2\nprintf 'passed\\n' > snorttest.result\nexit 3\n")

	rec := &recorder{}
	r.Execute(context.Background(), dir, rec.emit)

	res := rec.terminal(t)
	require.Equal(t, StateErrored, res.State)
	require.Contains(t, res.Message, "status 3")
	require.Contains(t, res.Message, "boom")
}

func TestRegression_Execute_MissingResult(t *testing.T) {
	r, dir, _ := newRegressionFixture(t, "exit 0\n")
	// A stale artifact from an earlier run must not be reported.
	writeFile(t, filepath.Join(dir, ResultFile), "passed\n", 0o644)

	rec := &recorder{}
	r.Execute(context.Background(), dir, rec.emit)

	require.Equal(t, StateErrored, rec.terminal(t).State)
}

func TestRegression_Execute_SpawnFailure(t *testing.T) {
	r, dir, _ := newRegressionFixture(t, "exit 0\n")
	r.env.Root = filepath.Join(t.TempDir(), "nowhere")

	rec := &recorder{}
	r.Execute(context.Background(), dir, rec.emit)

	require.Equal(t, StateErrored, rec.terminal(t).State)
}

func TestRegression_Abort(t *testing.T) {
	r, dir, _ := newRegressionFixture(t, "sleep 30\n")

	rec := &recorder{}
	done := make(chan struct{})
	go func() {
		r.Execute(context.Background(), dir, rec.emit)
		close(done)
	}()

	require.Eventually(t, r.Running, 2*time.Second, 5*time.Millisecond)
	r.Abort()
	r.Abort() // repeated abort is harmless

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		require.FailNow(t, "Execute did not return after Abort")
	}

	res := rec.terminal(t)
	require.Equal(t, StateErrored, res.State)
	require.Equal(t, abortedMessage, res.Message)
	require.False(t, r.Running())
}

func TestRegression_AbortWhenIdle(t *testing.T) {
	r, _, _ := newRegressionFixture(t, "exit 0\n")
	require.NotPanics(t, func() {
		r.Abort()
		r.Abort()
	})
	require.False(t, r.Running())
}

func TestRegression_Execute_CancelledContext(t *testing.T) {
	r, dir, _ := newRegressionFixture(t, "printf 'passed\\n' > snorttest.result\n")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := &recorder{}
	r.Execute(ctx, dir, rec.emit)

	require.Equal(t, []State{StateRunning, StateErrored}, rec.states())
}

func TestReadResult(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		wantState  State
		wantDetail string
		wantErr    bool
	}{
		{name: "passed", content: "passed\n", wantState: StatePassed},
		{name: "uppercase failed with detail", content: "FAILED\texpected 3 alerts\n", wantState: StateFailed, wantDetail: "expected 3 alerts"},
		{name: "error maps to errored", content: "error\tmessage", wantState: StateErrored, wantDetail: "message"},
		{name: "skipped", content: "skipped\tneeds pcap\nmore\n", wantState: StateSkipped, wantDetail: "needs pcap"},
		{name: "unknown keyword", content: "weird\n", wantState: StateErrored, wantDetail: `unknown result status "weird"`},
		{name: "empty file", content: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), ResultFile)
			writeFile(t, path, tt.content, 0o644)

			state, detail, err := ReadResult(path)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.wantState, state)
			require.Equal(t, tt.wantDetail, detail)
		})
	}
}

func TestReadResult_Missing(t *testing.T) {
	_, _, err := ReadResult(filepath.Join(t.TempDir(), ResultFile))
	require.Error(t, err)
}

func TestEnv_Variables(t *testing.T) {
	env := Env{
		Root:         "/tests",
		Prefix:       "/opt/snort",
		Dependencies: "/opt/deps",
		Base:         []string{"HOME=/root", "LD_LIBRARY_PATH=/usr/local/lib", "PATH=/usr/bin"},
	}

	vars := map[string]string{}
	var order []string
	for _, kv := range env.Variables() {
		k, v, _ := cutEnv(kv)
		vars[k] = v
		order = append(order, k)
	}

	sep := string(os.PathListSeparator)
	require.Equal(t, "/root", vars["HOME"])
	require.Equal(t, "/opt/snort/lib"+sep+"/opt/deps/lib"+sep+"/usr/local/lib", vars["LD_LIBRARY_PATH"])
	require.Equal(t, "/opt/snort/bin"+sep+"/opt/deps/bin"+sep+"/usr/bin", vars["PATH"])
	require.Equal(t, "/tests/lib", vars["PYTHONPATH"])
	require.Equal(t, "/opt/snort/include/snort/lua/?.lua;;", vars["LUA_PATH"])
	require.Equal(t, "/opt/snort/etc/snort", vars["SNORT_LUA_PATH"])
	require.Equal(t, "/opt/snort/lib/snort/plugins", vars["SNORT_PLUGIN_PATH"])
	require.Equal(t, "/tests", vars["SNORT_TEST"])
	require.Equal(t, []string{"HOME", "LD_LIBRARY_PATH", "PATH"}, order[:3], "inherited keys keep their position")
}

func cutEnv(kv string) (string, string, bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], true
		}
	}
	return kv, "", false
}

func TestKindAndStateStrings(t *testing.T) {
	require.Equal(t, "regression", KindRegression.String())
	require.Equal(t, "analysis", KindAnalysis.String())
	require.False(t, StateRunning.IsTerminal())
	for _, s := range []State{StatePassed, StateFailed, StateErrored, StateSkipped} {
		require.True(t, s.IsTerminal(), s)
	}
}

// toolFactory fakes the spell pipeline and diff with shell snippets and records invocations.
type toolFactory struct {
	mu       sync.Mutex
	pipeline string
	diff     string
	calls    []string
}

func (f *toolFactory) command(ctx context.Context, name string, args ...string) *exec.Cmd {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()

	switch name {
	case "sh":
		return exec.CommandContext(ctx, "sh", "-c", f.pipeline)
	case DiffTool:
		return exec.CommandContext(ctx, "sh", "-c", f.diff)
	default:
		return exec.CommandContext(ctx, name, args...)
	}
}

func (f *toolFactory) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newAnalysisFixture(t *testing.T, tools *toolFactory) *Analysis {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "spell")
	writeFile(t, filepath.Join(dir, ExceptionsFile), "snort\n", 0o644)
	writeFile(t, filepath.Join(dir, ExpectedFile), "", 0o644)
	return NewAnalysis(AnalysisOptions{
		Dir:    dir,
		Target: "/src/snort3",
		Mode:   ModeFor(dir),
		Env:    Env{Commands: tools.command},
	})
}

func TestAnalysis_PipelineFailureSkipsDiff(t *testing.T) {
	tools := &toolFactory{pipeline: "exit 2", diff: "exit 0"}
	a := newAnalysisFixture(t, tools)

	rec := &recorder{}
	a.Execute(context.Background(), "spell", rec.emit)

	require.Equal(t, StateErrored, rec.terminal(t).State)
	require.Equal(t, []string{"sh"}, tools.called(), "diff must not run after a failed pipeline")
}

func TestAnalysis_MissingTargetIsErrored(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "spell")
	writeFile(t, filepath.Join(dir, ExceptionsFile), "snort\n", 0o644)
	writeFile(t, filepath.Join(dir, ExpectedFile), "teh\n", 0o644)

	var calls []string
	a := NewAnalysis(AnalysisOptions{
		Dir:    dir,
		Target: filepath.Join(t.TempDir(), "does-not-exist"),
		Mode:   ModeSource,
		Env: Env{Commands: func(ctx context.Context, name string, args ...string) *exec.Cmd {
			calls = append(calls, name)
			return exec.CommandContext(ctx, name, args...)
		}},
	})

	rec := &recorder{}
	a.Execute(context.Background(), "spell", rec.emit)

	res := rec.terminal(t)
	require.Equal(t, StateErrored, res.State)
	require.Contains(t, res.Message, "exited with status 2")
	require.Contains(t, res.Message, "spell check target not found")
	require.Equal(t, []string{"sh"}, calls, "diff must not run after a failed pipeline")
	require.NoFileExists(t, a.OutputPath())
}

func TestAnalysis_DiffMismatchFailsAndKeepsOutput(t *testing.T) {
	tools := &toolFactory{pipeline: "echo teh > " + OutputFile, diff: `printf 'line1\n'; exit 1`}
	a := newAnalysisFixture(t, tools)

	rec := &recorder{}
	a.Execute(context.Background(), "spell", rec.emit)

	res := rec.terminal(t)
	require.Equal(t, StateFailed, res.State)
	require.Equal(t, "line1\n", res.Message)
	require.FileExists(t, a.OutputPath())
	require.Equal(t, []string{"sh", DiffTool}, tools.called())
}

func TestAnalysis_PassRemovesOutput(t *testing.T) {
	tools := &toolFactory{pipeline: ": > " + OutputFile, diff: "exit 0"}
	a := newAnalysisFixture(t, tools)

	rec := &recorder{}
	a.Execute(context.Background(), "spell", rec.emit)

	require.Equal(t, StatePassed, rec.terminal(t).State)
	require.NoFileExists(t, a.OutputPath())
}

func TestAnalysis_RemovesStaleOutputFirst(t *testing.T) {
	tools := &toolFactory{pipeline: "test ! -e " + OutputFile, diff: "exit 0"}
	a := newAnalysisFixture(t, tools)
	writeFile(t, a.OutputPath(), "stale\n", 0o644)

	rec := &recorder{}
	a.Execute(context.Background(), "spell", rec.emit)

	require.Equal(t, StatePassed, rec.terminal(t).State)
}

func TestAnalysis_DiffCannotRun(t *testing.T) {
	tools := &toolFactory{pipeline: "exit 0"}
	a := newAnalysisFixture(t, tools)
	a.opts.Env.Commands = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		if name == DiffTool {
			return exec.CommandContext(ctx, filepath.Join(t.TempDir(), "no-such-diff"))
		}
		return tools.command(ctx, name, args...)
	}

	rec := &recorder{}
	a.Execute(context.Background(), "spell", rec.emit)

	require.Equal(t, StateErrored, rec.terminal(t).State)
}

func TestAnalysis_Abort(t *testing.T) {
	tools := &toolFactory{pipeline: "sleep 30", diff: "exit 0"}
	a := newAnalysisFixture(t, tools)

	rec := &recorder{}
	done := make(chan struct{})
	go func() {
		a.Execute(context.Background(), "spell", rec.emit)
		close(done)
	}()

	require.Eventually(t, a.Running, 2*time.Second, 5*time.Millisecond)
	a.Abort()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		require.FailNow(t, "Execute did not return after Abort")
	}
	require.Equal(t, StateErrored, rec.terminal(t).State)
	require.Equal(t, []string{"sh"}, tools.called())
}

func TestAnalysis_PathsAndScript(t *testing.T) {
	base := NewAnalysis(AnalysisOptions{Dir: "/t/spell_docs", Target: "/src", Mode: ModeFor("/t/spell_docs")})
	extra := NewAnalysis(AnalysisOptions{Dir: "/t/spell_docs", Target: "/extra", Extra: true, Mode: ModeDocs})

	require.Equal(t, ModeDocs, ModeFor("/t/spell_docs"))
	require.Equal(t, ModeSource, ModeFor("/t/spell"))
	require.Equal(t, "/t/spell_docs/expected", base.ExpectedPath())
	require.Equal(t, "/t/spell_docs/expected.extra", extra.ExpectedPath())
	require.NotEqual(t, base.OutputPath(), extra.OutputPath())
	require.NotEqual(t, base.Name(), extra.Name())
	require.NoError(t, base.Reload())

	script := base.Script()
	require.Contains(t, script, "[ -d '/src' ] || {")
	require.Contains(t, script, "files=$(find '/src' -type f")
	require.Contains(t, script, "-name '*.txt' -o -name '*.md'")
	require.Contains(t, script, "hunspell -l -p '/t/spell_docs/exceptions' >> '/t/spell_docs/spell.out'")
	require.Contains(t, script, "sort -u -o '/t/spell_docs/spell.out' '/t/spell_docs/spell.out'")
	require.Contains(t, extra.Script(), "find '/extra'")
}

func TestShellQuote(t *testing.T) {
	require.Equal(t, `'it'\''s'`, shellQuote("it's"))
}
