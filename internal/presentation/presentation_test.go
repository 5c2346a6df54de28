package presentation

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/snort3test/internal/history"
	"github.com/zjrosen/snort3test/internal/job"
	"github.com/zjrosen/snort3test/internal/outcome"
	"github.com/zjrosen/snort3test/internal/tree"
)

func sampleTree() *tree.Node {
	return &tree.Node{Kind: tree.KindSuite, ID: tree.RootID, Label: tree.RootID, Children: []*tree.Node{
		{Kind: tree.KindSuite, ID: "/t", Label: "t", Children: []*tree.Node{
			{Kind: tree.KindSuite, ID: "/t/http", Label: "http", Children: []*tree.Node{
				{Kind: tree.KindTest, ID: "/t/http/basic", Label: "basic", Description: "http basic", JobKind: job.KindRegression},
			}},
			{Kind: tree.KindTest, ID: "/t/spell", Label: "spell", Description: "spell", JobKind: job.KindAnalysis},
		}},
	}}
}

func lookup(m map[string]job.State) StateLookup {
	return func(id string) (job.State, bool) {
		s, ok := m[id]
		return s, ok
	}
}

func TestFromNode(t *testing.T) {
	dto := FromNode(sampleTree(), lookup(map[string]job.State{"/t/spell": job.StateFailed}))

	require.Equal(t, "suite", dto.Kind)
	require.Empty(t, dto.Job)
	suite := dto.Children[0]
	require.Len(t, suite.Children, 2)
	require.Equal(t, "regression", suite.Children[0].Children[0].Job)
	require.Empty(t, suite.Children[0].Children[0].State)
	require.Equal(t, "analysis", suite.Children[1].Job)
	require.Equal(t, "failed", suite.Children[1].State)
}

func TestFormatter_Tree(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewFormatter(&buf).FormatTree(FromNode(sampleTree(), nil)))

	var got NodeDTO
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	require.Equal(t, "/t/http/basic", got.Children[0].Children[0].Children[0].ID)
	require.NotContains(t, buf.String(), `"state"`)
}

func TestFormatter_ResultIsOneLine(t *testing.T) {
	var buf bytes.Buffer
	f := NewFormatter(&buf)
	require.NoError(t, f.FormatResult(FromResult(job.Result{ID: "/t/a", State: job.StatePassed})))
	require.NoError(t, f.FormatResult(FromResult(job.Result{ID: "/t/b", State: job.StateFailed, Message: "l1\nl2"})))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	require.JSONEq(t, `{"id":"/t/b","state":"failed","message":"l1\nl2"}`, lines[1])
}

func TestFromRunAndRecords(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(2 * time.Second)
	dto := FromRun(history.Run{
		ID: "r1", Root: "/t", Requested: []string{tree.RootID}, StartedAt: start, FinishedAt: &end,
		Dispatched: 3, Counts: map[job.State]int{job.StatePassed: 2, job.StateFailed: 1},
	})
	require.Equal(t, map[string]int{"passed": 2, "failed": 1}, dto.Counts)
	require.Equal(t, &end, dto.FinishedAt)

	recs := FromRecords([]history.Record{
		{TestID: "/t/b", State: job.StatePassed},
		{TestID: "/t/a", State: job.StateErrored, Message: "boom"},
	})
	require.Equal(t, "/t/a", recs[0].ID)
	require.Equal(t, "boom", recs[0].Message)
}

func TestText_Tree(t *testing.T) {
	var buf bytes.Buffer
	txt := NewText(&buf)
	require.NoError(t, txt.Tree(sampleTree(), lookup(map[string]job.State{"/t/http/basic": job.StatePassed})))

	want := strings.Join([]string{
		tree.RootID,
		"└── t",
		"    ├── http",
		"    │   └── basic  http basic  ✓ passed",
		"    └── spell",
		"",
	}, "\n")
	require.Equal(t, want, buf.String())
}

func TestText_Result(t *testing.T) {
	var buf bytes.Buffer
	txt := NewText(&buf)
	require.NoError(t, txt.Result(job.Result{ID: "/t/spell", State: job.StateFailed, Message: "teh\nrecieve\n"}, "/t"))
	require.NoError(t, txt.Result(job.Result{ID: "/other/x", State: job.StatePassed, Message: "ignored"}, "/t"))

	require.Equal(t, "✗ failed  spell\n    teh\n    recieve\n✓ passed  /other/x\n", buf.String())
}

func TestText_Summary(t *testing.T) {
	var buf bytes.Buffer
	txt := NewText(&buf)
	s := outcome.Summary{job.StatePassed: 2, job.StateSkipped: 1}
	require.NoError(t, txt.Summary(s, 1500*time.Millisecond, true))
	require.Equal(t, "3 tests: 2 passed, 1 skipped (1.5s) cancelled\n", buf.String())

	buf.Reset()
	require.NoError(t, txt.Summary(outcome.Summary{}, 0, false))
	require.Equal(t, "0 tests (0s)\n", buf.String())
}

func TestText_Runs(t *testing.T) {
	var buf bytes.Buffer
	txt := NewText(&buf)
	require.NoError(t, txt.Runs(nil))
	require.Contains(t, buf.String(), "no runs recorded")

	buf.Reset()
	start := time.Now()
	end := start.Add(250 * time.Millisecond)
	require.NoError(t, txt.Runs([]history.Run{
		{ID: "0123456789abcdef", StartedAt: start, FinishedAt: &end, Counts: map[job.State]int{job.StatePassed: 4}},
		{ID: "short", StartedAt: start, Cancelled: true},
	}))
	out := buf.String()
	require.Contains(t, out, "01234567  ")
	require.Contains(t, out, "250ms")
	require.Contains(t, out, "4 passed")
	require.Contains(t, out, "running cancelled")
}
