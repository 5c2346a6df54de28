package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/snort3test/internal/history"
	"github.com/zjrosen/snort3test/internal/presentation"
)

var (
	historyLimit int
	historyJSON  bool
	historyPrune time.Duration
)

var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "Show recorded runs",
	Long: `List recent runs from the history database, or the results of one run.
A run ID prefix is enough when it is unique among the listed runs.

Examples:
  snort3test history
  snort3test history 3f2a9c1e
  snort3test history --prune 720h`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of runs to list")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "print as JSON")
	historyCmd.Flags().DurationVar(&historyPrune, "prune", 0, "delete runs older than this")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	store, err := history.Open(cfg.HistoryPath())
	if err != nil {
		return fmt.Errorf("opening history: %w", err)
	}
	defer func() { _ = store.Close() }()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if historyPrune > 0 {
		n, err := store.Prune(ctx, time.Now().Add(-historyPrune))
		if err != nil {
			return fmt.Errorf("pruning history: %w", err)
		}
		_, _ = fmt.Fprintf(out, "pruned %d runs\n", n)
		return nil
	}

	runs, err := store.ListRuns(ctx, historyLimit)
	if err != nil {
		return fmt.Errorf("listing runs: %w", err)
	}

	if len(args) == 0 {
		if historyJSON {
			return presentation.NewFormatter(out).FormatRuns(presentation.FromRuns(runs))
		}
		return presentation.NewText(out).Runs(runs)
	}

	id, err := matchRun(runs, args[0])
	if err != nil {
		return err
	}
	recs, err := store.Results(ctx, id)
	if err != nil {
		return fmt.Errorf("reading results: %w", err)
	}
	if historyJSON {
		return presentation.NewFormatter(out).FormatResults(presentation.FromRecords(recs))
	}
	return presentation.NewText(out).Records(recs, cfg.Root)
}

var errAmbiguousRun = errors.New("ambiguous run id")

// matchRun resolves a run ID or unique prefix among runs. An ID not listed
// is passed through so older runs stay reachable by full ID.
func matchRun(runs []history.Run, prefix string) (string, error) {
	var found []string
	for _, r := range runs {
		if r.ID == prefix {
			return r.ID, nil
		}
		if strings.HasPrefix(r.ID, prefix) {
			found = append(found, r.ID)
		}
	}
	switch len(found) {
	case 0:
		return prefix, nil
	case 1:
		return found[0], nil
	default:
		return "", fmt.Errorf("%w: %q matches %d runs", errAmbiguousRun, prefix, len(found))
	}
}
