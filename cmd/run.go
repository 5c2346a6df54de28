package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/snort3test/internal/controller"
	"github.com/zjrosen/snort3test/internal/job"
	"github.com/zjrosen/snort3test/internal/outcome"
	"github.com/zjrosen/snort3test/internal/presentation"
)

var (
	runJSON      bool
	runVerbose   bool
	runNoHistory bool
)

var runCmd = &cobra.Command{
	Use:   "run [test-or-suite...]",
	Short: "Run tests and report their results",
	Long: `Load the test tree and run the given tests or suites. Suites run every
test below them in tree order. With no arguments the whole tree runs.

Spell check tests with an extra target are addressed as <dir>#extra.
The first interrupt cancels the run: queued tests are skipped and running
tests are aborted. A second interrupt exits immediately.

Examples:
  snort3test run
  snort3test run inspectors/http_inspect
  snort3test run -j 8 --json spell spell#extra`,
	RunE: runTests,
}

func init() {
	runCmd.Flags().BoolVar(&runJSON, "json", false, "stream results as JSON lines")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "also report tests as they start")
	runCmd.Flags().BoolVar(&runNoHistory, "no-history", false, "do not record this run")
	rootCmd.AddCommand(runCmd)
}

func runTests(cmd *cobra.Command, args []string) error {
	s, err := openSession(cfg, !runNoHistory)
	if err != nil {
		return err
	}
	defer s.close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	interrupts(ctx, func(n int) {
		if n > 1 {
			os.Exit(130)
		}
		fmt.Fprintln(os.Stderr, "cancelling...")
		s.ctrl.Cancel()
	})

	subCtx, unsubscribe := context.WithCancel(ctx)
	defer unsubscribe()
	events := s.ctrl.Subscribe(subCtx)

	if err := s.ctrl.Load(ctx); err != nil {
		return err
	}
	t := s.ctrl.Tree()

	out := cmd.OutOrStdout()
	text := presentation.NewText(out)
	formatter := presentation.NewFormatter(out)
	outcomes := outcome.New(0)

	var finished controller.Event
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			switch ev.Type {
			case controller.EventTest:
				r := ev.Payload.Result
				outcomes.Record(r)
				if r.State == job.StateRunning && !runVerbose {
					continue
				}
				if runJSON {
					_ = formatter.FormatResult(presentation.FromResult(r))
				} else {
					_ = text.Result(r, cfg.Root)
				}
			case controller.EventRetire:
				if ev.Payload.All {
					outcomes.RetireAll()
				} else {
					outcomes.Retire(t, ev.Payload.IDs...)
				}
			case controller.EventRunFinished:
				finished = ev.Payload
				return
			}
		}
	}()

	start := time.Now()
	ids := resolveIDs(args)
	if err := s.ctrl.Run(ctx, ids); err != nil {
		return err
	}
	// The stream ends at run.finished; unsubscribing afterwards keeps later
	// deliveries from blocking on this reader.
	<-done
	unsubscribe()

	summary := outcomes.Summarize(leafIDs(t, ids))
	if !runJSON {
		_ = text.Summary(summary, time.Since(start), finished.Cancelled)
	}
	if finished.Cancelled || summary[job.StateFailed] > 0 || summary[job.StateErrored] > 0 {
		return errTestsFailed
	}
	return nil
}
