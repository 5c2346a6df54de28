package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zjrosen/snort3test/internal/controller"
	"github.com/zjrosen/snort3test/internal/job"
	"github.com/zjrosen/snort3test/internal/log"
	"github.com/zjrosen/snort3test/internal/outcome"
	"github.com/zjrosen/snort3test/internal/presentation"
	"github.com/zjrosen/snort3test/internal/tree"
)

var (
	watchNoRun   bool
	watchVerbose bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Re-run tests whose inputs change",
	Long: `Load the test tree, run it once and keep watching. Edits to test
scripts, descriptors, lua configs and expected outputs re-run the affected
tests; a rebuilt snort binary re-runs everything.

With --no-run only the invalidated tests are reported.
Interrupt once to cancel the current run, twice to exit.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().BoolVar(&watchNoRun, "no-run", false, "report stale tests without running them")
	watchCmd.Flags().BoolVarP(&watchVerbose, "verbose", "v", false, "print log output to stderr")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, _ []string) error {
	if watchVerbose && cfg.Log.File == "" {
		log.InitWriter(os.Stderr)
		log.SetMinLevel(log.ParseLevel(cfg.Log.Level))
	}

	s, err := openSession(cfg, true)
	if err != nil {
		return err
	}
	defer s.close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	interrupts(ctx, func(n int) {
		if n > 1 || s.ctrl.State() == controller.StateIdle {
			cancel()
			return
		}
		fmt.Fprintln(os.Stderr, "cancelling...")
		s.ctrl.Cancel()
	})

	if watchVerbose && cfg.Log.File != "" {
		if lines := log.NewListener(ctx); lines != nil {
			go func() {
				for ev := range lines {
					fmt.Fprint(os.Stderr, ev.Payload)
				}
			}()
		}
	}

	events := s.ctrl.Subscribe(ctx)
	out := cmd.OutOrStdout()
	text := presentation.NewText(out)
	outcomes := outcome.New(0)

	if err := s.ctrl.Load(ctx); err != nil {
		return err
	}
	if err := s.ctrl.Watch(ctx); err != nil {
		return fmt.Errorf("starting watcher: %w", err)
	}
	fmt.Fprintf(out, "watching %s with %d slots\n", cfg.Root, s.ctrl.Concurrency())

	rerun := func(ids []string) {
		if watchNoRun {
			for _, id := range ids {
				fmt.Fprintf(out, "stale  %s\n", strings.TrimPrefix(id, cfg.Root+"/"))
			}
			return
		}
		// Run blocks while it drives the pool and delivers events, so it
		// must not be called from this reader.
		go func() {
			if err := s.ctrl.Run(ctx, ids); err != nil {
				log.ErrorErr(log.CatCtrl, "Re-run failed", err, "ids", ids)
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Type {
			case controller.EventTest:
				r := ev.Payload.Result
				outcomes.Record(r)
				if r.State != job.StateRunning {
					_ = text.Result(r, cfg.Root)
				}
			case controller.EventRetire:
				t := s.ctrl.Tree()
				if ev.Payload.All {
					outcomes.RetireAll()
					rerun([]string{tree.RootID})
					continue
				}
				outcomes.Retire(t, ev.Payload.IDs...)
				rerun(ev.Payload.IDs)
			case controller.EventRunFinished:
				st := ev.Payload.Stats
				fmt.Fprintf(out, "run finished: %d dispatched", st.Dispatched)
				if ev.Payload.Cancelled {
					fmt.Fprint(out, ", cancelled")
				}
				fmt.Fprintln(out)
				if t := s.ctrl.Tree(); t != nil {
					_ = text.Summary(outcomes.Summarize(leafIDs(t, []string{tree.RootID})), 0, false)
				}
			}
		}
	}
}
