package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/zjrosen/snort3test/internal/config"
	"github.com/zjrosen/snort3test/internal/controller"
	"github.com/zjrosen/snort3test/internal/history"
	"github.com/zjrosen/snort3test/internal/log"
	"github.com/zjrosen/snort3test/internal/tracing"
	"github.com/zjrosen/snort3test/internal/tree"
)

// session bundles the controller with the optional stores it reports to.
type session struct {
	ctrl    *controller.Controller
	history *history.Store
	tracer  *tracing.Provider
}

func openSession(c config.Config, withHistory bool) (*session, error) {
	tp, err := tracing.NewProvider(tracing.Config{
		Enabled:      c.Tracing.Enabled,
		Exporter:     c.Tracing.Exporter,
		FilePath:     c.Tracing.FilePath,
		OTLPEndpoint: c.Tracing.OTLPEndpoint,
		SampleRate:   c.Tracing.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}

	s := &session{tracer: tp}
	if withHistory && c.History.Enabled {
		store, err := history.Open(c.HistoryPath())
		if err != nil {
			// History is best effort; the run still goes ahead.
			log.ErrorErr(log.CatHistory, "Failed to open history", err, "path", c.HistoryPath())
			fmt.Fprintf(os.Stderr, "warning: run history disabled: %v\n", err)
		} else {
			s.history = store
		}
	}

	s.ctrl = controller.New(controller.Options{
		Config:  c,
		Tracer:  tp.Tracer(),
		History: s.history,
	})
	return s, nil
}

func (s *session) close() {
	s.ctrl.Dispose()
	if s.history != nil {
		if err := s.history.Close(); err != nil {
			log.ErrorErr(log.CatHistory, "Failed to close history", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.tracer.Shutdown(ctx); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to flush traces", err)
	}
}

// interrupts calls onSignal for every SIGINT or SIGTERM until ctx is done.
func interrupts(ctx context.Context, onSignal func(n int)) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigs)
		n := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigs:
				n++
				onSignal(n)
			}
		}
	}()
}

// resolveIDs maps command line arguments to tree IDs. Paths are made
// absolute; "root" and no arguments mean the whole tree.
func resolveIDs(args []string) []string {
	if len(args) == 0 {
		return []string{tree.RootID}
	}
	ids := make([]string, 0, len(args))
	for _, a := range args {
		switch a {
		case "root", tree.RootID:
			ids = append(ids, tree.RootID)
			continue
		}
		suffix := ""
		if base, ok := strings.CutSuffix(a, tree.ExtraSuffix); ok {
			a, suffix = base, tree.ExtraSuffix
		}
		if abs, err := filepath.Abs(a); err == nil {
			a = abs
		}
		ids = append(ids, a+suffix)
	}
	return ids
}

// leafIDs returns the IDs of every leaf under the given nodes, without duplicates.
func leafIDs(t *tree.Tree, ids []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, id := range ids {
		n, ok := t.Find(id)
		if !ok {
			continue
		}
		for _, l := range tree.Leaves(n) {
			if !seen[l.ID] {
				seen[l.ID] = true
				out = append(out, l.ID)
			}
		}
	}
	return out
}
