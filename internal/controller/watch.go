package controller

import (
	"context"

	"github.com/zjrosen/snort3test/internal/log"
	"github.com/zjrosen/snort3test/internal/watcher"
)

// Watch starts watching the test root and the snort binary. Changes under
// the root retire the nearest node; a changed binary retires everything.
// Watching stops when ctx is done or the controller is disposed.
func (c *Controller) Watch(ctx context.Context) error {
	treeCfg := watcher.DefaultConfig(c.cfg.Root)
	if c.cfg.Watch.Debounce > 0 {
		treeCfg.DebounceDur = c.cfg.Watch.Debounce
	}
	tw, err := watcher.New(treeCfg)
	if err != nil {
		return err
	}
	treeChanges, err := tw.Start()
	if err != nil {
		_ = tw.Stop()
		return err
	}

	watchers := []*watcher.Watcher{tw}
	var binChanges <-chan []string
	bw, err := watcher.New(watcher.Config{Files: []string{c.cfg.SnortBinary()}, DebounceDur: treeCfg.DebounceDur})
	if err == nil {
		binChanges, err = bw.Start()
		if err != nil {
			_ = bw.Stop()
		} else {
			watchers = append(watchers, bw)
		}
	}
	if err != nil {
		log.Warn(log.CatWatcher, "Not watching snort binary", "path", c.cfg.SnortBinary(), "error", err)
	}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		for _, w := range watchers {
			_ = w.Stop()
		}
		return ErrDisposed
	}
	c.watchers = append(c.watchers, watchers...)
	c.mu.Unlock()

	log.Info(log.CatWatcher, "Watching", "root", c.cfg.Root, "binary", binChanges != nil)

	go func() {
		defer func() {
			for _, w := range watchers {
				_ = w.Stop()
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			case paths := <-treeChanges:
				for _, p := range paths {
					c.HandleFileChange(p)
				}
			case <-binChanges:
				log.Info(log.CatWatcher, "Snort binary changed")
				c.RetireAll()
			}
		}
	}()
	return nil
}
