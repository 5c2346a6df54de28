// Package watcher reports debounced batches of changed files under a test
// root, plus individually watched files such as the snort binary.
package watcher

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/zjrosen/snort3test/internal/log"
)

// DefaultPatterns select the files under the root whose edits invalidate tests.
var DefaultPatterns = []string{
	"**/*.{py,xml,sh,lua}",
	"**/*expected*",
}

// Watcher monitors a directory tree and single files for changes.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	root      string
	patterns  []string
	files     map[string]bool
	debounce  time.Duration
	onChange  chan []string
	done      chan struct{}
	stopOnce  sync.Once
}

// Config holds watcher configuration options.
type Config struct {
	Root        string   // watched recursively; empty disables tree watching
	Patterns    []string // doublestar patterns relative to Root
	Files       []string // watched individually, any write or replace counts
	DebounceDur time.Duration
}

// DefaultConfig returns the tree watcher configuration for root.
func DefaultConfig(root string) Config {
	return Config{
		Root:        root,
		Patterns:    DefaultPatterns,
		DebounceDur: 300 * time.Millisecond,
	}
}

// New creates a watcher. Patterns are validated here.
func New(cfg Config) (*Watcher, error) {
	for _, p := range cfg.Patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid watch pattern %q", p)
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	files := make(map[string]bool, len(cfg.Files))
	for _, f := range cfg.Files {
		if f != "" {
			files[filepath.Clean(f)] = true
		}
	}
	root := cfg.Root
	if root != "" {
		root = filepath.Clean(root)
	}

	return &Watcher{
		fsWatcher: fsw,
		root:      root,
		patterns:  cfg.Patterns,
		files:     files,
		debounce:  cfg.DebounceDur,
		onChange:  make(chan []string, 1),
		done:      make(chan struct{}),
	}, nil
}

// Start adds the watches and begins delivering batches of changed paths.
func (w *Watcher) Start() (<-chan []string, error) {
	if w.root != "" {
		if err := w.addTree(w.root); err != nil {
			return nil, err
		}
	}
	for f := range w.files {
		dir := filepath.Dir(f)
		if err := w.fsWatcher.Add(dir); err != nil {
			return nil, fmt.Errorf("watching directory %s: %w", dir, err)
		}
	}

	go w.loop()
	return w.onChange, nil
}

// Stop terminates the watcher and releases resources. Safe to call twice.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.fsWatcher.Close()
	})
	return err
}

// addTree watches dir and every directory below it, skipping hidden ones.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return fmt.Errorf("watching directory %s: %w", dir, err)
			}
			log.Warn(log.CatWatcher, "Skipping unreadable directory", "path", path, "error", err)
			return fs.SkipDir
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			return fs.SkipDir
		}
		if err := w.fsWatcher.Add(path); err != nil {
			if path == dir {
				return fmt.Errorf("watching directory %s: %w", dir, err)
			}
			log.Warn(log.CatWatcher, "Could not watch directory", "path", path, "error", err)
		}
		return nil
	})
}

// loop collects relevant paths and flushes them once no event arrived for
// the debounce duration.
func (w *Watcher) loop() {
	var (
		timer   *time.Timer
		pending = make(map[string]bool)
	)

	for {
		var fire <-chan time.Time
		if timer != nil {
			fire = timer.C
		}

		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.trackNewDir(event)
			if !w.isRelevantEvent(event) {
				continue
			}
			pending[filepath.Clean(event.Name)] = true

			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case <-fire:
			timer = nil
			if len(pending) == 0 {
				continue
			}
			batch := make([]string, 0, len(pending))
			for p := range pending {
				batch = append(batch, p)
			}
			sort.Strings(batch)
			pending = make(map[string]bool)

			log.Debug(log.CatWatcher, "Files changed", "count", len(batch))
			select {
			case w.onChange <- batch:
			case <-w.done:
				return
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Warn(log.CatWatcher, "Watcher error", "error", err)

		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// trackNewDir starts watching directories created under the root.
func (w *Watcher) trackNewDir(event fsnotify.Event) {
	if w.root == "" || !event.Has(fsnotify.Create) || !w.underRoot(event.Name) {
		return
	}
	if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
		if err := w.addTree(event.Name); err != nil {
			log.Warn(log.CatWatcher, "Could not watch new directory", "path", event.Name, "error", err)
		}
	}
}

// isRelevantEvent checks if the event should invalidate anything.
func (w *Watcher) isRelevantEvent(event fsnotify.Event) bool {
	name := filepath.Clean(event.Name)

	if w.files[name] {
		return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0
	}

	// Editors that save via rename produce Create instead of Write.
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 || !w.underRoot(name) {
		return false
	}
	rel, err := filepath.Rel(w.root, name)
	if err != nil {
		return false
	}
	return w.Matches(rel)
}

// Matches reports whether a root-relative path matches any pattern.
func (w *Watcher) Matches(rel string) bool {
	rel = filepath.ToSlash(rel)
	for _, p := range w.patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

func (w *Watcher) underRoot(path string) bool {
	if w.root == "" {
		return false
	}
	return path == w.root || strings.HasPrefix(path, w.root+string(filepath.Separator))
}
