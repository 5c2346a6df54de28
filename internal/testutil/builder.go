// Package testutil builds snort3 test trees and install layouts on disk.
package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/snort3test/internal/config"
	"github.com/zjrosen/snort3test/internal/job"
)

// TreeBuilder accumulates test directories and writes them under a
// temporary directory together with a fake snort install.
type TreeBuilder struct {
	t           *testing.T
	base        string
	harness     string
	noSnort     bool
	regressions []regressionData
	spells      []string
}

// NewTree creates a builder rooted in a fresh temporary directory.
func NewTree(t *testing.T) *TreeBuilder {
	t.Helper()
	return &TreeBuilder{t: t, base: t.TempDir(), harness: PassingHarness}
}

// WithHarness replaces the harness script.
func (b *TreeBuilder) WithHarness(script string) *TreeBuilder {
	b.harness = script
	return b
}

// WithRegression adds a regression test directory at rel below the root.
func (b *TreeBuilder) WithRegression(rel string, opts ...RegressionOption) *TreeBuilder {
	r := defaultRegression(rel)
	for _, opt := range opts {
		opt(&r)
	}
	b.regressions = append(b.regressions, r)
	return b
}

// WithSpell adds a spell check directory at rel below the root.
func (b *TreeBuilder) WithSpell(rel string) *TreeBuilder {
	b.spells = append(b.spells, rel)
	return b
}

// WithoutSnort leaves the snort binary out so the environment is not ready.
func (b *TreeBuilder) WithoutSnort() *TreeBuilder {
	b.noSnort = true
	return b
}

// Build writes everything and returns a config pointing at it with one slot.
func (b *TreeBuilder) Build() config.Config {
	b.t.Helper()
	c := config.Defaults()
	c.Root = filepath.Join(b.base, "tests")
	c.Prefix = filepath.Join(b.base, "prefix")
	c.Dependencies = filepath.Join(b.base, "deps")
	c.Concurrency = 1

	if !b.noSnort {
		WriteFile(b.t, c.SnortBinary(), "#!/bin/sh\n", 0o755)
	}
	require.NoError(b.t, os.MkdirAll(c.Dependencies, 0o755))
	WriteFile(b.t, job.HarnessPath(c.Root), b.harness, 0o755)

	for _, r := range b.regressions {
		dir := filepath.Join(c.Root, r.rel)
		name := r.name
		if name == "" {
			name = filepath.Base(r.rel)
		}
		desc := ""
		if r.description != "" {
			desc = "<description>" + r.description + "</description>"
		}
		WriteFile(b.t, filepath.Join(dir, job.DescriptorFile),
			fmt.Sprintf("<snort-test><name>%s</name>%s</snort-test>", name, desc), 0o644)
		WriteFile(b.t, filepath.Join(dir, "status"), r.status, 0o644)
		for f, content := range r.extra {
			WriteFile(b.t, filepath.Join(dir, f), content, 0o644)
		}
	}
	for _, rel := range b.spells {
		dir := filepath.Join(c.Root, rel)
		WriteFile(b.t, filepath.Join(dir, job.ExceptionsFile), "", 0o644)
		WriteFile(b.t, filepath.Join(dir, job.ExpectedFile), "", 0o644)
	}
	return c
}

// WriteFile creates path and its parent directories.
func WriteFile(t *testing.T, path, content string, mode os.FileMode) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), mode))
}
