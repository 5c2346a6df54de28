package job

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Env carries the configured paths every job needs.
type Env struct {
	Root         string   // snort3 test tree
	Prefix       string   // snort3 install prefix
	Dependencies string   // dependency install root
	Base         []string // inherited environment, os.Environ() when nil
	Commands     CommandFactory
}

// Harness is the test harness script; its presence marks a test root.
func (e Env) Harness() string {
	return HarnessPath(e.Root)
}

// HarnessPath returns the harness location for a test root.
func HarnessPath(root string) string {
	return filepath.Join(root, "bin", "snorttest.py")
}

// DAQDir is where the DAQ modules are installed.
func (e Env) DAQDir() string {
	return filepath.Join(e.Dependencies, "lib", "daq")
}

// PluginPath is the snort plugin search path.
func (e Env) PluginPath() string {
	return filepath.Join(e.Prefix, "lib", "snort", "plugins")
}

// HarnessArgs is the fixed argument contract of the harness. The test
// directory itself is passed as "." because the harness runs inside it.
func (e Env) HarnessArgs() []string {
	return []string{
		"--daq-dir", e.DAQDir(),
		"--plugin-path", e.PluginPath(),
		"--snort-test", e.Root,
		"-x", e.Prefix,
		".",
	}
}

// Variables builds the harness environment: the inherited environment with
// the snort search paths prepended or set.
func (e Env) Variables() []string {
	base := e.Base
	if base == nil {
		base = os.Environ()
	}
	current := make(map[string]string, len(base))
	for _, kv := range base {
		if k, v, ok := strings.Cut(kv, "="); ok {
			current[k] = v
		}
	}

	prepend := func(key string, parts ...string) string {
		if v := current[key]; v != "" {
			parts = append(parts, v)
		}
		return strings.Join(parts, string(os.PathListSeparator))
	}

	return mergeEnv(base, map[string]string{
		"LD_LIBRARY_PATH":   prepend("LD_LIBRARY_PATH", filepath.Join(e.Prefix, "lib"), filepath.Join(e.Dependencies, "lib")),
		"PATH":              prepend("PATH", filepath.Join(e.Prefix, "bin"), filepath.Join(e.Dependencies, "bin")),
		"PYTHONPATH":        prepend("PYTHONPATH", filepath.Join(e.Root, "lib")),
		"SNORT_PLUGIN_PATH": e.PluginPath(),
		"LUA_PATH":          filepath.Join(e.Prefix, "include", "snort", "lua", "?.lua") + ";;",
		"SNORT_LUA_PATH":    filepath.Join(e.Prefix, "etc", "snort"),
		"SNORT_TEST":        e.Root,
		"SF_PREFIX_SNORT3":  e.Prefix,
		"DEPENDENCIES":      e.Dependencies,
	})
}

// mergeEnv replaces keys of base in place and appends new keys in sorted order.
func mergeEnv(base []string, set map[string]string) []string {
	out := make([]string, 0, len(base)+len(set))
	seen := make(map[string]bool, len(set))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if v, ok := set[k]; ok {
			if !seen[k] {
				out = append(out, k+"="+v)
				seen[k] = true
			}
			continue
		}
		out = append(out, kv)
	}

	keys := make([]string, 0, len(set))
	for k := range set {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+set[k])
	}
	return out
}
