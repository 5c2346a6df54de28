package job

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/zjrosen/snort3test/internal/log"
)

// CommandFactory creates an exec.Cmd for a job process.
// Tests substitute it to avoid depending on the harness and tools.
type CommandFactory func(ctx context.Context, name string, args ...string) *exec.Cmd

// DefaultCommandFactory builds commands with exec.CommandContext.
func DefaultCommandFactory(ctx context.Context, name string, args ...string) *exec.Cmd {
	// #nosec G204 -- command and args come from the test tree and configuration
	return exec.CommandContext(ctx, name, args...)
}

// waitDelay bounds how long Wait keeps reading pipes after the process is killed.
const waitDelay = 2 * time.Second

// command describes one process invocation.
type command struct {
	name string
	args []string
	dir  string
	env  []string // full environment; nil inherits the parent's
}

func (c command) String() string {
	return strings.TrimSpace(c.name + " " + strings.Join(c.args, " "))
}

// outcome is the result of a process that ran to completion or was killed.
type outcome struct {
	exitCode int // -1 when terminated by a signal
	stdout   []byte
	stderr   []byte
}

func (o outcome) signaled() bool { return o.exitCode < 0 }

// run starts the command in its own process group and waits for it.
// Cancelling ctx kills the whole group. A non-nil error means the process
// could not be started or waited for; exit status is reported in outcome.
func run(ctx context.Context, factory CommandFactory, c command) (outcome, error) {
	if factory == nil {
		factory = DefaultCommandFactory
	}

	cmd := factory(ctx, c.name, c.args...)
	if c.dir != "" {
		cmd.Dir = c.dir
	}
	if c.env != nil {
		cmd.Env = c.env
	}
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debug(log.CatJob, "Starting process", "cmd", c.String(), "dir", c.dir)

	err := cmd.Run()
	out := outcome{stdout: stdout.Bytes(), stderr: stderr.Bytes()}
	if err == nil {
		return out, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		out.exitCode = exitErr.ExitCode()
		return out, nil
	}
	return out, fmt.Errorf("%s: %w", c.name, err)
}

// describe renders a failed outcome for a result message.
func describe(c command, o outcome) string {
	var msg string
	if o.signaled() {
		msg = fmt.Sprintf("%s terminated by signal", c.name)
	} else {
		msg = fmt.Sprintf("%s exited with status %d", c.name, o.exitCode)
	}
	if tail := strings.TrimSpace(string(o.stderr)); tail != "" {
		msg += ": " + lastLines(tail, 10)
	}
	return msg
}

func lastLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
