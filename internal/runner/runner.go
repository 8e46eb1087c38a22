// Package runner executes the external tools nv-helper drives (pacman, git,
// rsync, makepkg, useradd, ...).
//
// Two I/O modes exist. Stream forwards the child's stdout/stderr to the
// operator and is used for long, human-observable steps. Capture buffers the
// output so it can be parsed or attached to an error. Probe only looks at the
// exit status. A command may be run as another (unprivileged) account through
// runuser; its environment overrides are then passed through env(1) so they
// survive the identity switch.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"nvhelper/internal/console"
	"nvhelper/internal/errs"
	"nvhelper/internal/log"
)

// Command describes one external tool invocation.
type Command struct {
	Desc   string            // human-readable step, used in progress lines and errors
	Name   string            // program
	Args   []string          // arguments
	Dir    string            // working directory
	Env    map[string]string // environment overrides
	AsUser string            // run as this account instead of the caller
}

// Result holds the output of a captured run.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner is the narrow contract the rest of nv-helper uses to reach external
// tools. Tests substitute a fake.
type Runner interface {
	// Stream runs cmd with output forwarded live.
	Stream(ctx context.Context, cmd Command) error
	// Capture runs cmd with output buffered.
	Capture(ctx context.Context, cmd Command) (*Result, error)
	// Probe reports whether cmd exits zero. Output is discarded.
	Probe(ctx context.Context, cmd Command) (bool, error)
}

// ToolError is a failed external tool invocation.
type ToolError struct {
	Tool     string
	Desc     string
	ExitCode int // -1 when the process could not be started or was aborted
	Stdout   string
	Stderr   string
	Captured bool
	Aborted  bool // the run was cancelled while the process was running
	Err      error
}

func (e *ToolError) Error() string {
	if e.Aborted {
		return fmt.Sprintf("%s was interrupted: %v", e.Desc, e.Err)
	}
	if e.ExitCode < 0 {
		return fmt.Sprintf("%s failed to execute: %v", e.Desc, e.Err)
	}
	msg := fmt.Sprintf("%s failed with exit code %d", e.Desc, e.ExitCode)
	if e.Captured {
		msg += fmt.Sprintf("\nstdout:\n%s\nstderr:\n%s", e.Stdout, e.Stderr)
	}
	return msg
}

func (e *ToolError) Unwrap() error { return e.Err }

// ErrKind classifies tool failures for errs.KindOf.
func (e *ToolError) ErrKind() errs.Kind { return errs.KindExternalTool }

// WaitDelay is how long a cancelled child gets to exit after SIGINT before
// it is killed.
var WaitDelay = 10 * time.Second

// PrivilegeTool runs a command as another account: runuser -u USER -- CMD...
const PrivilegeTool = "runuser"

// Executor is the os/exec backed Runner.
type Executor struct {
	// Streamed output destinations; nil means the console streams.
	Stdout io.Writer
	Stderr io.Writer
	// Quiet suppresses the "-> desc" progress line of streamed commands.
	Quiet bool
}

var _ Runner = (*Executor)(nil)

// NewExecutor returns an Executor streaming to the console.
func NewExecutor() *Executor {
	return &Executor{}
}

// Argv returns the full argument vector cmd runs as, including the privilege
// switch when AsUser is set.
func Argv(cmd Command) []string {
	if cmd.AsUser == "" {
		return append([]string{cmd.Name}, cmd.Args...)
	}
	argv := []string{PrivilegeTool, "-u", cmd.AsUser, "--", "env"}
	argv = append(argv, envPairs(cmd.Env)...)
	argv = append(argv, cmd.Name)
	return append(argv, cmd.Args...)
}

func envPairs(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+env[k])
	}
	return pairs
}

func (e *Executor) command(ctx context.Context, cmd Command) *exec.Cmd {
	argv := Argv(cmd)
	c := exec.CommandContext(ctx, argv[0], argv[1:]...)
	c.Dir = cmd.Dir
	// Overrides of a direct run go into the child's environment; a run as
	// another user already carries them on the env(1) command line.
	if cmd.AsUser == "" && len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), envPairs(cmd.Env)...)
	}
	// Isolate the child in its own process group so cancellation can take
	// down everything it spawned.
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Cancel interrupts the whole group so pacman can release db.lck;
	// WaitDelay kills the leader if it does not exit.
	c.Cancel = func() error {
		if c.Process == nil {
			return nil
		}
		return unix.Kill(-c.Process.Pid, unix.SIGINT)
	}
	c.WaitDelay = WaitDelay
	return c
}

func (e *Executor) run(ctx context.Context, cmd Command, c *exec.Cmd, captured bool, stdout, stderr *bytes.Buffer) error {
	desc := describe(cmd)
	l := log.WithComponent("runner")
	l.Debug("exec", "desc", desc, "argv", strings.Join(Argv(cmd), " "), "dir", cmd.Dir)

	err := c.Run()
	if err == nil {
		return nil
	}

	te := &ToolError{
		Tool:     Argv(cmd)[0],
		Desc:     desc,
		ExitCode: -1,
		Captured: captured,
		Err:      err,
	}
	if captured {
		te.Stdout = stdout.String()
		te.Stderr = stderr.String()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		te.ExitCode = exitErr.ExitCode()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		te.ExitCode = -1
		te.Aborted = true
		te.Err = fmt.Errorf("command aborted: %w", ctxErr)
	}
	l.Debug("exec failed", "desc", desc, "exit_code", te.ExitCode, "err", err)
	return te
}

// Stream implements Runner.
func (e *Executor) Stream(ctx context.Context, cmd Command) error {
	if !e.Quiet {
		console.Step("%s", describe(cmd))
	}
	c := e.command(ctx, cmd)
	c.Stdout = e.stdout()
	c.Stderr = e.stderr()
	return e.run(ctx, cmd, c, false, nil, nil)
}

// Capture implements Runner.
func (e *Executor) Capture(ctx context.Context, cmd Command) (*Result, error) {
	var stdout, stderr bytes.Buffer
	c := e.command(ctx, cmd)
	c.Stdout = &stdout
	c.Stderr = &stderr
	err := e.run(ctx, cmd, c, true, &stdout, &stderr)

	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var te *ToolError
		if errors.As(err, &te) {
			res.ExitCode = te.ExitCode
		}
		return res, err
	}
	return res, nil
}

// Probe implements Runner. Only a failure to start the process is an error.
func (e *Executor) Probe(ctx context.Context, cmd Command) (bool, error) {
	c := e.command(ctx, cmd)
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	err := e.run(ctx, cmd, c, false, nil, nil)
	if err == nil {
		return true, nil
	}
	var te *ToolError
	if errors.As(err, &te) && te.ExitCode >= 0 {
		return false, nil
	}
	return false, err
}

func (e *Executor) stdout() io.Writer {
	if e.Stdout != nil {
		return e.Stdout
	}
	return console.Stdout()
}

func (e *Executor) stderr() io.Writer {
	if e.Stderr != nil {
		return e.Stderr
	}
	return console.Stderr()
}

func describe(cmd Command) string {
	if cmd.Desc != "" {
		return cmd.Desc
	}
	return strings.Join(append([]string{cmd.Name}, cmd.Args...), " ")
}
