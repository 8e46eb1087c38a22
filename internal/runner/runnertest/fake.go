// Package runnertest provides a scripted runner.Runner for tests.
package runnertest

import (
	"context"
	"strings"
	"sync"

	"nvhelper/internal/runner"
)

// Mode is the runner method a call went through.
type Mode string

const (
	ModeStream  Mode = "stream"
	ModeCapture Mode = "capture"
	ModeProbe   Mode = "probe"
)

// Call is one recorded invocation.
type Call struct {
	Mode Mode
	Cmd  runner.Command
}

// Line is the argv of the call joined with spaces.
func (c Call) Line() string { return strings.Join(runner.Argv(c.Cmd), " ") }

// Response scripts the outcome of matching calls.
type Response struct {
	Stdout   string
	Stderr   string
	ExitCode int
	StartErr error // simulate a process that could not be started
	// Do runs before the response is returned, e.g. to create files a
	// real tool would have produced.
	Do func(cmd runner.Command)
	// Output, when set, computes Stdout from the command.
	Output func(cmd runner.Command) string
}

type rule struct {
	prefix string
	resp   Response
}

// Fake records every call and answers from rules matched on the argv prefix.
// Unmatched calls succeed with empty output.
type Fake struct {
	mu    sync.Mutex
	rules []rule
	calls []Call
}

var _ runner.Runner = (*Fake)(nil)

// On answers calls whose joined argv starts with prefix. Later rules win.
func (f *Fake) On(prefix string, resp Response) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, rule{prefix: prefix, resp: resp})
	return f
}

// Calls returns a copy of the recorded calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Lines returns the joined argv of every recorded call.
func (f *Fake) Lines() []string {
	var lines []string
	for _, c := range f.Calls() {
		lines = append(lines, c.Line())
	}
	return lines
}

// Matching returns the calls whose joined argv starts with prefix.
func (f *Fake) Matching(prefix string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if strings.HasPrefix(c.Line(), prefix) {
			out = append(out, c)
		}
	}
	return out
}

func (f *Fake) respond(mode Mode, cmd runner.Command) Response {
	call := Call{Mode: mode, Cmd: cmd}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	var resp Response
	for i := len(f.rules) - 1; i >= 0; i-- {
		if strings.HasPrefix(call.Line(), f.rules[i].prefix) {
			resp = f.rules[i].resp
			break
		}
	}
	f.mu.Unlock()

	if resp.Do != nil {
		resp.Do(cmd)
	}
	if resp.Output != nil {
		resp.Stdout = resp.Output(cmd)
	}
	return resp
}

func toolError(cmd runner.Command, resp Response, captured bool) error {
	desc := cmd.Desc
	if desc == "" {
		desc = strings.Join(runner.Argv(cmd), " ")
	}
	if resp.StartErr != nil {
		return &runner.ToolError{Tool: runner.Argv(cmd)[0], Desc: desc, ExitCode: -1, Err: resp.StartErr}
	}
	if resp.ExitCode == 0 {
		return nil
	}
	te := &runner.ToolError{Tool: runner.Argv(cmd)[0], Desc: desc, ExitCode: resp.ExitCode, Captured: captured}
	if captured {
		te.Stdout = resp.Stdout
		te.Stderr = resp.Stderr
	}
	return te
}

// Stream implements runner.Runner.
func (f *Fake) Stream(ctx context.Context, cmd runner.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return toolError(cmd, f.respond(ModeStream, cmd), false)
}

// Capture implements runner.Runner.
func (f *Fake) Capture(ctx context.Context, cmd runner.Command) (*runner.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp := f.respond(ModeCapture, cmd)
	res := &runner.Result{Stdout: resp.Stdout, Stderr: resp.Stderr, ExitCode: resp.ExitCode}
	return res, toolError(cmd, resp, true)
}

// Probe implements runner.Runner.
func (f *Fake) Probe(ctx context.Context, cmd runner.Command) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	resp := f.respond(ModeProbe, cmd)
	if resp.StartErr != nil {
		return false, toolError(cmd, resp, false)
	}
	return resp.ExitCode == 0, nil
}
