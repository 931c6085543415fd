// Package iptablestest provides a scripted iptables.Runner for tests.
package iptablestest

import (
	"context"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"iptablesd/pkg/iptables"
)

// Response is what the fake returns for a matched invocation.
type Response struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
}

// Call records one invocation.
type Call struct {
	Name  string
	Args  []string
	Stdin string
}

// String renders the call as a command line, e.g. "iptables --wait -t nat -N X".
func (c Call) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// FakeRunner answers invocations from scripted responses. Matching ignores
// the directory of the binary and a leading --wait [seconds].
type FakeRunner struct {
	mu        sync.Mutex
	responses map[string][]Response
	calls     []Call

	// Default is returned for unmatched invocations.
	Default Response
}

var _ iptables.Runner = (*FakeRunner)(nil)

func NewFakeRunner() *FakeRunner {
	return &FakeRunner{responses: make(map[string][]Response)}
}

// On queues resp for invocations of name with exactly args. Queued responses
// are consumed in order; the last one is repeated.
func (f *FakeRunner) On(resp Response, name string, args ...string) *FakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(name, args)
	f.responses[k] = append(f.responses[k], resp)
	return f
}

// OnVersion scripts the `--version` probe for name.
func (f *FakeRunner) OnVersion(name, banner string) *FakeRunner {
	return f.On(Response{Stdout: banner + "\n"}, name, "--version")
}

func (f *FakeRunner) Run(ctx context.Context, stdin io.Reader, name string, args ...string) (*iptables.Output, error) {
	var in string
	if stdin != nil {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, err
		}
		in = string(b)
	}

	f.mu.Lock()
	f.calls = append(f.calls, Call{Name: name, Args: append([]string(nil), args...), Stdin: in})
	resp := f.Default
	k := key(name, stripWait(args))
	if queue := f.responses[k]; len(queue) > 0 {
		resp = queue[0]
		if len(queue) > 1 {
			f.responses[k] = queue[1:]
		}
	}
	f.mu.Unlock()

	if resp.Err != nil {
		return nil, resp.Err
	}
	return &iptables.Output{
		Stdout:   []byte(resp.Stdout),
		Stderr:   []byte(resp.Stderr),
		ExitCode: resp.ExitCode,
	}, nil
}

// Calls returns the recorded invocations.
func (f *FakeRunner) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Commands returns the recorded invocations as command lines.
func (f *FakeRunner) Commands() []string {
	calls := f.Calls()
	cmds := make([]string, len(calls))
	for i, c := range calls {
		cmds[i] = c.String()
	}
	return cmds
}

// Reset forgets recorded calls but keeps scripted responses.
func (f *FakeRunner) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func key(name string, args []string) string {
	return filepath.Base(name) + "\x00" + strings.Join(args, "\x00")
}

func stripWait(args []string) []string {
	if len(args) == 0 || args[0] != "--wait" {
		return args
	}
	args = args[1:]
	if len(args) > 0 {
		if _, err := strconv.Atoi(args[0]); err == nil {
			args = args[1:]
		}
	}
	return args
}
