package iptables

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
)

// Output holds the result of a single invocation.
type Output struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Runner abstracts process execution. Run returns an error only when the
// process could not be run at all; non-zero exits are reported via ExitCode.
type Runner interface {
	Run(ctx context.Context, stdin io.Reader, name string, args ...string) (*Output, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, stdin io.Reader, name string, args ...string) (*Output, error) {
	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = stdin
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := &Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err == nil {
		return out, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		out.ExitCode = exitErr.ExitCode()
		return out, nil
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("failed to run %s: %w", name, ctx.Err())
	}
	return nil, fmt.Errorf("failed to run %s: %w", name, err)
}
