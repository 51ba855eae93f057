package cellexec

import (
	"bytes"
	"context"
	"os/exec"
)

// ProcessRunner abstracts spawning the interpreter subprocess a
// Python/JS/Clojure cell body runs in, so tests can substitute a fake
// implementation and never require a real python3/node/clojure binary.
type ProcessRunner interface {
	// Run executes command with args, writing stdin to the process's
	// standard input, and returns its captured stdout/stderr.
	Run(ctx context.Context, command string, args []string, stdin string) (stdout string, stderr string, err error)
}

// CommandRunner implements ProcessRunner by spawning a real subprocess
// via os/exec.
type CommandRunner struct{}

// Run starts command with args, feeds stdin, and waits for completion.
func (CommandRunner) Run(ctx context.Context, command string, args []string, stdin string) (string, string, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Stdin = bytes.NewBufferString(stdin)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}
