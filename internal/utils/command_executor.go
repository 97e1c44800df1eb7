package utils

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"

	"sdnlab/internal/channel"
)

func NewCommandFactory() *ExecCommandFactory {
	return &ExecCommandFactory{}
}

// CommandFactory creates CommandExecutor instances.
//
// The factory abstracts process creation so that callers do not depend
// directly on exec.Command. Tests replace it with a fake.
type CommandFactory interface {
	Command(name string, args ...string) CommandExecutor
	CommandContext(ctx context.Context, name string, args ...string) CommandExecutor
}

// ExecCommandFactory is the default CommandFactory. It launches real OS
// processes.
type ExecCommandFactory struct{}

func (e *ExecCommandFactory) Command(name string, args ...string) CommandExecutor {
	return &ExecCmd{cmd: exec.Command(name, args...)}
}

// CommandContext returns a CommandExecutor whose process is killed when ctx
// is done.
func (e *ExecCommandFactory) CommandContext(ctx context.Context, name string, args ...string) CommandExecutor {
	return &ExecCmd{cmd: exec.CommandContext(ctx, name, args...)}
}

// CommandExecutor is a minimal surface over exec.Cmd.
type CommandExecutor interface {
	Run() error
	Output() ([]byte, error)
	CombineOutput() ([]byte, error)
	SetStdout(w io.Writer)
	SetStderr(w io.Writer)
	SetStdin(r io.Reader)
}

type ExecCmd struct {
	cmd *exec.Cmd
}

func (e *ExecCmd) Run() error {
	return e.cmd.Run()
}

func (e *ExecCmd) Output() ([]byte, error) {
	return e.cmd.Output()
}

func (e *ExecCmd) CombineOutput() ([]byte, error) {
	return e.cmd.CombinedOutput()
}

func (e *ExecCmd) SetStdout(w io.Writer) {
	e.cmd.Stdout = w
}

func (e *ExecCmd) SetStderr(w io.Writer) {
	e.cmd.Stderr = w
}

func (e *ExecCmd) SetStdin(r io.Reader) {
	e.cmd.Stdin = r
}

// Capture runs c with separate stdout and stderr buffers.
//
// A process that ran and exited non-zero is not an error: its exit code is
// returned in the Result. The error is only set when the process could not
// be run at all.
func Capture(c CommandExecutor) (channel.Result, error) {
	var stdout, stderr bytes.Buffer
	c.SetStdout(&stdout)
	c.SetStderr(&stderr)

	err := c.Run()
	res := channel.Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	res.ExitCode = -1
	return res, err
}
