package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/andrej220/remexec/internal/execerr"
	"github.com/andrej220/remexec/internal/target"
)

// LocalChannel runs the action in a subprocess shell on this machine.
type LocalChannel struct {
	Shell string
	Dir   string
	cmd   *exec.Cmd
}

var _ Channel = (*LocalChannel)(nil)

func NewLocalChannel(shell, dir string) *LocalChannel {
	if shell == "" {
		shell = "sh"
	}
	return &LocalChannel{Shell: shell, Dir: dir}
}

func (c *LocalChannel) Target() target.Target { return target.LocalHost }

func (c *LocalChannel) Start(ctx context.Context, action string) (Process, error) {
	if c.cmd != nil {
		return nil, execerr.Newf(execerr.RemoteExec, execerr.StageExecute, target.LocalHost.String(), "channel already used")
	}
	cmd := exec.CommandContext(ctx, c.Shell, "-c", action)
	cmd.Dir = c.Dir
	c.cmd = cmd

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, execerr.New(execerr.RemoteExec, execerr.StageExecute, target.LocalHost.String(), err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, execerr.New(execerr.RemoteExec, execerr.StageExecute, target.LocalHost.String(), err)
	}
	if err := cmd.Start(); err != nil {
		return nil, execerr.New(execerr.RemoteExec, execerr.StageExecute, target.LocalHost.String(), fmt.Errorf("start: %w", err))
	}
	return &localProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

// Close kills the shell if it is still running.
func (c *LocalChannel) Close() error {
	if c.cmd != nil && c.cmd.Process != nil {
		if err := c.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
	}
	return nil
}

type localProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader
}

func (p *localProcess) Stdout() io.Reader { return p.stdout }
func (p *localProcess) Stderr() io.Reader { return p.stderr }

func (p *localProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}
