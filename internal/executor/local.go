package executor

import (
	"context"

	"github.com/andrej220/remexec/internal/connection"
	"github.com/andrej220/remexec/internal/target"
	"github.com/andrej220/remexec/internal/transcript"
)

// LocalExecutor runs the action through sh -c on this machine. Targets are
// ignored beyond their count; a nil or empty list means one local run.
type LocalExecutor struct {
	opts  Options
	Shell string
	Dir   string
}

var _ Executor = (*LocalExecutor)(nil)

func NewLocalExecutor(opts Options) *LocalExecutor {
	return &LocalExecutor{opts: opts.withDefaults()}
}

func (e *LocalExecutor) Execute(ctx context.Context, targets []target.Target, action string) (*Outcome, error) {
	if len(targets) == 0 {
		targets = []target.Target{target.LocalHost}
	}
	return execute(ctx, e.opts, targets, action, e.attempt)
}

func (e *LocalExecutor) attempt(ctx context.Context, t target.Target, action string, sink transcript.Sink) *ExecutionResult {
	ch := connection.NewLocalChannel(e.Shell, e.Dir)
	defer ch.Close()
	res := Run(ctx, ch, action, sink)
	res.Target = t
	return res
}
