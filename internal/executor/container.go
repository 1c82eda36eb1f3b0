package executor

import (
	"context"
	"errors"

	"github.com/andrej220/remexec/internal/connection"
	"github.com/andrej220/remexec/internal/lg"
	"github.com/andrej220/remexec/internal/target"
	"github.com/andrej220/remexec/internal/transcript"
)

// ContainerExecutor runs each action in a fresh container created from the
// target's image. A successful run is committed back onto that image, so
// the next action sees its side effects. The container is removed on every
// path.
type ContainerExecutor struct {
	opts    Options
	runtime *connection.ContainerRuntime
}

var _ Executor = (*ContainerExecutor)(nil)

func NewContainerExecutor(engine connection.Engine, limits connection.Limits, opts Options) *ContainerExecutor {
	opts = opts.withDefaults()
	return &ContainerExecutor{
		opts:    opts,
		runtime: connection.NewContainerRuntime(engine, limits, opts.Logger),
	}
}

func (e *ContainerExecutor) Execute(ctx context.Context, targets []target.Target, action string) (*Outcome, error) {
	return execute(ctx, e.opts, targets, action, e.attempt)
}

func (e *ContainerExecutor) attempt(ctx context.Context, t target.Target, action string, sink transcript.Sink) (res *ExecutionResult) {
	ch, err := e.runtime.Acquire(ctx, t, action)
	if err != nil {
		return failed(t, err)
	}
	defer func() {
		if err := ch.Close(); err != nil {
			e.opts.Logger.Error("Container removal failed", lg.String("container", ch.ID()), lg.Err(err))
			res.Err = errors.Join(res.Err, err)
		}
	}()

	res = Run(ctx, ch, action, sink)
	if !res.Succeeded() {
		return res
	}

	// the commit must land even if the caller gave up meanwhile
	imageID, err := ch.Commit(context.WithoutCancel(ctx), action)
	if err != nil {
		res.Err = err
		return res
	}
	res.ImageID = imageID
	return res
}
