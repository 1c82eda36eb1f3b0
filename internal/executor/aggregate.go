package executor

import (
	"context"
	"errors"
	"time"

	"github.com/andrej220/remexec/internal/execerr"
	"github.com/andrej220/remexec/internal/lg"
	"github.com/andrej220/remexec/internal/target"
	"github.com/andrej220/remexec/internal/transcript"
)

// ErrNoTargets is returned when Execute is called with an empty target list.
var ErrNoTargets = execerr.Newf(execerr.InvalidTargetSpec, execerr.StageResolve, "", "no targets")

// attemptFunc runs the action on one target. It owns acquiring and releasing
// the channel.
type attemptFunc func(ctx context.Context, t target.Target, action string, sink transcript.Sink) *ExecutionResult

// visit tries targets in order until one succeeds. Under FailFast the first
// failure ends the visit and is returned as is; under ContinueOnError the
// failures of every visited target are joined.
func visit(ctx context.Context, opts Options, out *Outcome, targets []target.Target, attempt attemptFunc) error {
	defer func() { out.Finished = time.Now() }()

	if len(targets) == 0 {
		return ErrNoTargets
	}

	logger := opts.Logger.With(lg.String("action_id", out.ID.String()))
	sink := opts.outcomeSink(out.ID)

	var errs []error
	for i, t := range targets {
		if err := ctx.Err(); err != nil {
			errs = append(errs, execerr.New(execerr.Connect, execerr.StageConnect, t.String(), err))
			break
		}

		res := attempt(ctx, t, out.Action, sink)
		out.Results = append(out.Results, res)

		if res.Succeeded() {
			out.Success = true
			logger.Debug("Target succeeded", lg.String("target", t.String()), lg.Int("skipped", len(targets)-i-1))
			return nil
		}

		logger.Warn("Target failed", lg.String("target", t.String()), lg.Err(res.Err))
		sink.WriteLine(transcript.Error, res.Err.Error())
		if opts.Policy == FailFast {
			return res.Err
		}
		errs = append(errs, res.Err)
	}
	return errors.Join(errs...)
}

// execute wraps visit with the lifecycle log lines every variant emits.
func execute(ctx context.Context, opts Options, targets []target.Target, action string, attempt attemptFunc) (*Outcome, error) {
	out := newOutcome(action)
	logger := opts.Logger.With(lg.String("action_id", out.ID.String()))

	logger.Info("Executing action: "+action, lg.Int("targets", len(targets)), lg.String("policy", opts.Policy.String()))
	err := visit(ctx, opts, out, targets, attempt)
	if err != nil {
		logger.Error("Action failed: "+action, lg.Err(err))
		return out, err
	}
	logger.Info("Action executed: "+action, lg.Duration("elapsed", out.Finished.Sub(out.Started)))
	return out, nil
}
