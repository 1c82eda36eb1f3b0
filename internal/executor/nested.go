package executor

import (
	"context"
	"fmt"

	"github.com/andrej220/remexec/internal/lg"
	"github.com/andrej220/remexec/internal/target"
)

// NestedExecutor runs actions through another executor after rewriting them,
// e.g. to step into an isolation layer that lives on the inner executor's
// targets.
type NestedExecutor struct {
	Inner   Executor
	Rewrite func(action string) string
	logger  lg.Logger
}

var _ Executor = (*NestedExecutor)(nil)

func NewNestedExecutor(inner Executor, rewrite func(string) string, logger lg.Logger) *NestedExecutor {
	if logger == nil {
		logger = lg.Discard
	}
	return &NestedExecutor{Inner: inner, Rewrite: rewrite, logger: logger}
}

// OpenVZ runs every action inside OpenVZ container ctid via vzctl exec.
func OpenVZ(inner Executor, ctid int, logger lg.Logger) *NestedExecutor {
	prefix := fmt.Sprintf("vzctl exec %d ", ctid)
	return NewNestedExecutor(inner, func(action string) string { return prefix + action }, logger)
}

// Execute reports the caller's action in the outcome, not the rewritten one.
func (e *NestedExecutor) Execute(ctx context.Context, targets []target.Target, action string) (*Outcome, error) {
	e.logger.Info("Executing action: " + action)

	out, err := e.Inner.Execute(ctx, targets, e.Rewrite(action))
	if out != nil {
		out.Action = action
	}
	if err != nil {
		return out, err
	}
	e.logger.Info("Action executed: " + action)
	return out, nil
}
