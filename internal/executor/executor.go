// Package executor runs one action against an ordered list of targets and
// reports what happened.
//
// Every variant follows the same shape: targets are visited strictly in
// order on the calling goroutine, the first target that runs the action
// successfully ends the visit, and each visited target leaves one
// ExecutionResult in the Outcome. Output lines reach the injected
// transcript.Sink as they arrive.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/andrej220/remexec/internal/lg"
	"github.com/andrej220/remexec/internal/target"
	"github.com/andrej220/remexec/internal/transcript"
	"github.com/google/uuid"
)

type Executor interface {
	Execute(ctx context.Context, targets []target.Target, action string) (*Outcome, error)
}

// ExecutionResult records one attempt to run the action on one target.
type ExecutionResult struct {
	Target target.Target
	// ExitStatus is nil when the command never ran to completion.
	ExitStatus *int
	Stdout     []string
	Stderr     []string
	Err        error
	Started    time.Time
	Finished   time.Time
	// ImageID is set when a container run was committed.
	ImageID string
}

func (r *ExecutionResult) Succeeded() bool {
	return r.Err == nil && r.ExitStatus != nil && *r.ExitStatus == 0
}

type Outcome struct {
	ID       uuid.UUID
	Action   string
	Success  bool
	Results  []*ExecutionResult
	Started  time.Time
	Finished time.Time
}

// Last returns the result of the last visited target, or nil.
func (o *Outcome) Last() *ExecutionResult {
	if len(o.Results) == 0 {
		return nil
	}
	return o.Results[len(o.Results)-1]
}

// Policy decides what a failed target means for the rest of the list.
type Policy int

const (
	// FailFast stops at the first failing target.
	FailFast Policy = iota
	// ContinueOnError moves on to the next target after a failure.
	ContinueOnError
)

func (p Policy) String() string {
	switch p {
	case FailFast:
		return "fail_fast"
	case ContinueOnError:
		return "continue_on_error"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "fail_fast":
		return FailFast, nil
	case "continue_on_error":
		return ContinueOnError, nil
	default:
		return FailFast, fmt.Errorf("unknown policy %q", s)
	}
}

// Options are shared by all executor variants.
type Options struct {
	Policy Policy
	Logger lg.Logger
	// Sink receives the transcript. It may block.
	Sink transcript.Sink
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = lg.Discard
	}
	if o.Sink == nil {
		o.Sink = transcript.Discard
	}
	return o
}

// outcomeSink scopes the sink to one action when it supports scoping.
func (o Options) outcomeSink(id uuid.UUID) transcript.Sink {
	return transcript.Locked(transcript.Scope(o.Sink, id.String()))
}

func newOutcome(action string) *Outcome {
	return &Outcome{ID: uuid.New(), Action: action, Started: time.Now()}
}

// failed records a target that never got as far as running the command.
func failed(t target.Target, err error) *ExecutionResult {
	now := time.Now()
	return &ExecutionResult{Target: t, Err: err, Started: now, Finished: now}
}
