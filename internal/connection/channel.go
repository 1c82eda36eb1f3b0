// Package connection establishes execution channels to targets.
//
// A Channel is bound to exactly one target and runs exactly one command; it
// is never pooled or shared between actions. Acquire failures are reported as
// tagged execerr errors so that callers can tell connect, auth and trust
// failures apart without inspecting transport internals.
package connection

import (
	"context"
	"io"

	"github.com/andrej220/remexec/internal/target"
)

// Process is a command started on a channel.
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the command exits and returns its exit status.
	// Both output streams must be fully drained before calling Wait.
	Wait() (int, error)
}

type Channel interface {
	Target() target.Target
	Start(ctx context.Context, action string) (Process, error)
	Close() error
}
