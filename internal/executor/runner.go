package executor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/andrej220/remexec/internal/connection"
	"github.com/andrej220/remexec/internal/execerr"
	"github.com/andrej220/remexec/internal/transcript"
	"golang.org/x/sync/errgroup"
)

// MaxLineSize is the longest output line delivered to the sink. A longer
// line is a stream fault.
const MaxLineSize = 1 << 20

// Run sends action verbatim over ch and streams both output streams into sink
// line by line until the command exits. Each stream keeps its own order;
// the two streams are not ordered against each other. Cancelling ctx closes
// ch. Run does not close ch otherwise.
func Run(ctx context.Context, ch connection.Channel, action string, sink transcript.Sink) *ExecutionResult {
	t := ch.Target()
	res := &ExecutionResult{Target: t, Started: time.Now()}
	defer func() { res.Finished = time.Now() }()

	sink = transcript.Locked(sink)

	proc, err := ch.Start(ctx, action)
	if err != nil {
		res.Err = err
		return res
	}

	var once sync.Once
	abort := func() { once.Do(func() { ch.Close() }) }
	stop := context.AfterFunc(ctx, abort)
	defer stop()

	// the first stream fault is the cause; the other stream usually fails
	// only because abort closed the channel under it
	var (
		faultOnce sync.Once
		fault     error
	)
	fail := func(r io.Reader, err error) error {
		faultOnce.Do(func() { fault = err })
		abort()
		discard(r)
		return err
	}

	var g errgroup.Group
	g.Go(func() error {
		lines, err := drain(proc.Stdout(), transcript.Info, sink)
		res.Stdout = lines
		if err != nil {
			return fail(proc.Stdout(), fmt.Errorf("stdout: %w", err))
		}
		return nil
	})
	g.Go(func() error {
		lines, err := drain(proc.Stderr(), transcript.Warn, sink)
		res.Stderr = lines
		if err != nil {
			return fail(proc.Stderr(), fmt.Errorf("stderr: %w", err))
		}
		return nil
	})
	streamErr := g.Wait()
	if streamErr != nil {
		streamErr = fault
	}

	code, waitErr := proc.Wait()

	switch {
	case ctx.Err() != nil:
		res.Err = execerr.New(execerr.RemoteExec, execerr.StageExecute, t.String(), ctx.Err())
	case streamErr != nil:
		res.Err = execerr.New(execerr.RemoteExec, execerr.StageExecute, t.String(), streamErr)
	case waitErr != nil:
		res.Err = execerr.New(execerr.RemoteExec, execerr.StageExecute, t.String(), waitErr)
	default:
		res.ExitStatus = &code
		if code != 0 {
			res.Err = execerr.Newf(execerr.RemoteExec, execerr.StageExecute, t.String(), "command exited with status %d", code)
		}
	}
	return res
}

func drain(r io.Reader, level transcript.Level, sink transcript.Sink) ([]string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineSize)

	var lines []string
	for scanner.Scan() {
		line := scanner.Text()
		lines = append(lines, line)
		sink.WriteLine(level, line)
	}
	return lines, scanner.Err()
}

// discard consumes what is left of a faulted stream so its producer is never
// left blocked on a write nobody reads.
func discard(r io.Reader) {
	_, _ = io.Copy(io.Discard, r)
}
