package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/andrej220/remexec/internal/execerr"
	"github.com/andrej220/remexec/internal/lg"
	"github.com/andrej220/remexec/internal/target"
)

// removal must finish even when the action's context is gone
const cleanupTimeout = 30 * time.Second

type Limits struct {
	// MemoryMB is the memory ceiling in megabytes; 0 means unlimited.
	MemoryMB int64 `yaml:"memory_limit" json:"memory_limit" validate:"min=0"`
	// CPUPercent is the share of one CPU's default weight (1024); 0 keeps
	// the daemon default.
	CPUPercent int64  `yaml:"cpu_share" json:"cpu_share" validate:"min=0,max=100"`
	WorkDir    string `yaml:"work_dir" json:"work_dir"`
}

func (l Limits) cpuShares() int64 {
	if l.CPUPercent <= 0 {
		return 0
	}
	shares := 1024 * l.CPUPercent / 100
	// the daemon rejects weights below 2
	if shares < 2 {
		shares = 2
	}
	return shares
}

// ContainerRuntime creates one ephemeral container per action.
type ContainerRuntime struct {
	engine Engine
	limits Limits
	logger lg.Logger
}

func NewContainerRuntime(engine Engine, limits Limits, logger lg.Logger) *ContainerRuntime {
	if logger == nil {
		logger = lg.Discard
	}
	return &ContainerRuntime{engine: engine, limits: limits, logger: logger}
}

// Acquire creates a container from the image named by t that will run action
// through sh -c.
func (r *ContainerRuntime) Acquire(ctx context.Context, t target.Target, action string) (*ContainerChannel, error) {
	if t.Kind != target.Container {
		return nil, execerr.Newf(execerr.InvalidTargetSpec, execerr.StageResolve, t.String(), "not a container target: %v", t.Kind)
	}

	workDir := r.limits.WorkDir
	id, err := r.engine.Create(ctx, ContainerSpec{
		Image:     t.Host,
		Cmd:       []string{"sh", "-c", action},
		WorkDir:   workDir,
		Memory:    r.limits.MemoryMB * 1024 * 1024,
		CPUShares: r.limits.cpuShares(),
	})
	if err != nil {
		return nil, execerr.New(execerr.ContainerCreate, execerr.StageConnect, t.String(), err)
	}
	r.logger.Debug("Container created", lg.String("image", t.Host), lg.String("container", shortID(id)))

	return &ContainerChannel{engine: r.engine, id: id, target: t, logger: r.logger}, nil
}

////////////////////////////////////////////////////////////////////////////////

type ContainerChannel struct {
	engine  Engine
	id      string
	target  target.Target
	logger  lg.Logger
	attach  *Attachment
	started bool

	mu      sync.Mutex
	removed bool
}

var _ Channel = (*ContainerChannel)(nil)

func (c *ContainerChannel) Target() target.Target { return c.target }

// ID is the container ID.
func (c *ContainerChannel) ID() string { return c.id }

// Start attaches to the container and starts it. The command was fixed when
// the container was created, so action is only used for diagnostics.
func (c *ContainerChannel) Start(ctx context.Context, action string) (Process, error) {
	if c.started {
		return nil, execerr.Newf(execerr.RemoteExec, execerr.StageExecute, c.target.String(), "channel already used")
	}
	c.started = true

	att, err := c.engine.Attach(ctx, c.id)
	if err != nil {
		return nil, execerr.New(execerr.RemoteExec, execerr.StageExecute, c.target.String(), fmt.Errorf("attach: %w", err))
	}
	c.attach = att

	if err := c.engine.Start(ctx, c.id); err != nil {
		return nil, execerr.New(execerr.RemoteExec, execerr.StageExecute, c.target.String(), fmt.Errorf("start %q: %w", action, err))
	}
	return &containerProcess{ctx: ctx, ch: c}, nil
}

// Commit persists the container's filesystem onto the image it was created
// from and returns the new image ID.
func (c *ContainerChannel) Commit(ctx context.Context, message string) (string, error) {
	imageID, err := c.engine.Commit(ctx, c.id, c.target.Host, message)
	if err != nil {
		return "", execerr.New(execerr.Cleanup, execerr.StageCommit, c.target.String(), err)
	}
	c.logger.Debug("Container committed", lg.String("image", c.target.Host), lg.String("image_id", imageID))
	return imageID, nil
}

// Close force-removes the container. It is safe to call more than once and
// does not depend on any caller context.
func (c *ContainerChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.attach != nil && c.attach.Close != nil {
		c.attach.Close()
		c.attach.Close = nil
	}
	if c.removed {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := c.engine.Remove(ctx, c.id); err != nil {
		return execerr.New(execerr.Cleanup, execerr.StageCleanup, c.target.String(), err)
	}
	c.removed = true
	c.logger.Debug("Container removed", lg.String("container", shortID(c.id)))
	return nil
}

type containerProcess struct {
	ctx context.Context
	ch  *ContainerChannel
}

func (p *containerProcess) Stdout() io.Reader { return p.ch.attach.Stdout }
func (p *containerProcess) Stderr() io.Reader { return p.ch.attach.Stderr }

func (p *containerProcess) Wait() (int, error) {
	code, err := p.ch.engine.Wait(p.ctx, p.ch.id)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return -1, err
		}
		return code, fmt.Errorf("wait: %w", err)
	}
	return code, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
