package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Engine is the slice of a container runtime the container channel needs.
type Engine interface {
	Create(ctx context.Context, spec ContainerSpec) (string, error)
	Attach(ctx context.Context, id string) (*Attachment, error)
	Start(ctx context.Context, id string) error
	Wait(ctx context.Context, id string) (int, error)
	Commit(ctx context.Context, id, image, message string) (string, error)
	Remove(ctx context.Context, id string) error
}

type ContainerSpec struct {
	Image   string
	Cmd     []string
	WorkDir string
	// Memory ceiling in bytes; 0 means unlimited.
	Memory int64
	// CPUShares relative weight; 0 leaves the daemon default.
	CPUShares int64
}

// DefaultCallTimeout bounds every daemon call except attach and wait, which
// last as long as the container runs.
const DefaultCallTimeout = 10 * time.Second

var errDetached = errors.New("detached from container")

// Attachment carries the demultiplexed output streams of a container. Close
// detaches and fails any pending read on either stream.
type Attachment struct {
	Stdout io.Reader
	Stderr io.Reader
	Close  func()
}

type DockerConfig struct {
	// BaseURL is a tcp:// URL or unix socket; empty uses DOCKER_HOST or the
	// default socket.
	BaseURL string `yaml:"base_url" json:"base_url"`
	// Version pins the API version; empty negotiates with the daemon.
	Version string `yaml:"version" json:"version"`
	// Timeout bounds create, start, commit and remove; 0 means DefaultCallTimeout.
	Timeout time.Duration `yaml:"timeout" json:"timeout" validate:"min=0"`
}

type dockerEngine struct {
	cli     *client.Client
	timeout time.Duration
}

// NewDockerEngine connects an Engine to a Docker daemon.
func NewDockerEngine(cfg DockerConfig) (Engine, error) {
	opts := []client.Opt{client.FromEnv}
	if cfg.BaseURL != "" {
		opts = append(opts, client.WithHost(cfg.BaseURL))
	}
	if cfg.Version != "" {
		opts = append(opts, client.WithVersion(cfg.Version))
	} else {
		opts = append(opts, client.WithAPIVersionNegotiation())
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &dockerEngine{cli: cli, timeout: timeout}, nil
}

func (e *dockerEngine) call(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.timeout)
}

func (e *dockerEngine) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	ctx, cancel := e.call(ctx)
	defer cancel()
	resp, err := e.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        spec.Image,
			Cmd:          spec.Cmd,
			WorkingDir:   spec.WorkDir,
			AttachStdout: true,
			AttachStderr: true,
		},
		&container.HostConfig{
			Resources: container.Resources{
				Memory:    spec.Memory,
				CPUShares: spec.CPUShares,
			},
		},
		nil, nil, "")
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (e *dockerEngine) Attach(ctx context.Context, id string) (*Attachment, error) {
	hijacked, err := e.cli.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
		Logs:   true,
	})
	if err != nil {
		return nil, err
	}

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(outW, errW, hijacked.Reader)
		outW.CloseWithError(err)
		errW.CloseWithError(err)
	}()

	// closing the readers unblocks StdCopy when one stream is no longer read
	detach := func() {
		hijacked.Close()
		outR.CloseWithError(errDetached)
		errR.CloseWithError(errDetached)
	}
	return &Attachment{Stdout: outR, Stderr: errR, Close: detach}, nil
}

func (e *dockerEngine) Start(ctx context.Context, id string) error {
	ctx, cancel := e.call(ctx)
	defer cancel()
	return e.cli.ContainerStart(ctx, id, container.StartOptions{})
}

func (e *dockerEngine) Wait(ctx context.Context, id string) (int, error) {
	statusCh, errCh := e.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return int(status.StatusCode), fmt.Errorf("wait: %s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

func (e *dockerEngine) Commit(ctx context.Context, id, image, message string) (string, error) {
	ctx, cancel := e.call(ctx)
	defer cancel()
	resp, err := e.cli.ContainerCommit(ctx, id, container.CommitOptions{
		Reference: image,
		Comment:   message,
	})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (e *dockerEngine) Remove(ctx context.Context, id string) error {
	ctx, cancel := e.call(ctx)
	defer cancel()
	return e.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

func (e *dockerEngine) Close() error {
	return e.cli.Close()
}
