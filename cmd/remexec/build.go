package main

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/andrej220/remexec/internal/connection"
	"github.com/andrej220/remexec/internal/execerr"
	"github.com/andrej220/remexec/internal/executor"
	"github.com/andrej220/remexec/internal/keystore"
	"github.com/andrej220/remexec/internal/lg"
	"github.com/andrej220/remexec/internal/target"
	"github.com/andrej220/remexec/internal/transcript"
	"github.com/andrej220/remexec/pkg/config"
)

// setup is an executor built from one configuration document, along with
// the targets it runs against by default. It is reference counted so that a
// reload can retire it while requests are still using it.
type setup struct {
	exec    executor.Executor
	kind    target.Kind
	targets []target.Target
	closers []io.Closer

	mu      sync.Mutex
	refs    int
	retired bool
	closed  bool
}

// build wires cfg into an executor. Transcript lines go to local and, when
// configured, to Kafka.
func build(cfg *config.Config, local transcript.Sink, logger lg.Logger) (*setup, error) {
	policy, err := executor.ParsePolicy(cfg.Policy)
	if err != nil {
		return nil, err
	}

	s := &setup{}
	sink := local
	if cfg.Sink.Kafka != nil {
		ks := transcript.NewKafkaSink(*cfg.Sink.Kafka, logger)
		s.closers = append(s.closers, ks)
		sink = transcript.Tee(local, ks)
	}
	opts := executor.Options{Policy: policy, Logger: logger, Sink: sink}

	switch cfg.Executor {
	case config.ExecutorSSH:
		err = s.buildSSH(cfg.SSH, opts)
	case config.ExecutorDocker:
		err = s.buildDocker(cfg.Docker, opts)
	case config.ExecutorLocal:
		s.kind = target.Local
		s.exec = executor.NewLocalExecutor(opts)
	default:
		err = fmt.Errorf("unknown executor %q", cfg.Executor)
	}
	if err != nil {
		s.close()
		return nil, err
	}

	if cfg.OpenVZ != nil {
		s.exec = executor.OpenVZ(s.exec, cfg.OpenVZ.CTID, logger)
	}
	logger.Debug("Executor ready",
		lg.String("executor", cfg.Executor),
		lg.String("policy", policy.String()),
		lg.Int("targets", len(s.targets)))
	return s, nil
}

func (s *setup) buildSSH(c *config.SSHConfig, opts executor.Options) error {
	s.kind = target.SSH
	hosts := make(map[target.Target]executor.HostCredentials)
	for _, h := range c.Hosts {
		t, err := target.Resolve(h.Address, target.SSH)
		if err != nil {
			return execerr.New(execerr.InvalidTargetSpec, execerr.StageResolve, h.Address, err)
		}
		s.targets = append(s.targets, t)
		if h.HasOverrides() {
			hosts[t] = executor.HostCredentials{Username: h.Username, Password: h.Password, KeyFiles: h.KeyFiles}
		}
	}

	exec, err := executor.NewSSHExecutor(executor.SSHExecutorConfig{
		Username: c.Username,
		Password: c.Password,
		Keys: keystore.Config{
			SystemKnownHosts:  c.SystemKnownHosts == nil || *c.SystemKnownHosts,
			KnownHostsFiles:   c.KnownHosts,
			KeyFiles:          c.KeyFiles,
			Passphrase:        c.Password,
			LookForKeys:       c.LookForKeysEnabled(),
			UseAgent:          c.AgentEnabled(),
			TrustUnknownHosts: c.TrustUnknown(),
		},
		Hosts: hosts,
		Dial: connection.SSHConfig{
			ConnectTimeout: c.Timeout,
			Retry:          c.Retry,
			Breaker:        c.Breaker,
		},
	}, opts)
	if err != nil {
		return err
	}
	s.exec = exec
	s.closers = append(s.closers, exec)
	return nil
}

func (s *setup) buildDocker(c *config.DockerConfig, opts executor.Options) error {
	s.kind = target.Container
	t, err := target.Resolve(c.Image, target.Container)
	if err != nil {
		return execerr.New(execerr.InvalidTargetSpec, execerr.StageResolve, c.Image, err)
	}
	engine, err := connection.NewDockerEngine(c.DockerConfig)
	if err != nil {
		return execerr.New(execerr.ContainerCreate, execerr.StageConnect, c.Image, err)
	}
	if closer, ok := engine.(io.Closer); ok {
		s.closers = append(s.closers, closer)
	}
	s.targets = []target.Target{t}
	s.exec = executor.NewContainerExecutor(engine, c.Limits, opts)
	return nil
}

// resolve maps request destinations onto targets of the setup's kind. An
// empty list selects the configured targets.
func (s *setup) resolve(raws []string) ([]target.Target, error) {
	if len(raws) == 0 {
		return s.targets, nil
	}
	targets, err := target.ResolveAll(raws, s.kind)
	if err != nil {
		return nil, execerr.New(execerr.InvalidTargetSpec, execerr.StageResolve, "", err)
	}
	return targets, nil
}

// acquire pins s for one action. It fails once s has been retired.
func (s *setup) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retired {
		return false
	}
	s.refs++
	return true
}

func (s *setup) release() {
	s.mu.Lock()
	s.refs--
	done := s.retired && s.refs == 0
	s.mu.Unlock()
	if done {
		s.close()
	}
}

// retire stops new actions from using s and closes it after the last
// running one finishes.
func (s *setup) retire() {
	s.mu.Lock()
	s.retired = true
	done := s.refs == 0
	s.mu.Unlock()
	if done {
		s.close()
	}
}

func (s *setup) close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var errs []error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
