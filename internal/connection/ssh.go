package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/andrej220/remexec/internal/execerr"
	"github.com/andrej220/remexec/internal/keystore"
	"github.com/andrej220/remexec/internal/lg"
	"github.com/andrej220/remexec/internal/target"
	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/crypto/ssh"
)

const DefaultConnectTimeout = 10 * time.Second

// Credentials authenticate one SSH connection. Signers are per-target keys
// tried before the store's own.
type Credentials struct {
	Username string
	Password string
	Keys     *keystore.Store
	Signers  []ssh.Signer
}

type RetryConfig struct {
	// MaxRetries is the number of extra connect attempts after a ConnectError.
	// Zero means a failed connect is reported immediately.
	MaxRetries      uint64        `yaml:"max_retries" json:"max_retries"`
	InitialInterval time.Duration `yaml:"initial_interval" json:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval" json:"max_interval"`
}

type BreakerConfig struct {
	Disabled bool `yaml:"disabled" json:"disabled"`
	// MaxFailures consecutive failures open the breaker for a host.
	MaxFailures uint32        `yaml:"max_failures" json:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout" json:"open_timeout"`
}

type SSHConfig struct {
	ConnectTimeout time.Duration
	Retry          RetryConfig
	Breaker        BreakerConfig
}

// SSHDialer opens authenticated SSH channels. It keeps one circuit breaker
// per target for its own lifetime; nothing else is cached.
type SSHDialer struct {
	cfg    SSHConfig
	logger lg.Logger

	mu       sync.Mutex
	breakers map[target.Target]*gobreaker.CircuitBreaker
}

func NewSSHDialer(cfg SSHConfig, logger lg.Logger) *SSHDialer {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Breaker.MaxFailures == 0 {
		cfg.Breaker.MaxFailures = 5
	}
	if cfg.Breaker.OpenTimeout <= 0 {
		cfg.Breaker.OpenTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = lg.Discard
	}
	return &SSHDialer{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[target.Target]*gobreaker.CircuitBreaker),
	}
}

// Acquire connects and authenticates to t.
func (d *SSHDialer) Acquire(ctx context.Context, t target.Target, creds Credentials) (*SSHChannel, error) {
	if t.Kind != target.SSH {
		return nil, execerr.Newf(execerr.InvalidTargetSpec, execerr.StageResolve, t.String(), "not an ssh target: %v", t.Kind)
	}
	if creds.Keys == nil {
		return nil, execerr.Newf(execerr.KeyLoad, execerr.StageKeys, t.String(), "no key store")
	}

	dial := func() (*ssh.Client, error) { return d.connectWithRetry(ctx, t, creds) }

	var (
		client *ssh.Client
		err    error
	)
	if d.cfg.Breaker.Disabled {
		client, err = dial()
	} else {
		var res any
		res, err = d.breaker(t).Execute(func() (any, error) { return dial() })
		if err == nil {
			client = res.(*ssh.Client)
		}
	}
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, execerr.New(execerr.Connect, execerr.StageConnect, t.String(), err)
		}
		return nil, err
	}

	d.logger.Debug("SSH connection established", lg.String("target", t.String()))
	return &SSHChannel{client: client, target: t}, nil
}

func (d *SSHDialer) breaker(t target.Target) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cb, ok := d.breakers[t]; ok {
		return cb
	}
	maxFailures := d.cfg.Breaker.MaxFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ssh-connection " + t.String(),
		MaxRequests: 1,
		Timeout:     d.cfg.Breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		// only an unreachable host trips the breaker; auth and trust
		// failures reach the host and must keep their own kind
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, execerr.ErrConnect)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.logger.Warn("Circuit breaker state changed",
				lg.String("breaker", name), lg.String("from", from.String()), lg.String("to", to.String()))
		},
	})
	d.breakers[t] = cb
	return cb
}

func (d *SSHDialer) connectWithRetry(ctx context.Context, t target.Target, creds Credentials) (*ssh.Client, error) {
	if d.cfg.Retry.MaxRetries == 0 {
		return d.connect(ctx, t, creds)
	}

	exp := backoff.NewExponentialBackOff()
	if d.cfg.Retry.InitialInterval > 0 {
		exp.InitialInterval = d.cfg.Retry.InitialInterval
	}
	if d.cfg.Retry.MaxInterval > 0 {
		exp.MaxInterval = d.cfg.Retry.MaxInterval
	}
	b := backoff.WithContext(backoff.WithMaxRetries(exp, d.cfg.Retry.MaxRetries), ctx)

	attempt := 0
	return backoff.RetryWithData(func() (*ssh.Client, error) {
		attempt++
		client, err := d.connect(ctx, t, creds)
		if err == nil {
			return client, nil
		}
		// auth and trust failures will not get better by trying again
		if !errors.Is(err, execerr.ErrConnect) {
			return nil, backoff.Permanent(err)
		}
		d.logger.Warn("Connect attempt failed", lg.String("target", t.String()), lg.Int("attempt", attempt), lg.Err(err))
		return nil, err
	}, b)
}

func (d *SSHDialer) connect(ctx context.Context, t target.Target, creds Credentials) (*ssh.Client, error) {
	addr := t.Address()
	d.logger.Debug(fmt.Sprintf("Connecting to %s with username %s", addr, creds.Username))

	dialer := net.Dialer{Timeout: d.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, execerr.New(execerr.Connect, execerr.StageConnect, t.String(), err)
	}

	config := &ssh.ClientConfig{
		User:            creds.Username,
		Auth:            creds.Keys.AuthMethods(creds.Password, creds.Signers...),
		HostKeyCallback: creds.Keys.HostKeyCallback(),
		Timeout:         d.cfg.ConnectTimeout,
		BannerCallback:  func(message string) error { return nil },
	}

	// the handshake has no context of its own
	conn.SetDeadline(time.Now().Add(d.cfg.ConnectTimeout))
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	stop()
	if err != nil {
		conn.Close()
		return nil, classifyHandshake(ctx, t, err)
	}
	conn.SetDeadline(time.Time{})

	return ssh.NewClient(c, chans, reqs), nil
}

func classifyHandshake(ctx context.Context, t target.Target, err error) error {
	var tagged *execerr.Error
	if errors.As(err, &tagged) {
		return execerr.New(tagged.Kind, tagged.Stage, t.String(), tagged.Err)
	}
	if ctx.Err() != nil {
		return execerr.New(execerr.Connect, execerr.StageConnect, t.String(), ctx.Err())
	}
	msg := err.Error()
	if strings.Contains(msg, execerr.UntrustedHost.String()) {
		return execerr.New(execerr.UntrustedHost, execerr.StageConnect, t.String(), err)
	}
	// x/crypto/ssh (client_auth.go, v0.37.0) reports exhausted auth as
	// "ssh: unable to authenticate, attempted methods [...], no supported methods remain"
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain") {
		return execerr.New(execerr.Auth, execerr.StageAuth, t.String(), err)
	}
	return execerr.New(execerr.Connect, execerr.StageConnect, t.String(), err)
}

////////////////////////////////////////////////////////////////////////////////

type SSHChannel struct {
	client  *ssh.Client
	session *ssh.Session
	target  target.Target
}

var _ Channel = (*SSHChannel)(nil)

func (c *SSHChannel) Target() target.Target { return c.target }

// Start sends action verbatim as the remote command.
func (c *SSHChannel) Start(ctx context.Context, action string) (Process, error) {
	if c.session != nil {
		return nil, execerr.Newf(execerr.RemoteExec, execerr.StageExecute, c.target.String(), "channel already used")
	}

	sess, err := c.client.NewSession()
	if err != nil {
		return nil, execerr.New(execerr.Connect, execerr.StageExecute, c.target.String(), fmt.Errorf("new session: %w", err))
	}
	c.session = sess

	stdout, err := sess.StdoutPipe()
	if err != nil {
		return nil, execerr.New(execerr.RemoteExec, execerr.StageExecute, c.target.String(), fmt.Errorf("stdout pipe: %w", err))
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		return nil, execerr.New(execerr.RemoteExec, execerr.StageExecute, c.target.String(), fmt.Errorf("stderr pipe: %w", err))
	}

	if err := sess.Start(action); err != nil {
		return nil, execerr.New(execerr.RemoteExec, execerr.StageExecute, c.target.String(), fmt.Errorf("start command: %w", err))
	}
	return &sshProcess{sess: sess, stdout: stdout, stderr: stderr}, nil
}

func (c *SSHChannel) Close() error {
	if c.session != nil {
		c.session.Close()
	}
	return c.client.Close()
}

type sshProcess struct {
	sess   *ssh.Session
	stdout io.Reader
	stderr io.Reader
}

func (p *sshProcess) Stdout() io.Reader { return p.stdout }
func (p *sshProcess) Stderr() io.Reader { return p.stderr }

func (p *sshProcess) Wait() (int, error) {
	err := p.sess.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		return -1, fmt.Errorf("remote command exited without status: %w", err)
	}
	return -1, err
}
