package executor

import (
	"context"
	"fmt"

	"github.com/andrej220/remexec/internal/connection"
	"github.com/andrej220/remexec/internal/keystore"
	"github.com/andrej220/remexec/internal/lg"
	"github.com/andrej220/remexec/internal/target"
	"github.com/andrej220/remexec/internal/transcript"
	"golang.org/x/crypto/ssh"
)

// HostCredentials override the executor-wide login for one target. Empty
// fields fall back to the executor's values.
type HostCredentials struct {
	Username string
	Password string
	KeyFiles []string
}

type SSHExecutorConfig struct {
	Username string
	Password string
	Keys     keystore.Config
	Hosts    map[target.Target]HostCredentials
	Dial     connection.SSHConfig
}

// SSHExecutor runs actions over SSH, opening a fresh connection per target
// and per call.
type SSHExecutor struct {
	opts      Options
	username  string
	password  string
	keys      *keystore.Store
	dialer    *connection.SSHDialer
	overrides map[target.Target]hostCreds
}

type hostCreds struct {
	username string
	password string
	signers  []ssh.Signer
}

var _ Executor = (*SSHExecutor)(nil)

// NewSSHExecutor loads every configured key before returning. Any key that
// cannot be loaded fails construction with a KeyLoadError.
func NewSSHExecutor(cfg SSHExecutorConfig, opts Options) (*SSHExecutor, error) {
	opts = opts.withDefaults()
	if cfg.Keys.Logger == nil {
		cfg.Keys.Logger = opts.Logger
	}

	keys, err := keystore.Load(cfg.Keys)
	if err != nil {
		return nil, err
	}

	overrides := make(map[target.Target]hostCreds, len(cfg.Hosts))
	for t, hc := range cfg.Hosts {
		passphrase := hc.Password
		if passphrase == "" {
			passphrase = cfg.Keys.Passphrase
		}
		signers, err := keystore.LoadKeyFiles(hc.KeyFiles, passphrase, cfg.Keys.HomeDir)
		if err != nil {
			keys.Close()
			return nil, err
		}
		overrides[t] = hostCreds{username: hc.Username, password: hc.Password, signers: signers}
	}

	opts.Logger.Debug("SSH executor ready", lg.String("keystore", keys.String()), lg.Int("host_overrides", len(overrides)))
	return &SSHExecutor{
		opts:      opts,
		username:  cfg.Username,
		password:  cfg.Password,
		keys:      keys,
		dialer:    connection.NewSSHDialer(cfg.Dial, opts.Logger),
		overrides: overrides,
	}, nil
}

// Keys exposes the store, mainly to inspect session trust.
func (e *SSHExecutor) Keys() *keystore.Store { return e.keys }

func (e *SSHExecutor) Close() error { return e.keys.Close() }

func (e *SSHExecutor) credentials(t target.Target) connection.Credentials {
	creds := connection.Credentials{Username: e.username, Password: e.password, Keys: e.keys}
	if o, ok := e.overrides[t]; ok {
		if o.username != "" {
			creds.Username = o.username
		}
		if o.password != "" {
			creds.Password = o.password
		}
		creds.Signers = o.signers
	}
	return creds
}

func (e *SSHExecutor) Execute(ctx context.Context, targets []target.Target, action string) (*Outcome, error) {
	return execute(ctx, e.opts, targets, action, e.attempt)
}

func (e *SSHExecutor) attempt(ctx context.Context, t target.Target, action string, sink transcript.Sink) *ExecutionResult {
	creds := e.credentials(t)
	e.opts.Logger.Debug(fmt.Sprintf("Connecting to %s with username %s", t, creds.Username))

	ch, err := e.dialer.Acquire(ctx, t, creds)
	if err != nil {
		return failed(t, err)
	}
	defer ch.Close()

	return Run(ctx, ch, action, sink)
}
