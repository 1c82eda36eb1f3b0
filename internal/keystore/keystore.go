// Package keystore loads known-host entries and private keys once and decides
// whether a remote host key may be trusted.
//
// A Store is read-only after Load except for the session trust table, which
// records host keys accepted under the trust-unknown-hosts policy. Loading is
// all or nothing: any configured file that is missing or unparsable aborts Load
// with a KeyLoadError and no Store is returned.
package keystore

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/andrej220/remexec/internal/execerr"
	"github.com/andrej220/remexec/internal/lg"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// default identity files probed when LookForKeys is set
var defaultIdentities = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

type Config struct {
	// SystemKnownHosts loads ~/.ssh/known_hosts when it exists.
	SystemKnownHosts bool
	KnownHostsFiles  []string
	KeyFiles         []string
	// Passphrase unlocks encrypted key files.
	Passphrase        string
	LookForKeys       bool
	UseAgent          bool
	TrustUnknownHosts bool
	// HomeDir overrides the user's home directory.
	HomeDir string
	Logger  lg.Logger
}

type Store struct {
	known        ssh.HostKeyCallback
	knownFiles   []string
	signers      []ssh.Signer
	agent        agent.ExtendedAgent
	agentConn    net.Conn
	trustUnknown bool
	logger       lg.Logger

	mu      sync.RWMutex
	session map[string][]ssh.PublicKey
}

// Load builds a Store from cfg.
func Load(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = lg.Discard
	}

	home := cfg.HomeDir
	if home == "" {
		home, _ = os.UserHomeDir()
	}

	s := &Store{
		trustUnknown: cfg.TrustUnknownHosts,
		logger:       logger,
		session:      make(map[string][]ssh.PublicKey),
	}

	if cfg.SystemKnownHosts && home != "" {
		logger.Debug("Loading system host keys.")
		system := filepath.Join(home, ".ssh", "known_hosts")
		if _, err := os.Stat(system); err == nil {
			s.knownFiles = append(s.knownFiles, system)
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, execerr.New(execerr.KeyLoad, execerr.StageKeys, system, err)
		}
	}

	if len(cfg.KnownHostsFiles) > 0 {
		logger.Debug("Loading additional host keys.", lg.Strings("files", cfg.KnownHostsFiles))
	}
	for _, f := range cfg.KnownHostsFiles {
		path := expandHome(f, home)
		if _, err := os.Stat(path); err != nil {
			return nil, execerr.New(execerr.KeyLoad, execerr.StageKeys, path, err)
		}
		s.knownFiles = append(s.knownFiles, path)
	}

	if len(s.knownFiles) > 0 {
		cb, err := knownhosts.New(s.knownFiles...)
		if err != nil {
			return nil, execerr.New(execerr.KeyLoad, execerr.StageKeys, strings.Join(s.knownFiles, ","), err)
		}
		s.known = cb
	}

	signers, err := LoadKeyFiles(cfg.KeyFiles, cfg.Passphrase, home)
	if err != nil {
		return nil, err
	}
	s.signers = signers

	if cfg.LookForKeys && home != "" {
		for _, name := range defaultIdentities {
			path := filepath.Join(home, ".ssh", name)
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			signer, err := parseSigner(data, cfg.Passphrase)
			if err != nil {
				logger.Warn("Skipping unusable default identity", lg.String("path", path), lg.Err(err))
				continue
			}
			s.signers = append(s.signers, signer)
		}
	}

	if cfg.UseAgent {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			conn, err := net.Dial("unix", sock)
			if err != nil {
				logger.Warn("ssh-agent unavailable", lg.String("socket", sock), lg.Err(err))
			} else {
				s.agentConn = conn
				s.agent = agent.NewClient(conn)
			}
		}
	}

	if cfg.TrustUnknownHosts {
		logger.Debug("Automatically adding unknown hosts.")
	}

	return s, nil
}

// LoadKeyFiles parses each private key file in order. The first failure
// aborts with a KeyLoadError.
func LoadKeyFiles(paths []string, passphrase, home string) ([]ssh.Signer, error) {
	signers := make([]ssh.Signer, 0, len(paths))
	for _, p := range paths {
		path := expandHome(p, home)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, execerr.New(execerr.KeyLoad, execerr.StageKeys, path, err)
		}
		signer, err := parseSigner(data, passphrase)
		if err != nil {
			return nil, execerr.New(execerr.KeyLoad, execerr.StageKeys, path, err)
		}
		signers = append(signers, signer)
	}
	return signers, nil
}

func parseSigner(data []byte, passphrase string) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey(data)
	if err == nil {
		return signer, nil
	}
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) && passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase(data, []byte(passphrase))
	}
	return nil, err
}

func expandHome(path, home string) string {
	if home != "" && (path == "~" || strings.HasPrefix(path, "~/")) {
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// Signers returns the loaded private keys.
func (s *Store) Signers() []ssh.Signer {
	out := make([]ssh.Signer, len(s.signers))
	copy(out, s.signers)
	return out
}

// AuthMethods returns public key (files, then agent) followed by password
// based methods. extra signers are tried before the store's own keys.
func (s *Store) AuthMethods(password string, extra ...ssh.Signer) []ssh.AuthMethod {
	var methods []ssh.AuthMethod

	signers := append(append([]ssh.Signer{}, extra...), s.signers...)
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}
	if s.agent != nil {
		methods = append(methods, ssh.PublicKeysCallback(s.agent.Signers))
	}
	if password != "" {
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}
	return methods
}

// TrustUnknownHosts reports the unknown-host policy.
func (s *Store) TrustUnknownHosts() bool {
	return s.trustUnknown
}

// HostKeyCallback validates a remote host key against the known-hosts files
// and the session trust table.
//
// A host listed with a different key is always rejected. A host that is not
// listed anywhere is rejected unless the store trusts unknown hosts, in which
// case its key is remembered for the rest of the session.
func (s *Store) HostKeyCallback() ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		host := knownhosts.Normalize(hostname)

		if s.known != nil {
			err := s.known(hostname, remote, key)
			if err == nil {
				return nil
			}
			var keyErr *knownhosts.KeyError
			if !errors.As(err, &keyErr) || len(keyErr.Want) > 0 {
				return execerr.New(execerr.UntrustedHost, execerr.StageConnect, host, err)
			}
		}

		switch s.sessionLookup(host, key) {
		case keyMatch:
			return nil
		case keyMismatch:
			return execerr.Newf(execerr.UntrustedHost, execerr.StageConnect, host,
				"host key %s differs from the key accepted earlier in this session", ssh.FingerprintSHA256(key))
		}

		if !s.trustUnknown {
			return execerr.Newf(execerr.UntrustedHost, execerr.StageConnect, host,
				"host key %s %s is not known", key.Type(), ssh.FingerprintSHA256(key))
		}

		s.mu.Lock()
		s.session[host] = append(s.session[host], key)
		s.mu.Unlock()
		s.logger.Info("Trusting unknown host for this session",
			lg.String("host", host), lg.String("fingerprint", ssh.FingerprintSHA256(key)))
		return nil
	}
}

type lookup int

const (
	keyAbsent lookup = iota
	keyMatch
	keyMismatch
)

func (s *Store) sessionLookup(host string, key ssh.PublicKey) lookup {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys, ok := s.session[host]
	if !ok {
		return keyAbsent
	}
	for _, k := range keys {
		if k.Type() == key.Type() {
			if string(k.Marshal()) == string(key.Marshal()) {
				return keyMatch
			}
			return keyMismatch
		}
	}
	return keyAbsent
}

// Trusted reports whether key is currently accepted for address, either from
// the known-hosts files or from the session trust table.
func (s *Store) Trusted(address string, key ssh.PublicKey) bool {
	if s.known != nil {
		if err := s.known(address, dummyAddr(address), key); err == nil {
			return true
		}
	}
	return s.sessionLookup(knownhosts.Normalize(address), key) == keyMatch
}

// SessionHosts lists hosts accepted under the trust-unknown-hosts policy.
func (s *Store) SessionHosts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hosts := make([]string, 0, len(s.session))
	for h := range s.session {
		hosts = append(hosts, h)
	}
	return hosts
}

// Close releases the agent connection, if any.
func (s *Store) Close() error {
	if s.agentConn != nil {
		return s.agentConn.Close()
	}
	return nil
}

type dummyAddr string

func (a dummyAddr) Network() string { return "tcp" }
func (a dummyAddr) String() string  { return string(a) }

func (s *Store) String() string {
	return fmt.Sprintf("keystore{known_hosts=%d signers=%d trust_unknown=%v}",
		len(s.knownFiles), len(s.signers), s.trustUnknown)
}
