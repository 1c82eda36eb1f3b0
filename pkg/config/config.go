// Package config describes the remexec configuration document and where it
// is loaded from.
package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andrej220/remexec/internal/connection"
	"github.com/andrej220/remexec/internal/lg"
	"github.com/andrej220/remexec/internal/transcript"
	"github.com/andrej220/remexec/pkg/config/configstore"
	"github.com/andrej220/remexec/pkg/config/filestore"
	"github.com/andrej220/remexec/pkg/config/mongostore"
	"gopkg.in/yaml.v3"
)

type StoreType int

const (
	FileStore StoreType = iota
	MongoStore
)

var ErrInvalidStoreType = errors.New("invalid store type")

// Store combines loading with optional change notification.
type Store interface {
	configstore.ConfigStore
	configstore.Watcher
}

type FileConfig struct {
	Path string `yaml:"path" json:"path" validate:"required"`
}

type MongoConfig struct {
	URI      string `yaml:"uri" json:"uri" validate:"required,uri"`
	DBName   string `yaml:"dbName" json:"dbName" validate:"required"`
	CollName string `yaml:"collName" json:"collName" validate:"required"`
	ID       string `yaml:"id" json:"id" validate:"required"`
}

func NewStore(ctx context.Context, storeType StoreType, cfg any, logger lg.Logger) (Store, error) {
	switch storeType {
	case FileStore:
		fileCfg, ok := cfg.(*FileConfig)
		if !ok {
			return nil, fmt.Errorf("invalid config type for file store, expected *FileConfig")
		}
		return filestore.New(fileCfg.Path, logger), nil
	case MongoStore:
		mongoCfg, ok := cfg.(*MongoConfig)
		if !ok {
			return nil, fmt.Errorf("invalid config type for mongo store, expected *MongoConfig")
		}
		if err := Validate(mongoCfg); err != nil {
			return nil, err
		}
		return mongostore.New(ctx, mongoCfg.URI, mongoCfg.DBName, mongoCfg.CollName, mongoCfg.ID, logger)
	default:
		return nil, ErrInvalidStoreType
	}
}

////////////////////////////////////////////////////////////////////////////////

const (
	ExecutorSSH    = "ssh"
	ExecutorDocker = "docker"
	ExecutorLocal  = "local"
)

type Config struct {
	Executor string        `yaml:"executor" json:"executor" validate:"required,oneof=ssh docker local"`
	Policy   string        `yaml:"policy,omitempty" json:"policy,omitempty" validate:"omitempty,oneof=fail_fast continue_on_error"`
	Log      lg.Config     `yaml:"log" json:"log"`
	SSH      *SSHConfig    `yaml:"ssh,omitempty" json:"ssh,omitempty" validate:"required_if=Executor ssh,omitempty"`
	Docker   *DockerConfig `yaml:"docker,omitempty" json:"docker,omitempty" validate:"required_if=Executor docker,omitempty"`
	OpenVZ   *OpenVZConfig `yaml:"openvz,omitempty" json:"openvz,omitempty"`
	Sink     SinkConfig    `yaml:"sink,omitempty" json:"sink,omitempty"`
	Server   ServerConfig  `yaml:"server,omitempty" json:"server,omitempty"`
}

type SSHConfig struct {
	Hosts    []Host   `yaml:"hosts" json:"hosts" validate:"required,min=1,dive"`
	Username string   `yaml:"username,omitempty" json:"username,omitempty"`
	Password string   `yaml:"password,omitempty" json:"password,omitempty"`
	KeyFiles []string `yaml:"keys,omitempty" json:"keys,omitempty" validate:"dive,required"`
	// KnownHosts are extra known_hosts files loaded after the system one.
	KnownHosts []string `yaml:"known_hosts,omitempty" json:"known_hosts,omitempty" validate:"dive,required"`
	// SystemKnownHosts defaults to true.
	SystemKnownHosts    *bool `yaml:"system_known_hosts,omitempty" json:"system_known_hosts,omitempty"`
	TrustUnknownHosts   bool  `yaml:"trust_unknown_hosts,omitempty" json:"trust_unknown_hosts,omitempty"`
	AutoAddUnknownHosts bool  `yaml:"auto_add_unknown_hosts,omitempty" json:"auto_add_unknown_hosts,omitempty"`
	// UseAgent and LookForKeys default to true: without explicit keys the
	// agent and the identities in ~/.ssh are offered.
	UseAgent    *bool `yaml:"use_agent,omitempty" json:"use_agent,omitempty"`
	LookForKeys *bool `yaml:"look_for_keys,omitempty" json:"look_for_keys,omitempty"`

	Timeout time.Duration            `yaml:"timeout,omitempty" json:"timeout,omitempty" validate:"min=0"`
	Retry   connection.RetryConfig   `yaml:"retry,omitempty" json:"retry,omitempty"`
	Breaker connection.BreakerConfig `yaml:"breaker,omitempty" json:"breaker,omitempty"`
}

// TrustUnknown merges the two spellings of the unknown-host flag.
func (c *SSHConfig) TrustUnknown() bool {
	return c.TrustUnknownHosts || c.AutoAddUnknownHosts
}

func (c *SSHConfig) AgentEnabled() bool {
	return c.UseAgent == nil || *c.UseAgent
}

func (c *SSHConfig) LookForKeysEnabled() bool {
	return c.LookForKeys == nil || *c.LookForKeys
}

// Host is one SSH destination. In YAML it is either a plain "host[:port]"
// string or a mapping that also overrides the login for that host.
type Host struct {
	Address  string   `yaml:"address" json:"address" validate:"required,target"`
	Username string   `yaml:"username,omitempty" json:"username,omitempty"`
	Password string   `yaml:"password,omitempty" json:"password,omitempty"`
	KeyFiles []string `yaml:"keys,omitempty" json:"keys,omitempty" validate:"dive,required"`
}

func (h *Host) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		h.Address = node.Value
		return nil
	}
	type plain Host
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*h = Host(p)
	return nil
}

func (h Host) MarshalYAML() (any, error) {
	if h.Username == "" && h.Password == "" && len(h.KeyFiles) == 0 {
		return h.Address, nil
	}
	type plain Host
	return plain(h), nil
}

// HasOverrides reports whether h changes the login for its host.
func (h Host) HasOverrides() bool {
	return h.Username != "" || h.Password != "" || len(h.KeyFiles) > 0
}

type DockerConfig struct {
	connection.DockerConfig `yaml:",inline"`
	connection.Limits       `yaml:",inline"`
	Image                   string `yaml:"image" json:"image" validate:"required,image"`
}

type OpenVZConfig struct {
	CTID int `yaml:"ctid" json:"ctid" validate:"required,min=1"`
}

type SinkConfig struct {
	Kafka *transcript.KafkaConfig `yaml:"kafka,omitempty" json:"kafka,omitempty" validate:"omitempty"`
}

type ServerConfig struct {
	Addr string `yaml:"addr,omitempty" json:"addr,omitempty" validate:"omitempty,hostname_port"`
	// MaxConcurrent bounds actions running at once.
	MaxConcurrent   int64         `yaml:"max_concurrent,omitempty" json:"max_concurrent,omitempty" validate:"min=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty" json:"shutdown_timeout,omitempty"`
}

// ApplyDefaults fills in values left empty by the document.
func (c *Config) ApplyDefaults() {
	if c.Policy == "" {
		c.Policy = "fail_fast"
	}
	if c.Log.ServiceName == "" {
		c.Log.ServiceName = "remexec"
	}
	if c.SSH != nil {
		for _, flag := range []**bool{&c.SSH.SystemKnownHosts, &c.SSH.UseAgent, &c.SSH.LookForKeys} {
			if *flag == nil {
				yes := true
				*flag = &yes
			}
		}
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8081"
	}
	if c.Server.MaxConcurrent == 0 {
		c.Server.MaxConcurrent = 4
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
}

// Load reads the document from store, applies defaults and validates it.
func Load(ctx context.Context, store configstore.ConfigStore) (*Config, error) {
	var cfg Config
	if err := store.Load(ctx, &cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
