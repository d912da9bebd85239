package beepboop

import (
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/thesammykins/beep-boop-mcp/internal/coordination"
	"github.com/thesammykins/beep-boop-mcp/internal/delegation"
	"github.com/thesammykins/beep-boop-mcp/internal/lockstore"
	"github.com/thesammykins/beep-boop-mcp/internal/msgstore"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":9800"
	// DefaultMetricsListen is the default Prometheus scrape endpoint.
	// Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultMessageInbox is where reply records are scanned when no inbox
	// is configured.
	DefaultMessageInbox = "inbox"
	// DefaultJSONMaxBytes bounds incoming JSON payloads.
	DefaultJSONMaxBytes int64 = 1 << 20
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
)

// Config describes a beep-boop server. The zero value plus a message inbox
// is a working local setup.
type Config struct {
	// Listen is the TCP address for the HTTP listener.
	Listen string `yaml:"listen"`
	// AuthToken, when set, protects the /mcp routes with bearer auth.
	AuthToken string `yaml:"auth_token"`
	// MetricsListen, when set, serves Prometheus metrics on its own
	// listener.
	MetricsListen string `yaml:"metrics_listen"`
	// JSONMaxBytes bounds request bodies. Zero means DefaultJSONMaxBytes.
	JSONMaxBytes int64 `yaml:"json_max_bytes"`
	// ShutdownTimeout bounds graceful shutdown. Zero means
	// DefaultShutdownTimeout.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// LockFileMode is the permission bits for marker files. Zero means
	// lockstore.DefaultFileMode.
	LockFileMode fs.FileMode `yaml:"lock_file_mode"`
	// StaleAfter is the hold age beyond which a claim counts as stale.
	// Zero means coordination.DefaultStaleAfter.
	StaleAfter time.Duration `yaml:"stale_after"`
	// AgentPolicyPath optionally points at a YAML file constraining agent
	// identifiers.
	AgentPolicyPath string `yaml:"agent_policy_path"`
	// AuditDBPath, when set, records coordination events in a SQLite
	// database at that path.
	AuditDBPath string `yaml:"audit_db_path"`

	// MessageInbox is the directory scanned for reply records.
	MessageInbox string `yaml:"message_inbox"`
	// PollInterval is the reply-scan cadence. Zero means the conversation
	// default.
	PollInterval time.Duration `yaml:"poll_interval"`
	// ReplyDeadline bounds how long initiate_conversation waits for a
	// reply. Zero means the conversation default.
	ReplyDeadline time.Duration `yaml:"reply_deadline"`
	// Webhooks maps a platform name ("slack", "discord") to its outgoing
	// webhook URL.
	Webhooks map[string]string `yaml:"webhooks"`

	// Delegation configures the outbound HTTP delegation client used by
	// the CLI; the server itself never delegates.
	Delegation DelegationConfig `yaml:"delegation"`
}

// DelegationConfig mirrors delegation.Options for file/env configuration.
type DelegationConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BaseURL        string        `yaml:"base_url"`
	AuthToken      string        `yaml:"auth_token"`
	BaseTimeout    time.Duration `yaml:"base_timeout"`
	PerByteTimeout time.Duration `yaml:"per_byte_timeout"`
	MaxTimeout     time.Duration `yaml:"max_timeout"`
	MaxConcurrent  int64         `yaml:"max_concurrent"`
}

// AgentPolicyFile is the YAML shape of AgentPolicyPath.
type AgentPolicyFile struct {
	MaxLength        int      `yaml:"max_length"`
	RequiredPrefixes []string `yaml:"required_prefixes"`
}

// Validate checks cfg for contradictions. It does not touch the filesystem.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" && c.Listen != "" {
		return fmt.Errorf("listen must not be blank")
	}
	if c.JSONMaxBytes < 0 {
		return fmt.Errorf("json_max_bytes must not be negative")
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout must not be negative")
	}
	if c.StaleAfter < 0 {
		return fmt.Errorf("stale_after must not be negative")
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("poll_interval must not be negative")
	}
	if c.ReplyDeadline < 0 {
		return fmt.Errorf("reply_deadline must not be negative")
	}
	if c.LockFileMode&^fs.ModePerm != 0 {
		return fmt.Errorf("lock_file_mode %#o carries non-permission bits", c.LockFileMode)
	}
	for platform := range c.Webhooks {
		if _, err := msgstore.ParsePlatform(platform); err != nil {
			return fmt.Errorf("webhooks: %w", err)
		}
	}
	if c.Delegation.Enabled && strings.TrimSpace(c.Delegation.BaseURL) == "" {
		return fmt.Errorf("delegation.base_url required when delegation is enabled")
	}
	if c.Delegation.MaxConcurrent < 0 {
		return fmt.Errorf("delegation.max_concurrent must not be negative")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.MessageInbox == "" {
		c.MessageInbox = DefaultMessageInbox
	}
	if c.JSONMaxBytes == 0 {
		c.JSONMaxBytes = DefaultJSONMaxBytes
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.LockFileMode == 0 {
		c.LockFileMode = lockstore.DefaultFileMode
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = coordination.DefaultStaleAfter
	}
	return c
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadAgentPolicy reads an agent-identifier policy from path. An empty path
// yields the permissive default policy.
func LoadAgentPolicy(path string) (coordination.AgentIDPolicy, error) {
	if path == "" {
		return coordination.AgentIDPolicy{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return coordination.AgentIDPolicy{}, fmt.Errorf("read agent policy: %w", err)
	}
	var file AgentPolicyFile
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return coordination.AgentIDPolicy{}, fmt.Errorf("parse agent policy %s: %w", path, err)
	}
	if file.MaxLength < 0 {
		return coordination.AgentIDPolicy{}, fmt.Errorf("agent policy max_length must not be negative")
	}
	return coordination.AgentIDPolicy{
		MaxLength:        file.MaxLength,
		RequiredPrefixes: file.RequiredPrefixes,
	}, nil
}

// DelegationOptions converts the config block into client options.
func (c Config) DelegationOptions() delegation.Options {
	return delegation.Options{
		Enabled:        c.Delegation.Enabled,
		BaseURL:        c.Delegation.BaseURL,
		AuthToken:      c.Delegation.AuthToken,
		BaseTimeout:    c.Delegation.BaseTimeout,
		PerByteTimeout: c.Delegation.PerByteTimeout,
		MaxTimeout:     c.Delegation.MaxTimeout,
		MaxConcurrent:  c.Delegation.MaxConcurrent,
	}
}
