package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"demandline/internal/domain"
)

const FileName = "demandline.yml"

const (
	VisibilityAll   = "all"
	VisibilityGroup = "group"
	VisibilitySelf  = "self"
)

// Config models demandline.yml.
type Config struct {
	Lifecycle struct {
		ReopenClosed      bool `yaml:"reopen_closed"`
		LegacyDoubleCount bool `yaml:"legacy_double_count"`
	} `yaml:"lifecycle"`
	Scope struct {
		Roles             map[string]string `yaml:"roles"`
		DefaultVisibility string            `yaml:"default_visibility"`
	} `yaml:"scope"`
	Auth struct {
		AllowTrustedHeaders bool `yaml:"allow_trusted_headers"`
	} `yaml:"auth"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// IsEnabled treats a missing flag as enabled.
func (w WebhookConfig) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

// Policy returns the lifecycle switches in domain form.
func (c *Config) Policy() domain.Policy {
	return domain.Policy{
		ReopenClosed:      c.Lifecycle.ReopenClosed,
		LegacyDoubleCount: c.Lifecycle.LegacyDoubleCount,
	}
}

// Visibility resolves the visibility for a role, case-insensitively. Role
// keys are upper case once Validate has run.
func (c *Config) Visibility(role string) string {
	if vis, ok := c.Scope.Roles[roleKey(role)]; ok {
		return vis
	}
	if c.Scope.DefaultVisibility == "" {
		return VisibilitySelf
	}
	return c.Scope.DefaultVisibility
}

// Validate ensures the config meets required structure and normalises role
// names to upper case.
func (c *Config) Validate() error {
	roles := make(map[string]string, len(c.Scope.Roles))
	for role, vis := range c.Scope.Roles {
		key := roleKey(role)
		if key == "" {
			return fmt.Errorf("config.scope.roles contains empty role name")
		}
		if !validVisibility(vis) {
			return fmt.Errorf("role %s has unknown visibility %q (want all, group or self)", role, vis)
		}
		if _, dup := roles[key]; dup {
			return fmt.Errorf("config.scope.roles lists %s more than once (role names are case-insensitive)", key)
		}
		roles[key] = vis
	}
	c.Scope.Roles = roles
	if c.Scope.DefaultVisibility != "" && !validVisibility(c.Scope.DefaultVisibility) {
		return fmt.Errorf("config.scope.default_visibility %q must be all, group or self", c.Scope.DefaultVisibility)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "console":
	default:
		return fmt.Errorf("config.log.format must be json or console")
	}
	for i, wh := range c.Webhooks {
		if strings.TrimSpace(wh.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if wh.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must be >= 0", i)
		}
	}
	return nil
}

func roleKey(role string) string {
	return strings.ToUpper(strings.TrimSpace(role))
}

func validVisibility(v string) bool {
	switch v {
	case VisibilityAll, VisibilityGroup, VisibilitySelf:
		return true
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; write one with dl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to Default when the workspace has no config file.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	_ = cfg.Validate()
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Sections left out
// keep their defaults; a scope.roles map replaces the default roles as a whole.
func FromYAML(data []byte) (*Config, error) {
	var present struct {
		Scope struct {
			Roles *yaml.Node `yaml:"roles"`
		} `yaml:"scope"`
	}
	if err := yaml.Unmarshal(data, &present); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg := Default()
	if present.Scope.Roles != nil {
		cfg.Scope.Roles = nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `lifecycle:
  # let start move a closed demand back to in progress
  reopen_closed: false
  # re-add the paused interval when closing a paused demand
  legacy_double_count: false

scope:
  roles:
    ADMIN: all
    MANAGER: group
    USER: self
  default_visibility: self

auth:
  allow_trusted_headers: false

log:
  level: info
  format: json

webhooks: []
`
