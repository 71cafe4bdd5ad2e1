package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models steward.yml.
type Config struct {
	Orchestrator struct {
		CycleIntervalSeconds int  `yaml:"cycle_interval_seconds"`
		DrainLimit           int  `yaml:"drain_limit"`
		DryRun               bool `yaml:"dry_run"`
	} `yaml:"orchestrator"`
	Approval struct {
		TimeoutHours int `yaml:"timeout_hours"`
	} `yaml:"approval"`
	Retry struct {
		MaxAttempts      int     `yaml:"max_attempts"`
		BaseDelaySeconds int     `yaml:"base_delay_seconds"`
		BackoffFactor    float64 `yaml:"backoff_factor"`
	} `yaml:"retry"`
	Risk struct {
		HighKeywords      []string `yaml:"high_keywords"`
		MediumKeywords    []string `yaml:"medium_keywords"`
		SensitiveContexts []string `yaml:"sensitive_contexts"`
		PaymentHigh       float64  `yaml:"payment_high_threshold"`
		PaymentMedium     float64  `yaml:"payment_medium_threshold"`
	} `yaml:"risk"`
	Audit struct {
		RetentionDays int `yaml:"retention_days"`
	} `yaml:"audit"`
	Notifications struct {
		Webhooks []WebhookConfig `yaml:"webhooks"`
	} `yaml:"notifications"`
}

// WebhookConfig is one outbound notification target. An empty components
// list subscribes to every component.
type WebhookConfig struct {
	URL        string   `yaml:"url" json:"url"`
	Components []string `yaml:"components,omitempty" json:"components,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with steward config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Orchestrator.CycleIntervalSeconds <= 0 {
		return fmt.Errorf("config.orchestrator.cycle_interval_seconds must be positive")
	}
	if c.Orchestrator.DrainLimit <= 0 {
		return fmt.Errorf("config.orchestrator.drain_limit must be positive")
	}
	if c.Approval.TimeoutHours <= 0 {
		return fmt.Errorf("config.approval.timeout_hours must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("config.retry.max_attempts must be positive")
	}
	if c.Retry.BaseDelaySeconds <= 0 {
		return fmt.Errorf("config.retry.base_delay_seconds must be positive")
	}
	if c.Retry.BackoffFactor < 1 {
		return fmt.Errorf("config.retry.backoff_factor must be >= 1")
	}
	if len(c.Risk.HighKeywords) == 0 {
		return fmt.Errorf("config.risk.high_keywords is required")
	}
	if len(c.Risk.MediumKeywords) == 0 {
		return fmt.Errorf("config.risk.medium_keywords is required")
	}
	if c.Risk.PaymentHigh <= 0 || c.Risk.PaymentMedium <= 0 {
		return fmt.Errorf("config.risk payment thresholds must be positive")
	}
	if c.Risk.PaymentMedium > c.Risk.PaymentHigh {
		return fmt.Errorf("config.risk.payment_medium_threshold exceeds payment_high_threshold")
	}
	if c.Audit.RetentionDays < 0 {
		return fmt.Errorf("config.audit.retention_days must not be negative")
	}
	for i, wh := range c.Notifications.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("config.notifications.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// CycleInterval returns the orchestrator cycle period as a duration.
func (c *Config) CycleInterval() time.Duration {
	return time.Duration(c.Orchestrator.CycleIntervalSeconds) * time.Second
}

// ApprovalTimeout returns the pending approval lifetime as a duration.
func (c *Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.Approval.TimeoutHours) * time.Hour
}

// RetryBaseDelay returns the first retry delay as a duration.
func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.Retry.BaseDelaySeconds) * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "steward.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template invalid: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
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

const defaultTemplate = `orchestrator:
  cycle_interval_seconds: 300
  drain_limit: 10
  dry_run: false

approval:
  timeout_hours: 24

retry:
  max_attempts: 3
  base_delay_seconds: 5
  backoff_factor: 3

risk:
  high_keywords:
    - delete
    - remove
    - payment
    - transfer
    - wire
    - invoice
    - contract
    - legal
    - terminate
    - cancel subscription
    - bank
    - password
    - credential
  medium_keywords:
    - send
    - reply
    - post
    - publish
    - schedule
    - share
    - forward
    - update
  sensitive_contexts:
    - salary
    - compensation
    - medical
    - confidential
    - nda
    - lawsuit
  payment_high_threshold: 500
  payment_medium_threshold: 50

audit:
  retention_days: 90
`
