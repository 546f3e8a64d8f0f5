package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models echoline.yml.
type Config struct {
	Deployment struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"deployment"`
	Assignment struct {
		SkipLimit    int    `yaml:"skip_limit"`
		ReclaimAfter string `yaml:"reclaim_after"`
	} `yaml:"assignment"`
	Annotations struct {
		Labels      []string `yaml:"labels"`
		Periods     []string `yaml:"periods"`
		AllowNoIdea *bool    `yaml:"allow_no_idea"`
	} `yaml:"annotations"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with el config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Deployment.ID == "" {
		return fmt.Errorf("config.deployment.id is required")
	}
	if c.Deployment.Kind != "annotation-deployment" {
		return fmt.Errorf("config.deployment.kind must be 'annotation-deployment'")
	}
	if c.Assignment.SkipLimit < 0 {
		return fmt.Errorf("config.assignment.skip_limit must be >= 0")
	}
	if c.Assignment.ReclaimAfter != "" {
		if _, err := time.ParseDuration(c.Assignment.ReclaimAfter); err != nil {
			return fmt.Errorf("config.assignment.reclaim_after: %w", err)
		}
	}
	if len(c.Annotations.Labels) == 0 {
		return fmt.Errorf("config.annotations.labels is required")
	}
	for _, l := range c.Annotations.Labels {
		if l == "" {
			return fmt.Errorf("config.annotations.labels contains empty label")
		}
	}
	if len(c.Annotations.Periods) == 0 {
		return fmt.Errorf("config.annotations.periods is required")
	}
	for _, p := range c.Annotations.Periods {
		if p == "" {
			return fmt.Errorf("config.annotations.periods contains empty period")
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// SkipLimit returns the configured skip budget per session.
func (c *Config) SkipLimit() int {
	if c == nil || c.Assignment.SkipLimit == 0 {
		return 3
	}
	return c.Assignment.SkipLimit
}

// ReclaimAfter returns the stale-assignment TTL; zero disables reclaim.
func (c *Config) ReclaimAfter() time.Duration {
	if c == nil || c.Assignment.ReclaimAfter == "" {
		return 0
	}
	d, err := time.ParseDuration(c.Assignment.ReclaimAfter)
	if err != nil {
		return 0
	}
	return d
}

// AllowNoIdea reports whether "No idea" is accepted as label or period.
func (c *Config) AllowNoIdea() bool {
	if c == nil || c.Annotations.AllowNoIdea == nil {
		return true
	}
	return *c.Annotations.AllowNoIdea
}

// HasLabel reports whether the label belongs to the configured catalog.
func (c *Config) HasLabel(label string) bool {
	for _, l := range c.Annotations.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// HasPeriod reports whether the period belongs to the configured catalog.
func (c *Config) HasPeriod(period string) bool {
	for _, p := range c.Annotations.Periods {
		if p == period {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "echoline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(deploymentID string) string {
	return fmt.Sprintf(defaultTemplate, deploymentID)
}

// Default returns the default Config struct for a deployment.
func Default(deploymentID string) *Config {
	var cfg Config
	cfg.Deployment.ID = deploymentID
	cfg.Deployment.Kind = "annotation-deployment"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, deploymentID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `deployment:
  id: %s
  kind: annotation-deployment

assignment:
  skip_limit: 3
  # reclaim_after releases stale in_progress tiles on the next assignment.
  # Empty or "0s" disables reclaim.
  reclaim_after: ""

annotations:
  allow_no_idea: true
  labels:
    - Road
    - Burial mound
    - Earth wall
    - Stone wall
    - Depression
    - Erosion ditch
    - Charcoal Meier
    - Water infrastructure
    - No idea
  periods:
    - Neolithic-or-before
    - Bronze Age
    - Iron Age
    - Roman
    - Medieval
    - Modern
    - No idea
`
