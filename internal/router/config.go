package router

import (
	"os"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// ProviderConfig holds the operational limits for one provider. Read-only
// after initialization.
type ProviderConfig struct {
	Name              string        `yaml:"name"`
	Model             string        `yaml:"model"`
	MaxTokens         int64         `yaml:"max_tokens"`
	RetryCount        int           `yaml:"retry_count"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxConcurrent     int           `yaml:"max_concurrent"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
}

// Rule maps one task type to a primary provider and an ordered fallback
// chain, with request defaults. Immutable after process start.
type Rule struct {
	Task           string   `yaml:"task"`
	Primary        string   `yaml:"primary"`
	Fallbacks      []string `yaml:"fallbacks"`
	Temperature    *float64 `yaml:"temperature,omitempty"`
	MaxTokens      int64    `yaml:"max_tokens,omitempty"`
	ResponseFormat string   `yaml:"response_format,omitempty"`
}

// Chain returns the full ordered provider list: primary first, then fallbacks.
func (r Rule) Chain() []string {
	chain := make([]string, 0, 1+len(r.Fallbacks))
	chain = append(chain, r.Primary)
	chain = append(chain, r.Fallbacks...)
	return chain
}

// Config is the top-level routing configuration.
type Config struct {
	Providers []ProviderConfig `yaml:"providers"`
	Tasks     []Rule           `yaml:"tasks"`
}

// LoadConfig reads routing config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "router: read config %s", path)
	}

	// The YAML has a top-level "routing" key.
	var wrapper struct {
		Routing Config `yaml:"routing"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "router: parse config")
	}

	cfg := &wrapper.Routing
	for i := range cfg.Providers {
		cfg.Providers[i] = applyProviderDefaults(cfg.Providers[i])
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyProviderDefaults(pc ProviderConfig) ProviderConfig {
	if pc.RetryCount < 0 {
		pc.RetryCount = 0
	}
	if pc.RetryDelay <= 0 {
		pc.RetryDelay = time.Second
	}
	if pc.Timeout <= 0 {
		pc.Timeout = 90 * time.Second
	}
	if pc.MaxConcurrent <= 0 {
		pc.MaxConcurrent = 4
	}
	if pc.RequestsPerMinute <= 0 {
		pc.RequestsPerMinute = 60
	}
	if pc.MaxTokens <= 0 {
		pc.MaxTokens = 8192
	}
	return pc
}

func (c *Config) validate() error {
	known := make(map[string]bool, len(c.Providers))
	for _, pc := range c.Providers {
		if pc.Name == "" {
			return eris.New("router: provider with empty name")
		}
		if known[pc.Name] {
			return eris.Errorf("router: duplicate provider %s", pc.Name)
		}
		known[pc.Name] = true
	}
	for _, rule := range c.Tasks {
		if rule.Task == "" {
			return eris.New("router: rule with empty task")
		}
		for _, name := range rule.Chain() {
			if !known[name] {
				return eris.Errorf("router: task %s references unknown provider %s", rule.Task, name)
			}
		}
	}
	return nil
}
