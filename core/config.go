package core

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full engine configuration. Values are resolved in
// priority order: defaults < YAML file < environment < explicit options.
type Config struct {
	ServiceName string `yaml:"service_name"`

	HTTP struct {
		Port int `yaml:"port"`
	} `yaml:"http"`

	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`

	LLM struct {
		APIKey            string        `yaml:"api_key"`
		BaseURL           string        `yaml:"base_url"`
		Model             string        `yaml:"model"`
		FallbackModel     string        `yaml:"fallback_model"`
		MaxRetries        int           `yaml:"max_retries"`
		RetryDelay        time.Duration `yaml:"retry_delay"`
		FallbackThreshold int           `yaml:"fallback_threshold"`
		Timeout           time.Duration `yaml:"timeout"`
	} `yaml:"llm"`

	Engine struct {
		Workers       int           `yaml:"workers"`
		StepRetries   int           `yaml:"step_retries"`
		RetryDelay    time.Duration `yaml:"retry_delay"`
		ToolTimeout   time.Duration `yaml:"tool_timeout"`
		QueueCapacity int           `yaml:"queue_capacity"`
	} `yaml:"engine"`

	Tools []ToolConfig `yaml:"tools"`
}

// ToolConfig declares one external HTTP tool available to workflows.
type ToolConfig struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Endpoint    string            `yaml:"endpoint"`
	Optional    bool              `yaml:"optional"`
	Parameters  []ToolParamConfig `yaml:"parameters"`
}

// ToolParamConfig declares one parameter of an external tool.
type ToolParamConfig struct {
	Name      string   `yaml:"name"`
	Type      string   `yaml:"type"`
	Required  bool     `yaml:"required"`
	Enum      []string `yaml:"enum,omitempty"`
	Pattern   string   `yaml:"pattern,omitempty"`
	MinLength *int     `yaml:"min_length,omitempty"`
	MaxLength *int     `yaml:"max_length,omitempty"`
	Minimum   *float64 `yaml:"minimum,omitempty"`
	Maximum   *float64 `yaml:"maximum,omitempty"`
}

// Option mutates a Config during construction.
type Option func(*Config)

// WithServiceName overrides the service name.
func WithServiceName(name string) Option {
	return func(c *Config) { c.ServiceName = name }
}

// WithHTTPPort overrides the listen port.
func WithHTTPPort(port int) Option {
	return func(c *Config) { c.HTTP.Port = port }
}

// WithRedisURL overrides the Redis connection URL.
func WithRedisURL(url string) Option {
	return func(c *Config) { c.Redis.URL = url }
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	c := &Config{ServiceName: "jobflow"}
	c.HTTP.Port = 8080
	c.Redis.URL = "redis://localhost:6379"
	c.LLM.BaseURL = "https://api.openai.com/v1"
	c.LLM.Model = "gpt-4o"
	c.LLM.FallbackModel = "gpt-4o-mini"
	c.LLM.MaxRetries = 5
	c.LLM.RetryDelay = 60 * time.Second
	c.LLM.FallbackThreshold = 3
	c.LLM.Timeout = 120 * time.Second
	c.Engine.Workers = 8
	c.Engine.StepRetries = 2
	c.Engine.RetryDelay = 2 * time.Second
	c.Engine.ToolTimeout = 30 * time.Second
	c.Engine.QueueCapacity = 256
	return c
}

// NewConfig builds a Config from defaults, an optional YAML file named by
// JOBFLOW_CONFIG, environment variables, and explicit options.
func NewConfig(opts ...Option) (*Config, error) {
	c := DefaultConfig()

	if path := os.Getenv("JOBFLOW_CONFIG"); path != "" {
		if err := c.loadFile(path); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	c.applyEnv()

	for _, opt := range opts {
		opt(c)
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) applyEnv() {
	if v := os.Getenv("JOBFLOW_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.HTTP.Port = port
		}
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("JOBFLOW_LLM_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("JOBFLOW_LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("JOBFLOW_LLM_FALLBACK_MODEL"); v != "" {
		c.LLM.FallbackModel = v
	}
	if v := os.Getenv("JOBFLOW_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Engine.Workers = n
		}
	}
}

func (c *Config) validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("%w: http port %d out of range", ErrInvalidConfiguration, c.HTTP.Port)
	}
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("%w: worker count must be positive", ErrInvalidConfiguration)
	}
	if c.LLM.MaxRetries < 0 || c.LLM.MaxRetries > 50 {
		return fmt.Errorf("%w: llm max_retries must be within [0,50]", ErrInvalidConfiguration)
	}
	return nil
}
