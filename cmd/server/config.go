package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/MegaGrindStone/chat-explorer/internal/services"
	"gopkg.in/yaml.v3"
)

type providerConfig interface {
	route(systemPrompt string, logger *slog.Logger) (services.Route, error)
}

// BaseProviderConfig contains the common fields for all provider configurations. A provider serves the models
// it lists, every model starting with its prefix, or, when it is the default, every model no other provider
// claims.
type BaseProviderConfig struct {
	Provider string   `yaml:"provider"`
	Name     string   `yaml:"name"`
	Models   []string `yaml:"models"`
	Prefix   string   `yaml:"prefix"`
	Default  bool     `yaml:"default"`
}

type config struct {
	Port          string              `yaml:"port"`
	LogLevel      string              `yaml:"logLevel"`
	SystemPrompt  string              `yaml:"systemPrompt"`
	DefaultModel  string              `yaml:"defaultModel"`
	Store         storeConfig         `yaml:"store"`
	Send          sendConfig          `yaml:"send"`
	Notifications notificationsConfig `yaml:"notifications"`
	Providers     []providerConfig    `yaml:"providers"`
}

type storeConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	Key    string `yaml:"key"`
}

type sendConfig struct {
	MaxAttempts   int           `yaml:"maxAttempts"`
	Backoff       time.Duration `yaml:"backoff"`
	FlushInterval time.Duration `yaml:"flushInterval"`
}

type notificationsConfig struct {
	Duration time.Duration `yaml:"duration"`
}

type anthropicConfig struct {
	BaseProviderConfig `yaml:",inline"`
	APIKey             string `yaml:"apiKey"`
	Endpoint           string `yaml:"endpoint"`
	MaxTokens          int    `yaml:"maxTokens"`
}

type openAIConfig struct {
	BaseProviderConfig `yaml:",inline"`
	APIKey             string                 `yaml:"apiKey"`
	BaseURL            string                 `yaml:"baseURL"`
	Parameters         services.LLMParameters `yaml:"parameters"`
}

type openRouterConfig struct {
	BaseProviderConfig `yaml:",inline"`
	APIKey             string `yaml:"apiKey"`
	Endpoint           string `yaml:"endpoint"`
}

type ollamaConfig struct {
	BaseProviderConfig `yaml:",inline"`
	Host               string `yaml:"host"`
}

const (
	defaultPort       = "8080"
	defaultMaxTokens  = 4096
	configDirName     = "chat-explorer"
	configFileName    = "config.yaml"
	storeDriverBolt   = "bolt"
	storeDriverSQLite = "sqlite"
)

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port          string              `yaml:"port"`
		LogLevel      string              `yaml:"logLevel"`
		SystemPrompt  string              `yaml:"systemPrompt"`
		DefaultModel  string              `yaml:"defaultModel"`
		Store         storeConfig         `yaml:"store"`
		Send          sendConfig          `yaml:"send"`
		Notifications notificationsConfig `yaml:"notifications"`
		Providers     []map[string]any    `yaml:"providers"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.LogLevel = rawConfig.LogLevel
	c.SystemPrompt = rawConfig.SystemPrompt
	c.DefaultModel = rawConfig.DefaultModel
	c.Store = rawConfig.Store
	c.Send = rawConfig.Send
	c.Notifications = rawConfig.Notifications

	c.Providers = make([]providerConfig, 0, len(rawConfig.Providers))
	for i, raw := range rawConfig.Providers {
		provider, ok := raw["provider"].(string)
		if !ok {
			return fmt.Errorf("providers[%d]: provider is required", i)
		}

		rawYAML, err := yaml.Marshal(raw)
		if err != nil {
			return err
		}

		var p providerConfig
		switch provider {
		case "anthropic":
			p = &anthropicConfig{}
		case "openai":
			p = &openAIConfig{}
		case "openrouter":
			p = &openRouterConfig{}
		case "ollama":
			p = &ollamaConfig{}
		default:
			return fmt.Errorf("providers[%d]: unknown provider: %s", i, provider)
		}

		if err := yaml.Unmarshal(rawYAML, p); err != nil {
			return fmt.Errorf("providers[%d]: %w", i, err)
		}
		c.Providers = append(c.Providers, p)
	}

	return nil
}

// loadConfig reads the config file at path. An empty path selects the file in the user config directory; a
// missing default file yields the defaults. It returns the config and the directory relative paths resolve
// against.
func loadConfig(path string) (config, string, error) {
	explicit := path != ""
	if !explicit {
		cfgDir, err := os.UserConfigDir()
		if err != nil {
			return config{}, "", fmt.Errorf("error getting user config dir: %w", err)
		}
		path = filepath.Join(cfgDir, configDirName, configFileName)
	}
	dir := filepath.Dir(path)

	cfg := config{}
	cfgFile, err := os.Open(path)
	switch {
	case err == nil:
		defer cfgFile.Close()
		if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil {
			return config{}, "", fmt.Errorf("error decoding config file: %w", err)
		}
	case os.IsNotExist(err) && !explicit:
	default:
		return config{}, "", fmt.Errorf("error opening config file: %w", err)
	}

	return cfg.withDefaults(), dir, nil
}

func (c config) withDefaults() config {
	if c.Port == "" {
		c.Port = defaultPort
	}
	if c.Store.Driver == "" {
		c.Store.Driver = storeDriverBolt
	}
	return c
}

func (c config) logLevel() (slog.Level, error) {
	var level slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// storePath returns the database file of the configured driver, resolved against dir.
func (s storeConfig) storePath(dir string) (string, error) {
	path := s.Path
	if path == "" {
		switch s.Driver {
		case storeDriverBolt:
			path = "store.db"
		case storeDriverSQLite:
			path = "store.sqlite"
		default:
			return "", fmt.Errorf("unknown store driver: %s", s.Driver)
		}
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	return path, nil
}

func (c config) routes(logger *slog.Logger) ([]services.Route, error) {
	routes := make([]services.Route, 0, len(c.Providers))
	for i, p := range c.Providers {
		r, err := p.route(c.SystemPrompt, logger)
		if err != nil {
			return nil, fmt.Errorf("providers[%d]: %w", i, err)
		}
		routes = append(routes, r)
	}
	return routes, nil
}

func (b BaseProviderConfig) baseRoute() (services.Route, error) {
	if len(b.Models) == 0 && b.Prefix == "" && !b.Default {
		return services.Route{}, fmt.Errorf("%s provider serves no models: set models, prefix or default", b.Provider)
	}
	name := b.Name
	if name == "" {
		name = b.Provider
	}
	return services.Route{
		Name:    name,
		Models:  b.Models,
		Prefix:  b.Prefix,
		Default: b.Default,
	}, nil
}

func (a anthropicConfig) route(systemPrompt string, logger *slog.Logger) (services.Route, error) {
	r, err := a.baseRoute()
	if err != nil {
		return services.Route{}, err
	}

	apiKey := a.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return services.Route{}, fmt.Errorf("anthropic api key is required")
	}
	maxTokens := a.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	r.Streamer = services.NewAnthropic(apiKey, a.Endpoint, systemPrompt, maxTokens, logger)
	return r, nil
}

func (o openAIConfig) route(systemPrompt string, logger *slog.Logger) (services.Route, error) {
	r, err := o.baseRoute()
	if err != nil {
		return services.Route{}, err
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	// OpenAI-compatible servers may not need a key.
	if apiKey == "" && o.BaseURL == "" {
		return services.Route{}, fmt.Errorf("openai api key is required")
	}

	r.Streamer = services.NewOpenAI(apiKey, o.BaseURL, systemPrompt, o.Parameters, logger)
	return r, nil
}

func (o openRouterConfig) route(systemPrompt string, logger *slog.Logger) (services.Route, error) {
	r, err := o.baseRoute()
	if err != nil {
		return services.Route{}, err
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENROUTER_API_KEY")
	}
	if apiKey == "" {
		return services.Route{}, fmt.Errorf("openrouter api key is required")
	}

	r.Streamer = services.NewOpenRouter(apiKey, o.Endpoint, systemPrompt, logger)
	return r, nil
}

func (o ollamaConfig) route(systemPrompt string, logger *slog.Logger) (services.Route, error) {
	r, err := o.baseRoute()
	if err != nil {
		return services.Route{}, err
	}

	// An empty host falls back to OLLAMA_HOST inside the client.
	ollama, err := services.NewOllama(o.Host, systemPrompt, logger)
	if err != nil {
		return services.Route{}, err
	}

	r.Streamer = ollama
	return r, nil
}
