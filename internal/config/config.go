// Package config handles Roundtable configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/nugget/roundtable/internal/llm"
	"github.com/nugget/roundtable/internal/memory"
	"github.com/nugget/roundtable/internal/persona"
	"github.com/nugget/roundtable/internal/scheduler"
	"github.com/nugget/roundtable/internal/upload"
	"github.com/nugget/roundtable/internal/usage"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ROUNDTABLE_"

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/roundtable/config.yaml, /etc/roundtable/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "roundtable", "config.yaml"))
	}

	paths = append(paths, "/etc/roundtable/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Roundtable configuration.
type Config struct {
	Listen ListenConfig `yaml:"listen"`
	LLM    LLMConfig    `yaml:"llm"`

	Personas []persona.Persona `yaml:"personas"`
	// DefaultPersonas reply to user turns that mention nobody.
	DefaultPersonas []string `yaml:"default_personas"`

	Scheduler scheduler.Config         `yaml:"scheduler"`
	Memory    MemoryConfig             `yaml:"memory"`
	Uploads   UploadsConfig            `yaml:"uploads"`
	Tools     ToolsConfig              `yaml:"tools"`
	Pricing   map[string]usage.Pricing `yaml:"pricing"`
	MQTT      MQTTConfig               `yaml:"mqtt"`

	DataDir   string `yaml:"data_dir" env:"DATA_DIR"`
	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"` // text or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address" env:"LISTEN_ADDRESS"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port" env:"PORT"`
}

// LLMConfig defines the completion service connection.
type LLMConfig struct {
	BaseURL string `yaml:"base_url" env:"LLM_BASE_URL"`
	APIKey  string `yaml:"api_key" env:"API_KEY"`
	// DefaultModel serves personas that name no model.
	DefaultModel string `yaml:"default_model" env:"DEFAULT_MODEL"`
	// SummaryModel writes memory summaries. Defaults to DefaultModel.
	SummaryModel    string `yaml:"summary_model" env:"SUMMARY_MODEL"`
	MaxOutputTokens int    `yaml:"max_output_tokens" env:"MAX_OUTPUT_TOKENS"`
	IncludeThoughts bool   `yaml:"include_thoughts" env:"INCLUDE_THOUGHTS"`
}

// MemoryConfig defines memory compression.
type MemoryConfig struct {
	memory.Config `yaml:",inline"`
	// Disabled sends raw history with no summaries.
	Disabled bool `yaml:"disabled" env:"MEMORY_DISABLED"`
}

// UploadsConfig defines attachment handle tracking.
type UploadsConfig struct {
	// TTL is how long the file service keeps an upload.
	TTL time.Duration `yaml:"ttl"`
	// TrackerSize bounds the number of remembered handles.
	TrackerSize int `yaml:"tracker_size"`
}

// ToolsConfig selects the builtin tools offered to personas.
type ToolsConfig struct {
	WebFetch bool         `yaml:"web_fetch" env:"TOOLS_WEB_FETCH"`
	Timezone string       `yaml:"timezone" env:"TZ_NAME"` // IANA zone for current_time
	Search   SearchConfig `yaml:"search"`
}

// SearchConfig defines the web_search tool. The tool is offered when at
// least one provider is configured.
type SearchConfig struct {
	// Default names the provider used when a query does not pick one:
	// "searxng" or "brave". Empty means the first configured.
	Default     string `yaml:"default" env:"SEARCH_DEFAULT"`
	SearXNGURL  string `yaml:"searxng_url" env:"SEARXNG_URL"`
	BraveAPIKey string `yaml:"brave_api_key" env:"BRAVE_API_KEY"`
}

// Configured reports whether any search provider is set.
func (c SearchConfig) Configured() bool {
	return c.SearXNGURL != "" || c.BraveAPIKey != ""
}

// MQTTConfig defines the MQTT status publisher. Publishing is enabled
// only when Broker and DeviceName are both set.
type MQTTConfig struct {
	Broker             string `yaml:"broker" env:"MQTT_BROKER"` // mqtt://host:1883 or mqtts://
	Username           string `yaml:"username" env:"MQTT_USERNAME"`
	Password           string `yaml:"password" env:"MQTT_PASSWORD"`
	DeviceName         string `yaml:"device_name" env:"MQTT_DEVICE_NAME"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval"`
	// AskConversation receives user turns published to the ask topic.
	// Empty disables the inbound subscription.
	AskConversation string `yaml:"ask_conversation"`
	// AskRateLimit caps inbound ask messages per minute.
	AskRateLimit int `yaml:"ask_rate_limit"`
}

// Configured reports whether MQTT publishing should start.
func (c MQTTConfig) Configured() bool {
	return c.Broker != "" && c.DeviceName != ""
}

// LoadDotEnv loads each .env file that exists into the environment.
// Variables already set in the environment win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads configuration from a YAML file. A .env file beside the
// config (or in the working directory) is loaded first so ${VAR}
// references and ROUNDTABLE_* overrides can come from it.
func Load(path string) (*Config, error) {
	if err := LoadDotEnv(".env", filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env overrides: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a configuration with every default applied and no
// personas.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = llm.DefaultBaseURL
	}
	if c.LLM.DefaultModel == "" {
		c.LLM.DefaultModel = "gemini-2.5-flash"
	}
	if c.LLM.SummaryModel == "" {
		c.LLM.SummaryModel = c.LLM.DefaultModel
	}

	if c.Scheduler.MaxConcurrent == 0 {
		c.Scheduler.MaxConcurrent = scheduler.DefaultMaxConcurrent
	}
	if c.Scheduler.MaxMentionDepth == 0 {
		c.Scheduler.MaxMentionDepth = scheduler.DefaultMaxMentionDepth
	}

	d := memory.DefaultConfig()
	if c.Memory.TokenThreshold == 0 {
		c.Memory.TokenThreshold = d.TokenThreshold
	}
	if c.Memory.KeepRecent == 0 {
		c.Memory.KeepRecent = d.KeepRecent
	}
	if c.Memory.MinBatch == 0 {
		c.Memory.MinBatch = d.MinBatch
	}
	if c.Memory.Timeout == 0 {
		c.Memory.Timeout = d.Timeout
	}

	if c.Uploads.TTL == 0 {
		c.Uploads.TTL = upload.DefaultTTL
	}
	if c.Uploads.TrackerSize == 0 {
		c.Uploads.TrackerSize = upload.DefaultTrackerSize
	}

	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.PublishIntervalSec == 0 {
		c.MQTT.PublishIntervalSec = 60
	}
	if c.MQTT.AskRateLimit == 0 {
		c.MQTT.AskRateLimit = 30
	}

	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate checks the configuration for errors that would prevent
// startup. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.LLM.APIKey) == "" {
		errs = append(errs, errors.New("llm.api_key is required (or set "+EnvPrefix+"API_KEY)"))
	}
	if len(c.Personas) == 0 {
		errs = append(errs, errors.New("at least one persona is required"))
	} else if reg, err := persona.NewRegistry(c.Personas); err != nil {
		errs = append(errs, err)
	} else {
		for _, name := range c.DefaultPersonas {
			if _, ok := reg.Get(name); !ok {
				errs = append(errs, fmt.Errorf("default persona %q is not configured", name))
			}
		}
	}

	if c.Scheduler.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("scheduler.max_concurrent must be at least 1, got %d", c.Scheduler.MaxConcurrent))
	}
	if c.Memory.MinBatch < 1 || c.Memory.KeepRecent < 1 {
		errs = append(errs, errors.New("memory.keep_recent and memory.min_batch must be positive"))
	}
	if c.Memory.MaxAge < 0 {
		errs = append(errs, errors.New("memory.max_age must not be negative"))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	if c.Tools.Timezone != "" {
		if _, err := time.LoadLocation(c.Tools.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("tools.timezone: %w", err))
		}
	}
	switch c.Tools.Search.Default {
	case "":
	case "searxng":
		if c.Tools.Search.SearXNGURL == "" {
			errs = append(errs, errors.New("tools.search.searxng_url is required when searxng is the default"))
		}
	case "brave":
		if c.Tools.Search.BraveAPIKey == "" {
			errs = append(errs, errors.New("tools.search.brave_api_key is required when brave is the default"))
		}
	default:
		errs = append(errs, fmt.Errorf("tools.search.default: unknown provider %q (valid: searxng, brave)", c.Tools.Search.Default))
	}
	if c.MQTT.Broker != "" && c.MQTT.DeviceName == "" {
		errs = append(errs, errors.New("mqtt.device_name is required when mqtt.broker is set"))
	}

	return errors.Join(errs...)
}

// Registry builds the persona registry. Call after Validate.
func (c *Config) Registry() (*persona.Registry, error) {
	return persona.NewRegistry(c.Personas)
}

// Addr returns the API listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Listen.Address, c.Listen.Port)
}

// Path returns a file path inside DataDir.
func (c *Config) Path(name string) string {
	return filepath.Join(c.DataDir, name)
}
