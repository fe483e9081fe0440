package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/zen-systems/flowroute/pkg/complexity"
	"github.com/zen-systems/flowroute/pkg/logging"
	"github.com/zen-systems/flowroute/pkg/ratelimit"
	"github.com/zen-systems/flowroute/pkg/registry"
	"github.com/zen-systems/flowroute/pkg/task"
)

// Config holds the application configuration.
type Config struct {
	Providers  []ProviderConfig `yaml:"providers"`
	RateLimits RateLimitConfig  `yaml:"rate_limits"`
	Cache      CacheConfig      `yaml:"cache"`
	Router     RouterConfig     `yaml:"router"`
	Pricing    PricingConfig    `yaml:"pricing"`
	Health     HealthConfig     `yaml:"health"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Executor   ExecutorConfig   `yaml:"executor"`
	Storage    StorageConfig    `yaml:"storage"`
	Redis      RedisConfig      `yaml:"redis"`
	Server     ServerConfig     `yaml:"server"`
	Logging    logging.Config   `yaml:"logging"`

	// API keys are read from the environment only.
	AnthropicAPIKey string `yaml:"-"`
	OpenAIAPIKey    string `yaml:"-"`
	GoogleAPIKey    string `yaml:"-"`
	DeepSeekAPIKey  string `yaml:"-"`

	ConfigDir string        `yaml:"-"`
	Aliases   *ModelAliases `yaml:"-"`
}

// ProviderConfig describes one routable provider.
type ProviderConfig struct {
	ID          string        `yaml:"id"`
	Adapter     string        `yaml:"adapter"`
	Model       string        `yaml:"model"`
	TaskTypes   []string      `yaml:"task_types"`
	Capability  string        `yaml:"capability"`
	CostPerUnit float64       `yaml:"cost_per_unit"`
	Timeout     time.Duration `yaml:"timeout"`
}

// RateLimitConfig sets per-tier request ceilings.
type RateLimitConfig struct {
	Backend       string        `yaml:"backend"` // memory or redis
	Window        time.Duration `yaml:"window"`
	Anonymous     int           `yaml:"anonymous"`
	Authenticated int           `yaml:"authenticated"`
	Premium       int           `yaml:"premium"`
	FailClosed    bool          `yaml:"fail_closed"`
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	Backend           string        `yaml:"backend"` // memory or redis
	TTL               time.Duration `yaml:"ttl"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	TemperatureBucket float64       `yaml:"temperature_bucket"`
}

// RouterConfig controls dispatch and fallback.
type RouterConfig struct {
	MaxCandidates   int           `yaml:"max_candidates"`
	DefaultTimeout  time.Duration `yaml:"default_timeout"`
	RecordCacheHits *bool         `yaml:"record_cache_hits"`
	Workers         int           `yaml:"workers"`
	QueueSize       int           `yaml:"queue_size"`
}

// PricingConfig is the initial pricing snapshot.
type PricingConfig struct {
	Version       string             `yaml:"version"`
	MarkupPercent float64            `yaml:"markup_percent"`
	BudgetTiers   map[string]float64 `yaml:"budget_tiers"`
}

// HealthConfig mirrors registry.Policy.
type HealthConfig struct {
	ConsecutiveFailures int     `yaml:"consecutive_failures"`
	Window              int     `yaml:"window"`
	MinSamples          int     `yaml:"min_samples"`
	ExhaustedBelow      float64 `yaml:"exhausted_below"`
}

// SchedulerConfig controls the trigger loop.
type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Workflows    []string      `yaml:"workflows"` // files or globs
}

// ExecutorConfig controls workflow runs.
type ExecutorConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent"`
	StepTimeout   time.Duration `yaml:"step_timeout"`
}

// StorageConfig selects the persistence driver.
type StorageConfig struct {
	Driver string `yaml:"driver"` // memory, sqlite or postgres
	DSN    string `yaml:"dsn"`
}

// RedisConfig locates the shared redis instance.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{Providers: DefaultProviders()}
	cfg.applyDefaults()
	return cfg
}

// DefaultProviders is the catalog used when the config file lists none.
func DefaultProviders() []ProviderConfig {
	return []ProviderConfig{
		{ID: "deepseek-chat", Adapter: "deepseek", Model: "cheap", Capability: "medium", CostPerUnit: 0.0011},
		{ID: "gemini-flash", Adapter: "google", Model: "fast", Capability: "medium", CostPerUnit: 0.0025},
		{ID: "gpt-4o-mini", Adapter: "openai", Model: "gpt-4o-mini", Capability: "low", CostPerUnit: 0.0006},
		{ID: "deepseek-reasoner", Adapter: "deepseek", Model: "reason", Capability: "high", CostPerUnit: 0.0022,
			TaskTypes: []string{"code", "analysis", "reasoning"}},
		{ID: "claude-sonnet", Adapter: "anthropic", Model: "quality", Capability: "high", CostPerUnit: 0.015},
		{ID: "gpt-4.1", Adapter: "openai", Model: "gpt-4.1", Capability: "high", CostPerUnit: 0.008},
	}
}

// Load reads .env, then ~/.flowroute/config.yaml if present, then applies
// environment overrides.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config path. An empty path uses the
// default location, which may be absent.
func LoadFile(path string) (*Config, error) {
	loadDotEnv()

	configDir, err := getConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config directory: %w", err)
	}

	explicit := path != ""
	if !explicit {
		path = filepath.Join(configDir, "config.yaml")
	}

	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case explicit || !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if len(cfg.Providers) == 0 {
		cfg.Providers = DefaultProviders()
	}
	cfg.ConfigDir = configDir
	cfg.applyEnv()
	cfg.applyDefaults()

	aliases, err := LoadAliases(filepath.Join(configDir, "models.yaml"))
	if err != nil {
		return nil, fmt.Errorf("failed to load model aliases: %w", err)
	}
	if len(aliases.Aliases) == 0 {
		aliases = DefaultAliases()
	}
	cfg.Aliases = aliases

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDotEnv loads the first .env found. Existing environment variables
// win over file values.
func loadDotEnv() {
	for _, p := range []string{".env", "../.env"} {
		if err := godotenv.Load(p); err == nil {
			return
		}
	}
}

func (c *Config) applyEnv() {
	c.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	c.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	c.GoogleAPIKey = os.Getenv("GOOGLE_API_KEY")
	c.DeepSeekAPIKey = os.Getenv("DEEPSEEK_API_KEY")

	c.Redis.URL = getEnvOrDefault("REDIS_URL", c.Redis.URL)
	c.Storage.DSN = getEnvOrDefault("DATABASE_URL", c.Storage.DSN)
	c.Storage.Driver = getEnvOrDefault("FLOWROUTE_STORAGE", c.Storage.Driver)
	c.Server.Addr = getEnvOrDefault("FLOWROUTE_ADDR", c.Server.Addr)
	c.Logging.Level = getEnvOrDefault("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnvOrDefault("LOG_FORMAT", c.Logging.Format)
}

// applyDefaults fills every unset field.
func (c *Config) applyDefaults() {
	if c.RateLimits.Backend == "" {
		c.RateLimits.Backend = "memory"
	}
	def := ratelimit.DefaultConfig()
	if c.RateLimits.Window == 0 {
		c.RateLimits.Window = def.Window
	}
	if c.RateLimits.Anonymous == 0 {
		c.RateLimits.Anonymous = def.Limits[task.TierAnonymous]
	}
	if c.RateLimits.Authenticated == 0 {
		c.RateLimits.Authenticated = def.Limits[task.TierAuthenticated]
	}
	if c.RateLimits.Premium == 0 {
		c.RateLimits.Premium = def.Limits[task.TierPremium]
	}

	if c.Cache.Backend == "" {
		c.Cache.Backend = "memory"
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = time.Hour
	}
	if c.Cache.SweepInterval == 0 {
		c.Cache.SweepInterval = 5 * time.Minute
	}
	if c.Cache.TemperatureBucket == 0 {
		c.Cache.TemperatureBucket = 0.1
	}

	if c.Router.MaxCandidates == 0 {
		c.Router.MaxCandidates = 3
	}
	if c.Router.DefaultTimeout == 0 {
		c.Router.DefaultTimeout = 30 * time.Second
	}
	if c.Router.RecordCacheHits == nil {
		enabled := true
		c.Router.RecordCacheHits = &enabled
	}
	if c.Router.Workers == 0 {
		c.Router.Workers = 8
	}
	if c.Router.QueueSize == 0 {
		c.Router.QueueSize = 64
	}

	if c.Pricing.Version == "" {
		c.Pricing.Version = "v1"
	}
	if c.Pricing.BudgetTiers == nil {
		c.Pricing.BudgetTiers = map[string]float64{
			"economy":   0.003,
			"standard":  0.01,
			"unlimited": 0,
		}
	}

	policy := registry.DefaultPolicy()
	if c.Health.ConsecutiveFailures == 0 {
		c.Health.ConsecutiveFailures = policy.ConsecutiveFailures
	}
	if c.Health.Window == 0 {
		c.Health.Window = policy.Window
	}
	if c.Health.MinSamples == 0 {
		c.Health.MinSamples = policy.MinSamples
	}
	if c.Health.ExhaustedBelow == 0 {
		c.Health.ExhaustedBelow = policy.ExhaustedBelow
	}

	if c.Scheduler.PollInterval == 0 {
		c.Scheduler.PollInterval = 60 * time.Second
	}

	if c.Executor.MaxConcurrent == 0 {
		c.Executor.MaxConcurrent = 16
	}
	if c.Executor.StepTimeout == 0 {
		c.Executor.StepTimeout = 2 * time.Minute
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var problems []string
	seen := make(map[string]bool)
	for i, p := range c.Providers {
		switch {
		case p.ID == "":
			problems = append(problems, fmt.Sprintf("providers[%d]: id is required", i))
		case seen[p.ID]:
			problems = append(problems, fmt.Sprintf("providers[%d]: duplicate id %q", i, p.ID))
		}
		seen[p.ID] = true
		if p.Adapter == "" {
			problems = append(problems, fmt.Sprintf("provider %q: adapter is required", p.ID))
		}
		if p.CostPerUnit < 0 {
			problems = append(problems, fmt.Sprintf("provider %q: cost_per_unit must not be negative", p.ID))
		}
		if _, err := complexity.ParseTier(p.Capability); err != nil {
			problems = append(problems, fmt.Sprintf("provider %q: %v", p.ID, err))
		}
	}
	if c.Router.MaxCandidates < 1 {
		problems = append(problems, "router.max_candidates must be at least 1")
	}
	if c.Pricing.MarkupPercent < 0 {
		problems = append(problems, "pricing.markup_percent must not be negative")
	}
	for name, ceiling := range c.Pricing.BudgetTiers {
		if ceiling < 0 {
			problems = append(problems, fmt.Sprintf("pricing.budget_tiers.%s must not be negative", name))
		}
	}
	switch c.Storage.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Storage.DSN == "" {
			problems = append(problems, fmt.Sprintf("storage.dsn is required for driver %s", c.Storage.Driver))
		}
	default:
		problems = append(problems, fmt.Sprintf("storage.driver %q is not one of memory, sqlite, postgres", c.Storage.Driver))
	}
	for _, backend := range []struct{ name, value string }{
		{"cache.backend", c.Cache.Backend},
		{"rate_limits.backend", c.RateLimits.Backend},
	} {
		switch backend.value {
		case "memory":
		case "redis":
			if c.Redis.URL == "" {
				problems = append(problems, fmt.Sprintf("%s is redis but redis.url is empty", backend.name))
			}
		default:
			problems = append(problems, fmt.Sprintf("%s %q is not one of memory, redis", backend.name, backend.value))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Descriptors converts provider entries to registry descriptors, resolving
// model aliases.
func (c *Config) Descriptors() ([]registry.Descriptor, error) {
	descs := make([]registry.Descriptor, 0, len(c.Providers))
	for _, p := range c.Providers {
		tier, err := complexity.ParseTier(p.Capability)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", p.ID, err)
		}
		var types []task.Type
		for _, t := range p.TaskTypes {
			types = append(types, task.ParseType(t))
		}
		timeout := p.Timeout
		if timeout == 0 {
			timeout = c.Router.DefaultTimeout
		}
		descs = append(descs, registry.Descriptor{
			ID:          p.ID,
			Adapter:     p.Adapter,
			Model:       c.Aliases.Resolve(p.Model),
			TaskTypes:   types,
			Capability:  tier,
			CostPerUnit: p.CostPerUnit,
			Timeout:     timeout,
		})
	}
	return descs, nil
}

// RegistryPolicy returns the configured health thresholds.
func (c *Config) RegistryPolicy() registry.Policy {
	return registry.Policy{
		ConsecutiveFailures: c.Health.ConsecutiveFailures,
		Window:              c.Health.Window,
		MinSamples:          c.Health.MinSamples,
		ExhaustedBelow:      c.Health.ExhaustedBelow,
	}
}

// LimiterConfig returns the configured tier ceilings.
func (c *Config) LimiterConfig() ratelimit.Config {
	return ratelimit.Config{
		Window: c.RateLimits.Window,
		Limits: map[task.CallerTier]int{
			task.TierAnonymous:     c.RateLimits.Anonymous,
			task.TierAuthenticated: c.RateLimits.Authenticated,
			task.TierPremium:       c.RateLimits.Premium,
		},
		FailClosed: c.RateLimits.FailClosed,
	}
}

// HasAdapter returns true if the API key for the given adapter is configured.
func (c *Config) HasAdapter(name string) bool {
	switch name {
	case "anthropic":
		return c.AnthropicAPIKey != ""
	case "openai":
		return c.OpenAIAPIKey != ""
	case "google":
		return c.GoogleAPIKey != ""
	case "deepseek":
		return c.DeepSeekAPIKey != ""
	case "mock":
		return true
	default:
		return false
	}
}

// getEnvOrDefault returns the environment variable value if set,
// otherwise returns the default value.
func getEnvOrDefault(envVar, defaultValue string) string {
	if val := os.Getenv(envVar); val != "" {
		return val
	}
	return defaultValue
}

func getConfigDir() (string, error) {
	if dir := os.Getenv("FLOWROUTE_CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".flowroute"), nil
}
