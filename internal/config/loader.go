package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. DEEPRESEARCH_LLM_MODEL.
const EnvPrefix = "DEEPRESEARCH"

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v          *viper.Viper
	configFile string
	envFile    string
	envPrefix  string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return NewLoaderWithViper(viper.New())
}

// NewLoaderWithViper creates a loader using an existing viper instance.
// This allows integration with CLI flag bindings.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{
		v:         v,
		envFile:   ".env",
		envPrefix: EnvPrefix,
	}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// WithEnvFile sets the dotenv file read before the environment. Empty
// disables it.
func (l *Loader) WithEnvFile(path string) *Loader {
	l.envFile = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads configuration from all sources.
// Precedence (highest to lowest):
// 1. CLI flags (set via viper.BindPFlag)
// 2. Environment variables (DEEPRESEARCH_*), including those from .env
// 3. Project config (.deepresearch.yaml in current directory)
// 4. User config (~/.config/deepresearch/.deepresearch.yaml)
// 5. Defaults
func (l *Loader) Load() (*Config, error) {
	if l.envFile != "" {
		// Variables already set in the process win over the file.
		if err := godotenv.Load(l.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", l.envFile, err)
		}
	}

	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName(".deepresearch")
		l.v.SetConfigType("yaml")

		// First found wins: project config before user config.
		l.v.AddConfigPath(".")
		if dir, err := UserConfigDir(); err == nil {
			l.v.AddConfigPath(dir)
		}
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	applyProviderKeys(&cfg)

	return &cfg, nil
}

// applyProviderKeys falls back to the providers' conventional variables
// when no key was configured.
func applyProviderKeys(cfg *Config) {
	if cfg.LLM.APIKey == "" {
		switch strings.ToLower(cfg.LLM.Provider) {
		case "openai":
			cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
		default:
			cfg.LLM.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
	}
	if cfg.Retrieval.Tavily.APIKey == "" {
		cfg.Retrieval.Tavily.APIKey = os.Getenv("TAVILY_API_KEY")
	}
}

// setDefaults configures default values.
func (l *Loader) setDefaults() {
	d := Default()

	l.v.SetDefault("log.level", d.Log.Level)
	l.v.SetDefault("log.format", d.Log.Format)
	l.v.SetDefault("log.file", d.Log.File)

	l.v.SetDefault("llm.provider", d.LLM.Provider)
	l.v.SetDefault("llm.model", d.LLM.Model)
	l.v.SetDefault("llm.base_url", d.LLM.BaseURL)
	l.v.SetDefault("llm.api_key", "")
	l.v.SetDefault("llm.max_tokens", d.LLM.MaxTokens)
	l.v.SetDefault("llm.temperature", d.LLM.Temperature)
	l.v.SetDefault("llm.timeout", d.LLM.Timeout)
	l.v.SetDefault("llm.max_retries", d.LLM.MaxRetries)
	l.v.SetDefault("llm.base_delay", d.LLM.BaseDelay)
	l.v.SetDefault("llm.max_delay", d.LLM.MaxDelay)
	l.v.SetDefault("llm.jitter.min", d.LLM.Jitter.Min)
	l.v.SetDefault("llm.jitter.max", d.LLM.Jitter.Max)
	l.v.SetDefault("llm.jitter.heavy_min", d.LLM.Jitter.HeavyMin)
	l.v.SetDefault("llm.jitter.heavy_max", d.LLM.Jitter.HeavyMax)
	l.v.SetDefault("llm.rate_limit.burst", d.LLM.RateLimit.Burst)
	l.v.SetDefault("llm.rate_limit.per_second", d.LLM.RateLimit.PerSecond)
	l.v.SetDefault("llm.breaker.threshold", d.LLM.Breaker.Threshold)
	l.v.SetDefault("llm.breaker.reset", d.LLM.Breaker.Reset)

	l.v.SetDefault("retrieval.timeout", d.Retrieval.Timeout)
	l.v.SetDefault("retrieval.tavily.enabled", d.Retrieval.Tavily.Enabled)
	l.v.SetDefault("retrieval.tavily.api_key", "")
	l.v.SetDefault("retrieval.tavily.base_url", d.Retrieval.Tavily.BaseURL)
	l.v.SetDefault("retrieval.tavily.max_results", d.Retrieval.Tavily.MaxResults)
	l.v.SetDefault("retrieval.wikipedia.enabled", d.Retrieval.Wikipedia.Enabled)
	l.v.SetDefault("retrieval.wikipedia.language", d.Retrieval.Wikipedia.Language)
	l.v.SetDefault("retrieval.wikipedia.base_url", d.Retrieval.Wikipedia.BaseURL)
	l.v.SetDefault("retrieval.wikipedia.max_docs", d.Retrieval.Wikipedia.MaxDocs)

	l.v.SetDefault("workflow.max_turns", d.Workflow.MaxTurns)
	l.v.SetDefault("workflow.context_limit", d.Workflow.ContextLimit)
	l.v.SetDefault("workflow.node_max_attempts", d.Workflow.NodeMaxAttempts)
	l.v.SetDefault("workflow.node_base_delay", d.Workflow.NodeBaseDelay)
	l.v.SetDefault("workflow.node_max_delay", d.Workflow.NodeMaxDelay)
	l.v.SetDefault("workflow.node_timeout", d.Workflow.NodeTimeout)

	l.v.SetDefault("research.max_analysts", d.Research.MaxAnalysts)
	l.v.SetDefault("research.prompts_file", "")
	l.v.SetDefault("research.report_template_file", "")
	l.v.SetDefault("research.watch_prompts", d.Research.WatchPrompts)

	l.v.SetDefault("state.backend", d.State.Backend)
	l.v.SetDefault("state.path", d.State.Path)
	l.v.SetDefault("state.dsn", "")

	l.v.SetDefault("server.host", d.Server.Host)
	l.v.SetDefault("server.port", d.Server.Port)
	l.v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)
	l.v.SetDefault("server.request_timeout", d.Server.RequestTimeout)
	l.v.SetDefault("server.drain_timeout", d.Server.DrainTimeout)

	l.v.SetDefault("metrics.enabled", d.Metrics.Enabled)

	l.v.SetDefault("sentry.dsn", "")
	l.v.SetDefault("sentry.environment", d.Sentry.Environment)
	l.v.SetDefault("sentry.traces_sample_rate", d.Sentry.TracesSampleRate)

	l.v.SetDefault("diagnostics.crash_dumps", d.Diagnostics.CrashDumps)
	l.v.SetDefault("diagnostics.crash_dir", d.Diagnostics.CrashDir)
	l.v.SetDefault("diagnostics.max_dumps", d.Diagnostics.MaxDumps)
	l.v.SetDefault("diagnostics.include_env", d.Diagnostics.IncludeEnv)
}

// ConfigFile returns the config file path if one was used.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// UserConfigDir returns ~/.config/deepresearch.
func UserConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".config", "deepresearch"), nil
}
