package config

import (
	"net"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	LLM       LLMConfig       `mapstructure:"llm" yaml:"llm"`
	Retrieval RetrievalConfig `mapstructure:"retrieval" yaml:"retrieval"`
	Workflow  WorkflowConfig  `mapstructure:"workflow" yaml:"workflow"`
	Research  ResearchConfig  `mapstructure:"research" yaml:"research"`
	State     StateConfig     `mapstructure:"state" yaml:"state"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Sentry    SentryConfig    `mapstructure:"sentry" yaml:"sentry"`

	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics" yaml:"diagnostics"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file,omitempty"`
	// Redact adds regular expressions scrubbed from log records.
	Redact []string `mapstructure:"redact" yaml:"redact,omitempty"`
}

// LLMConfig configures the generation client and its provider.
type LLMConfig struct {
	Provider    string        `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	BaseURL     string        `mapstructure:"base_url" yaml:"base_url,omitempty"`
	APIKey      string        `mapstructure:"api_key" yaml:"api_key,omitempty"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	Temperature float64       `mapstructure:"temperature" yaml:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries  int           `mapstructure:"max_retries" yaml:"max_retries"`
	BaseDelay   time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay" yaml:"max_delay"`

	Jitter    JitterConfig    `mapstructure:"jitter" yaml:"jitter"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
	Breaker   BreakerConfig   `mapstructure:"breaker" yaml:"breaker"`
}

// JitterConfig sets the random pause before each call. Heavy calls
// (panel creation, the report body) use the heavy window.
type JitterConfig struct {
	Min      time.Duration `mapstructure:"min" yaml:"min"`
	Max      time.Duration `mapstructure:"max" yaml:"max"`
	HeavyMin time.Duration `mapstructure:"heavy_min" yaml:"heavy_min"`
	HeavyMax time.Duration `mapstructure:"heavy_max" yaml:"heavy_max"`
}

// RateLimitConfig is a token bucket shared by all calls of one client.
type RateLimitConfig struct {
	Burst     float64 `mapstructure:"burst" yaml:"burst"`
	PerSecond float64 `mapstructure:"per_second" yaml:"per_second"`
}

// BreakerConfig opens the circuit after Threshold consecutive transient
// failures and is tried again after Reset.
type BreakerConfig struct {
	Threshold int           `mapstructure:"threshold" yaml:"threshold"`
	Reset     time.Duration `mapstructure:"reset" yaml:"reset"`
}

// RetrievalConfig configures the search collaborators.
type RetrievalConfig struct {
	Timeout   time.Duration   `mapstructure:"timeout" yaml:"timeout"`
	Tavily    TavilyConfig    `mapstructure:"tavily" yaml:"tavily"`
	Wikipedia WikipediaConfig `mapstructure:"wikipedia" yaml:"wikipedia"`
}

// TavilyConfig configures web search.
type TavilyConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	APIKey     string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	BaseURL    string `mapstructure:"base_url" yaml:"base_url,omitempty"`
	MaxResults int    `mapstructure:"max_results" yaml:"max_results"`
}

// WikipediaConfig configures reference lookups.
type WikipediaConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Language string `mapstructure:"language" yaml:"language"`
	BaseURL  string `mapstructure:"base_url" yaml:"base_url,omitempty"`
	MaxDocs  int    `mapstructure:"max_docs" yaml:"max_docs"`
}

// WorkflowConfig tunes the panel and interview workflows.
type WorkflowConfig struct {
	MaxTurns        int           `mapstructure:"max_turns" yaml:"max_turns"`
	ContextLimit    int           `mapstructure:"context_limit" yaml:"context_limit"`
	NodeMaxAttempts int           `mapstructure:"node_max_attempts" yaml:"node_max_attempts"`
	NodeBaseDelay   time.Duration `mapstructure:"node_base_delay" yaml:"node_base_delay"`
	NodeMaxDelay    time.Duration `mapstructure:"node_max_delay" yaml:"node_max_delay"`
	NodeTimeout     time.Duration `mapstructure:"node_timeout" yaml:"node_timeout"`
}

// ResearchConfig holds run defaults and prompt customization.
type ResearchConfig struct {
	MaxAnalysts        int    `mapstructure:"max_analysts" yaml:"max_analysts"`
	PromptsFile        string `mapstructure:"prompts_file" yaml:"prompts_file,omitempty"`
	ReportTemplateFile string `mapstructure:"report_template_file" yaml:"report_template_file,omitempty"`
	// WatchPrompts reloads prompts_file on change while serving.
	WatchPrompts bool `mapstructure:"watch_prompts" yaml:"watch_prompts"`
}

// StateConfig selects the checkpoint store.
type StateConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"`
	Path    string `mapstructure:"path" yaml:"path"`
	DSN     string `mapstructure:"dsn" yaml:"dsn,omitempty"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host           string        `mapstructure:"host" yaml:"host"`
	Port           int           `mapstructure:"port" yaml:"port"`
	AllowedOrigins []string      `mapstructure:"allowed_origins" yaml:"allowed_origins,omitempty"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	// DrainTimeout bounds how long shutdown waits for background steps
	// before cancelling them.
	DrainTimeout time.Duration `mapstructure:"drain_timeout" yaml:"drain_timeout"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// SentryConfig enables error and trace reporting when DSN is set.
type SentryConfig struct {
	DSN              string  `mapstructure:"dsn" yaml:"dsn,omitempty"`
	Environment      string  `mapstructure:"environment" yaml:"environment,omitempty"`
	TracesSampleRate float64 `mapstructure:"traces_sample_rate" yaml:"traces_sample_rate"`
}

// DiagnosticsConfig controls crash dumps written when a command panics.
type DiagnosticsConfig struct {
	CrashDumps bool   `mapstructure:"crash_dumps" yaml:"crash_dumps"`
	CrashDir   string `mapstructure:"crash_dir" yaml:"crash_dir"`
	MaxDumps   int    `mapstructure:"max_dumps" yaml:"max_dumps"`
	IncludeEnv bool   `mapstructure:"include_env" yaml:"include_env"`
}

// Addr returns the listen address of the API server.
func (c ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
