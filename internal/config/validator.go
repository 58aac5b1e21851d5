package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// Validate validates the entire configuration.
func (v *Validator) Validate(cfg *Config) error {
	v.validateLog(&cfg.Log)
	v.validateLLM(&cfg.LLM)
	v.validateRetrieval(&cfg.Retrieval)
	v.validateWorkflow(&cfg.Workflow)
	v.validateResearch(&cfg.Research)
	v.validateState(&cfg.State)
	v.validateServer(&cfg.Server)
	v.validateSentry(&cfg.Sentry)
	v.validateDiagnostics(&cfg.Diagnostics)

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

// Errors returns the collected validation errors.
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

func (v *Validator) addError(field string, value interface{}, msg string) {
	v.errors = append(v.errors, ValidationError{
		Field:   field,
		Value:   value,
		Message: msg,
	})
}

func (v *Validator) validateLog(cfg *LogConfig) {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[cfg.Level] {
		v.addError("log.level", cfg.Level, "must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"auto": true, "text": true, "json": true, "pretty": true,
	}
	if !validFormats[cfg.Format] {
		v.addError("log.format", cfg.Format, "must be one of: auto, text, json, pretty")
	}

	if cfg.File != "" && !isValidPath(cfg.File) {
		v.addError("log.file", cfg.File, "invalid file path")
	}
	for _, p := range cfg.Redact {
		if _, err := regexp.Compile(p); err != nil {
			v.addError("log.redact", p, "invalid regular expression")
		}
	}
}

func (v *Validator) validateLLM(cfg *LLMConfig) {
	switch strings.ToLower(cfg.Provider) {
	case "anthropic", "openai":
	default:
		v.addError("llm.provider", cfg.Provider, "must be one of: anthropic, openai")
	}
	if cfg.BaseURL != "" && !isHTTPURL(cfg.BaseURL) {
		v.addError("llm.base_url", cfg.BaseURL, "must be an http(s) URL")
	}
	if cfg.MaxTokens <= 0 || cfg.MaxTokens > 200000 {
		v.addError("llm.max_tokens", cfg.MaxTokens, "must be between 1 and 200000")
	}
	if cfg.Temperature < 0 || cfg.Temperature > 2 {
		v.addError("llm.temperature", cfg.Temperature, "must be between 0 and 2")
	}
	v.positive("llm.timeout", cfg.Timeout)
	if cfg.MaxRetries < 1 || cfg.MaxRetries > 10 {
		v.addError("llm.max_retries", cfg.MaxRetries, "must be between 1 and 10")
	}
	v.window("llm.base_delay", cfg.BaseDelay, "llm.max_delay", cfg.MaxDelay)
	v.window("llm.jitter.min", cfg.Jitter.Min, "llm.jitter.max", cfg.Jitter.Max)
	v.window("llm.jitter.heavy_min", cfg.Jitter.HeavyMin, "llm.jitter.heavy_max", cfg.Jitter.HeavyMax)

	if cfg.RateLimit.Burst < 0 || cfg.RateLimit.PerSecond < 0 {
		v.addError("llm.rate_limit", cfg.RateLimit, "must not be negative")
	}
	if cfg.Breaker.Threshold < 0 {
		v.addError("llm.breaker.threshold", cfg.Breaker.Threshold, "must not be negative")
	}
	if cfg.Breaker.Threshold > 0 {
		v.positive("llm.breaker.reset", cfg.Breaker.Reset)
	}
}

func (v *Validator) validateRetrieval(cfg *RetrievalConfig) {
	v.positive("retrieval.timeout", cfg.Timeout)
	if cfg.Tavily.MaxResults < 1 || cfg.Tavily.MaxResults > 20 {
		v.addError("retrieval.tavily.max_results", cfg.Tavily.MaxResults, "must be between 1 and 20")
	}
	if cfg.Tavily.BaseURL != "" && !isHTTPURL(cfg.Tavily.BaseURL) {
		v.addError("retrieval.tavily.base_url", cfg.Tavily.BaseURL, "must be an http(s) URL")
	}
	if cfg.Wikipedia.MaxDocs < 1 || cfg.Wikipedia.MaxDocs > 10 {
		v.addError("retrieval.wikipedia.max_docs", cfg.Wikipedia.MaxDocs, "must be between 1 and 10")
	}
	if cfg.Wikipedia.Enabled && cfg.Wikipedia.BaseURL == "" && !isLanguageCode(cfg.Wikipedia.Language) {
		v.addError("retrieval.wikipedia.language", cfg.Wikipedia.Language, "must be a wiki language code such as en")
	}
	if cfg.Wikipedia.BaseURL != "" && !isHTTPURL(cfg.Wikipedia.BaseURL) {
		v.addError("retrieval.wikipedia.base_url", cfg.Wikipedia.BaseURL, "must be an http(s) URL")
	}
}

func (v *Validator) validateWorkflow(cfg *WorkflowConfig) {
	if cfg.MaxTurns < 1 || cfg.MaxTurns > 20 {
		v.addError("workflow.max_turns", cfg.MaxTurns, "must be between 1 and 20")
	}
	if cfg.ContextLimit < 1000 {
		v.addError("workflow.context_limit", cfg.ContextLimit, "must be at least 1000")
	}
	if cfg.NodeMaxAttempts < 1 || cfg.NodeMaxAttempts > 10 {
		v.addError("workflow.node_max_attempts", cfg.NodeMaxAttempts, "must be between 1 and 10")
	}
	v.window("workflow.node_base_delay", cfg.NodeBaseDelay, "workflow.node_max_delay", cfg.NodeMaxDelay)
	v.positive("workflow.node_timeout", cfg.NodeTimeout)
}

func (v *Validator) validateResearch(cfg *ResearchConfig) {
	if cfg.MaxAnalysts < 1 || cfg.MaxAnalysts > 10 {
		v.addError("research.max_analysts", cfg.MaxAnalysts, "must be between 1 and 10")
	}
	for field, path := range map[string]string{
		"research.prompts_file":         cfg.PromptsFile,
		"research.report_template_file": cfg.ReportTemplateFile,
	} {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			v.addError(field, path, "file not readable")
		}
	}
}

func (v *Validator) validateState(cfg *StateConfig) {
	switch strings.ToLower(cfg.Backend) {
	case "memory":
	case "json", "sqlite":
		if cfg.Path == "" {
			v.addError("state.path", cfg.Path, "path required for "+cfg.Backend+" backend")
		} else if cfg.Path != ":memory:" && !isValidPath(cfg.Path) {
			v.addError("state.path", cfg.Path, "invalid path")
		}
	case "postgres", "postgresql":
		if strings.TrimSpace(cfg.DSN) == "" {
			v.addError("state.dsn", cfg.DSN, "dsn required for postgres backend")
		}
	default:
		v.addError("state.backend", cfg.Backend, "must be one of: memory, json, sqlite, postgres")
	}
}

func (v *Validator) validateServer(cfg *ServerConfig) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		v.addError("server.port", cfg.Port, "must be between 0 and 65535")
	}
	v.positive("server.request_timeout", cfg.RequestTimeout)
	v.positive("server.drain_timeout", cfg.DrainTimeout)
}

func (v *Validator) validateSentry(cfg *SentryConfig) {
	if cfg.TracesSampleRate < 0 || cfg.TracesSampleRate > 1 {
		v.addError("sentry.traces_sample_rate", cfg.TracesSampleRate, "must be between 0 and 1")
	}
	if cfg.DSN != "" && !isHTTPURL(cfg.DSN) {
		v.addError("sentry.dsn", "[redacted]", "must be an http(s) URL")
	}
}

func (v *Validator) validateDiagnostics(cfg *DiagnosticsConfig) {
	if !cfg.CrashDumps {
		return
	}
	if cfg.MaxDumps < 1 || cfg.MaxDumps > 1000 {
		v.addError("diagnostics.max_dumps", cfg.MaxDumps, "must be between 1 and 1000")
	}
	if cfg.CrashDir != "" && !isValidPath(cfg.CrashDir) {
		v.addError("diagnostics.crash_dir", cfg.CrashDir, "invalid path")
	}
}

func (v *Validator) positive(field string, d time.Duration) {
	if d <= 0 {
		v.addError(field, d, "must be positive")
	}
}

// window checks a min/max pair of non-negative durations.
func (v *Validator) window(minField string, lo time.Duration, maxField string, hi time.Duration) {
	if lo < 0 {
		v.addError(minField, lo, "must not be negative")
	}
	if hi < lo {
		v.addError(maxField, hi, "must be >= "+minField)
	}
}

func isValidPath(path string) bool {
	dir := filepath.Dir(path)
	_, err := os.Stat(dir)
	return err == nil || os.IsNotExist(err)
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func isLanguageCode(s string) bool {
	if len(s) < 2 || len(s) > 12 {
		return false
	}
	for _, r := range s {
		if (r < 'a' || r > 'z') && r != '-' {
			return false
		}
	}
	return true
}

// ValidateConfig is a convenience function that creates a validator and validates config.
func ValidateConfig(cfg *Config) error {
	v := NewValidator()
	return v.Validate(cfg)
}
