package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sahilm/fuzzy"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/adapters/state"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/config"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/core"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/events"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/fsutil"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/llm"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/logging"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/metrics"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/research"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/retrieval"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/service"
)

// eventBufferSize is the per-subscriber ring buffer of the event bus.
const eventBufferSize = 256

// app holds the wired collaborators shared by every command.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	bus      *events.EventBus
	store    core.CheckpointStore
	agent    *research.Agent
	prompts  *research.PromptRenderer

	closeLog func()
}

const maxTemplateBytes = 64 << 10

// Swapped in tests.
var (
	newGenerator  = defaultGenerator
	newRetrievers = defaultRetrievers
)

func newApp(ctx context.Context) (*app, error) {
	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, closeLog: closeLog}
	if crash != nil {
		crash.SetLogger(logger)
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)
	a.metrics.SetBuildInfo(appVersion, appCommit, appDate)
	a.bus = events.New(eventBufferSize)

	gen, err := newGenerator(cfg, logger, a.metrics)
	if err != nil {
		a.Close()
		return nil, err
	}
	web, reference := newRetrievers(cfg, logger)

	a.store, err = state.NewCheckpointStore(ctx, stateOptions(cfg.State), logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("opening state store: %w", err)
	}

	a.prompts, err = newPrompts(cfg.Research)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.agent, err = research.New(research.Deps{
		Generator: gen,
		Web:       web,
		Reference: reference,
		Store:     a.store,
		Prompts:   a.prompts,
		Logger:    logger,
		Metrics:   a.metrics,
		Events:    a.bus,
	}, researchConfig(cfg.Workflow))
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Close releases the store, the bus and the log file.
func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("closing state store", "error", err)
		}
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if a.closeLog != nil {
		a.closeLog()
	}
}

func defaultGenerator(c *config.Config, logger *logging.Logger, m *metrics.Metrics) (core.Generator, error) {
	if c.LLM.APIKey == "" && c.LLM.BaseURL == "" {
		return nil, core.ErrValidation(core.CodeInvalidConfig,
			fmt.Sprintf("no API key for %s: set llm.api_key or the provider's environment variable", c.LLM.Provider))
	}
	provider, err := llm.NewProvider(c.LLM.Provider, c.LLM.APIKey, c.LLM.BaseURL, c.LLM.Model)
	if err != nil {
		return nil, err
	}
	return llm.NewClient(provider, clientConfig(c.LLM),
		llm.WithLogger(logger.WithProvider(provider.Name())),
		llm.WithMetrics(m),
	), nil
}

func clientConfig(c config.LLMConfig) llm.ClientConfig {
	cc := llm.DefaultClientConfig()
	cc.Model = c.Model
	cc.MaxTokens = c.MaxTokens
	cc.Temperature = c.Temperature
	cc.Timeout = c.Timeout
	cc.JitterMin, cc.JitterMax = c.Jitter.Min, c.Jitter.Max
	cc.HeavyJitterMin, cc.HeavyJitterMax = c.Jitter.HeavyMin, c.Jitter.HeavyMax
	cc.MaxAttempts = c.MaxRetries
	cc.BaseDelay = c.BaseDelay
	cc.MaxDelay = c.MaxDelay
	cc.RateLimit = service.RateLimiterConfig{MaxTokens: c.RateLimit.Burst, RefillRate: c.RateLimit.PerSecond}
	cc.BreakerThreshold = c.Breaker.Threshold
	cc.BreakerReset = c.Breaker.Reset
	return cc
}

// defaultRetrievers returns nil for a disabled source; its search step
// then degrades to placeholders.
func defaultRetrievers(c *config.Config, logger *logging.Logger) (web, reference core.Retriever) {
	t := c.Retrieval.Tavily
	switch {
	case !t.Enabled:
	case t.APIKey == "":
		logger.Warn("web search disabled: no Tavily API key (set TAVILY_API_KEY)")
	default:
		web = retrieval.NewTavily(retrieval.TavilyConfig{
			APIKey:     t.APIKey,
			BaseURL:    t.BaseURL,
			MaxResults: t.MaxResults,
			Timeout:    c.Retrieval.Timeout,
		})
	}

	w := c.Retrieval.Wikipedia
	if w.Enabled {
		baseURL := w.BaseURL
		if baseURL == "" {
			baseURL = fmt.Sprintf("https://%s.wikipedia.org/w/api.php", w.Language)
		}
		reference = retrieval.NewWikipedia(retrieval.WikipediaConfig{
			BaseURL:   baseURL,
			MaxDocs:   w.MaxDocs,
			UserAgent: "deepresearch/" + appVersion,
			Timeout:   c.Retrieval.Timeout,
		})
	}
	return web, reference
}

func stateOptions(c config.StateConfig) state.Options {
	return state.Options{Backend: c.Backend, Path: c.Path, DSN: c.DSN}
}

func researchConfig(c config.WorkflowConfig) research.Config {
	return research.Config{
		MaxTurns:        c.MaxTurns,
		ContextLimit:    c.ContextLimit,
		NodeMaxAttempts: c.NodeMaxAttempts,
		NodeBaseDelay:   c.NodeBaseDelay,
		NodeMaxDelay:    c.NodeMaxDelay,
		NodeTimeout:     c.NodeTimeout,
	}
}

func newPrompts(c config.ResearchConfig) (*research.PromptRenderer, error) {
	overrides, err := research.LoadPromptOverrides(c.PromptsFile)
	if err != nil {
		return nil, err
	}
	return research.NewPromptRenderer(overrides)
}

// reportTemplate returns the style guide for a new run: the flag's file,
// then the configured file, then the built-in guide (empty).
func reportTemplate(flagPath string) (string, error) {
	path := flagPath
	if path == "" {
		path = cfg.Research.ReportTemplateFile
	}
	if path == "" {
		return "", nil
	}
	data, err := fsutil.ReadFileLimit(path, maxTemplateBytes)
	if err != nil {
		return "", fmt.Errorf("reading report template: %w", err)
	}
	return string(data), nil
}

// signalContext cancels on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func threadArg(args []string) (core.ThreadID, error) {
	id := strings.TrimSpace(args[0])
	if id == "" {
		return "", core.ErrValidation(core.CodeInvalidRequest, "thread id must not be empty")
	}
	return core.ThreadID(id), nil
}

// maxSuggestions caps the thread ids offered for a mistyped id.
const maxSuggestions = 3

// suggestThread appends the closest stored thread ids to a missing-thread
// error. Other errors pass through.
func (a *app) suggestThread(ctx context.Context, thread core.ThreadID, err error) error {
	var domErr *core.DomainError
	if !errors.As(err, &domErr) || domErr.Code != core.CodeThreadNotFound {
		return err
	}
	runs, lerr := a.agent.List(ctx)
	if lerr != nil || len(runs) == 0 {
		return err
	}
	ids := make([]string, 0, len(runs))
	for _, r := range runs {
		ids = append(ids, string(r.ThreadID))
	}

	matches := fuzzy.Find(string(thread), ids)
	if len(matches) == 0 {
		return err
	}
	names := make([]string, 0, maxSuggestions)
	for _, m := range matches {
		if len(names) == maxSuggestions {
			break
		}
		names = append(names, m.Str)
	}
	out := *domErr
	out.Message = fmt.Sprintf("%s (did you mean %s?)", domErr.Message, strings.Join(names, ", "))
	return &out
}
