package cmd

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/api"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/config"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/research"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the research API. Runs started over HTTP execute in the
background; progress is streamed as server-sent events.

Examples:
  # Start with defaults (127.0.0.1:8080)
  deepresearch serve

  # Listen on all interfaces
  deepresearch serve --host 0.0.0.0 --port 3000`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveHost string
	servePort int
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "host address to bind to (default: server.host)")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "port to listen on (default: server.port)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	if serveHost != "" {
		cfg.Server.Host = serveHost
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if p := cfg.Research.PromptsFile; p != "" && cfg.Research.WatchPrompts {
		if err := research.WatchPromptOverrides(ctx, p, a.prompts, a.logger); err != nil {
			return err
		}
		a.logger.Info("watching prompt overrides", "path", p)
	}

	opts := []api.ServerOption{
		api.WithLogger(a.logger),
		api.WithAllowedOrigins(cfg.Server.AllowedOrigins...),
		api.WithRequestTimeout(cfg.Server.RequestTimeout),
		api.WithDrainTimeout(cfg.Server.DrainTimeout),
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, api.WithMetrics(a.metrics))
	}
	flush, err := initSentry(cfg.Sentry)
	if err != nil {
		return err
	}
	if flush != nil {
		defer flush()
		opts = append(opts, api.WithSentry())
		a.logger.Info("sentry enabled", "environment", cfg.Sentry.Environment)
	}

	server := api.NewServer(a.agent, a.bus, opts...)
	if err := server.ListenAndServe(ctx, cfg.Server.Addr()); err != nil {
		return fmt.Errorf("serving API: %w", err)
	}
	a.logger.Info("server stopped")
	return nil
}

// initSentry starts the Sentry client when a DSN is configured and returns
// the flush to run on exit.
func initSentry(c config.SentryConfig) (func(), error) {
	if c.DSN == "" {
		return nil, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              c.DSN,
		Environment:      c.Environment,
		Release:          "deepresearch@" + appVersion,
		EnableTracing:    c.TracesSampleRate > 0,
		TracesSampleRate: c.TracesSampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing sentry: %w", err)
	}
	return func() { sentry.Flush(2 * time.Second) }, nil
}
