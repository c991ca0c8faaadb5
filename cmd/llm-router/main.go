package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-endpoint-router/internal/config"
	"github.com/tributary-ai/llm-endpoint-router/internal/providers"
	"github.com/tributary-ai/llm-endpoint-router/internal/providers/anthropic"
	"github.com/tributary-ai/llm-endpoint-router/internal/providers/openai"
	"github.com/tributary-ai/llm-endpoint-router/internal/registry"
	"github.com/tributary-ai/llm-endpoint-router/internal/routing"
	"github.com/tributary-ai/llm-endpoint-router/internal/server"
	"github.com/tributary-ai/llm-endpoint-router/internal/telemetry"
	"github.com/tributary-ai/llm-endpoint-router/internal/types"
)

const version = "1.0.0"

// Application represents the main application
type Application struct {
	config         *config.Config
	registry       *registry.Registry
	router         *routing.Router
	server         *server.Server
	logger         *logrus.Logger
	tracerShutdown func(context.Context) error
}

// NewApplication creates a new application instance
func NewApplication(configPath string) (*Application, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logrus.New()
	if err := setupLogger(logger, cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	app := &Application{config: cfg, logger: logger}

	if cfg.Tracing.Enabled {
		w, err := openOutput(cfg.Tracing.Output)
		if err != nil {
			return nil, fmt.Errorf("failed to open trace output: %w", err)
		}
		shutdown, err := telemetry.InitTracer(cfg.Tracing.ServiceName, logger, w)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
		app.tracerShutdown = shutdown
	}

	dispatcher := providers.NewDispatcher(logger)
	dispatcher.Register(openai.NewAdapter(logger, nil), types.ProviderOpenAI, types.ProviderOpenAICompatible)
	dispatcher.Register(anthropic.NewAdapter(logger), types.ProviderAnthropic)

	regOpts := cfg.ToRegistryOptions()
	regOpts.Prober = dispatcher.Prober()
	app.registry = registry.New(regOpts, logger)

	if err := registerProviders(app.registry, dispatcher, cfg, logger); err != nil {
		return nil, fmt.Errorf("failed to register providers: %w", err)
	}

	metrics := telemetry.NewMetrics()
	app.router = routing.NewRouter(app.registry, dispatcher, cfg.ToRouterOptions(), logger, routing.WithObserver(metrics))

	app.server, err = server.NewServer(app.registry, app.router, metrics.Handler(), cfg.ToServerConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	return app, nil
}

// Run starts the application and blocks until a shutdown signal
func (app *Application) Run() error {
	app.logger.WithField("version", version).Info("Starting LLM endpoint router")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// the first sweep runs immediately so new providers get health history
	app.registry.Start(ctx)
	defer app.registry.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		app.logger.WithField("address", ":"+app.config.Server.Port).Info("HTTP server starting")
		serverErrors <- app.server.Start()
	}()

	select {
	case err := <-serverErrors:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case sig := <-sigChan:
		app.logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	}

	app.logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := app.server.Stop(shutdownCtx); err != nil {
		app.logger.WithError(err).Error("Server shutdown error")
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	if app.tracerShutdown != nil {
		if err := app.tracerShutdown(shutdownCtx); err != nil {
			app.logger.WithError(err).Warn("Tracer shutdown error")
		}
	}

	app.logger.Info("Graceful shutdown completed")
	return nil
}

// setupLogger configures the logger based on configuration
func setupLogger(logger *logrus.Logger, cfg config.LoggingConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", cfg.Level, err)
	}
	logger.SetLevel(level)

	switch cfg.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	default:
		return fmt.Errorf("invalid log format: %s", cfg.Format)
	}

	w, err := openOutput(cfg.Output)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", cfg.Output, err)
	}
	logger.SetOutput(w)
	return nil
}

// openOutput resolves "stdout", "stderr" or a file path to append to
func openOutput(name string) (io.Writer, error) {
	switch name {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		return os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	}
}

// registerProviders registers every configured provider with the registry
func registerProviders(reg *registry.Registry, dispatcher *providers.Dispatcher, cfg *config.Config, logger *logrus.Logger) error {
	for _, p := range cfg.BuildProviders() {
		if err := reg.Register(p); err != nil {
			return err
		}
		fields := logrus.Fields{
			"provider": p.ID,
			"type":     p.Type,
			"priority": p.Priority,
			"models":   len(p.Models),
		}
		if !dispatcher.Supports(p.Type) {
			logger.WithFields(fields).Warn("No in-process adapter for provider type, it will be skipped when routing")
			continue
		}
		logger.WithFields(fields).Debug("Provider configured")
	}

	logger.WithField("count", len(cfg.Providers)).Info("Provider registration completed")
	return nil
}

// printUsage prints application usage information
func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
	fmt.Fprintf(os.Stderr, "  LLM_ROUTER_PORT                   Server port (default: 8080)\n")
	fmt.Fprintf(os.Stderr, "  LLM_ROUTER_LOG_LEVEL              Log level (debug,info,warn,error,fatal)\n")
	fmt.Fprintf(os.Stderr, "  LLM_ROUTER_LOG_FORMAT             Log format (json,text)\n")
	fmt.Fprintf(os.Stderr, "  LLM_ROUTER_HEALTH_CHECK_INTERVAL  Health sweep interval (default: 60s)\n")
	fmt.Fprintf(os.Stderr, "  LLM_ROUTER_ERROR_THRESHOLD        Consecutive failures before status error (default: 10)\n")
	fmt.Fprintf(os.Stderr, "  LLM_ROUTER_BREAKER_THRESHOLD      Failures before a circuit opens (default: 5)\n")
	fmt.Fprintf(os.Stderr, "  LLM_ROUTER_BREAKER_TIMEOUT        Time a circuit stays open (default: 5m)\n")
	fmt.Fprintf(os.Stderr, "  LLM_ROUTER_REQUEST_TIMEOUT        Deadline for one routed request\n")
	fmt.Fprintf(os.Stderr, "  LLM_ROUTER_TRACING_ENABLED        Export spans (true,false)\n")
	fmt.Fprintf(os.Stderr, "\nProvider credentials are read from the variables named by each provider's api_key_env.\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  %s --config configs/config.yaml\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  OPENAI_API_KEY=sk-xxx %s --config configs/config.yaml\n", os.Args[0])
}

func main() {
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		showHelp    = flag.Bool("help", false, "Show help message")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	if *showVersion {
		fmt.Printf("LLM Endpoint Router v%s\n", version)
		os.Exit(0)
	}

	app, err := NewApplication(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Application error: %v\n", err)
		os.Exit(1)
	}
}
