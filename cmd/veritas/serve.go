package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/veritas/internal/config"
	"github.com/jkaninda/veritas/internal/gateway"
	"github.com/jkaninda/veritas/internal/gateway/httpapi"
	"github.com/jkaninda/veritas/internal/gateway/ws"
	"github.com/jkaninda/veritas/internal/ratelimit"
)

const limiterPruneSchedule = "@every 5m"

var (
	serveConfigPath string
	servePort       string
	serveDocs       bool
	serveDebug      bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API, the event stream and the background workers",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `veritas --config path` and `veritas serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
		cmd.Flags().BoolVar(&serveDocs, "docs", false, "serve the OpenAPI documentation")
		cmd.Flags().BoolVar(&serveDebug, "debug", false, "enable debug logging")
	}
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// runServe starts Veritas in server mode.
func runServe(_ *cobra.Command, _ []string) error {
	logger := newLogger(serveDebug)

	configPath := goutils.Env("VERITAS_CONFIG", serveConfigPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if servePort != "" {
		if cfg.Gateways.HTTP == nil {
			cfg.Gateways.HTTP = &config.HTTPGatewayConfig{}
		}
		cfg.Gateways.HTTP.ListenAddr = servePort
	}
	if cfg.Gateways.HTTP == nil {
		return fmt.Errorf("no gateways enabled in config")
	}

	logger.Info("starting in server mode", slog.String("config", configPath))

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := resolveCredentials(ctx, cfg); err != nil {
		return err
	}

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	gw, err := buildHTTPGateway(cfg, sc)
	if err != nil {
		return err
	}

	sc.Start(ctx)

	gateways := []gateway.Gateway{gw}
	errs := make(chan error, len(gateways))
	for _, g := range gateways {
		go func() {
			errs <- g.Start(ctx)
		}()
	}

	// Wait for signal or gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, g := range gateways {
		if err := g.Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}
	return nil
}

// buildHTTPGateway wires the REST API and mounts the event stream on it.
func buildHTTPGateway(cfg *config.Config, sc *SharedComponents) (*httpapi.Gateway, error) {
	httpCfg := cfg.Gateways.HTTP
	if len(httpCfg.APIKeys) == 0 {
		return nil, fmt.Errorf("gateways.http.api_keys must not be empty")
	}

	var rl *ratelimit.Limiter
	if httpCfg.RateLimit != nil {
		rl = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: httpCfg.RateLimit.RequestsPerMinute,
			BurstSize:         httpCfg.RateLimit.BurstSize,
		})
		if err := sc.Scheduler.Add("rate-limit-prune", limiterPruneSchedule, func(context.Context) (int, error) {
			return rl.Prune(), nil
		}); err != nil {
			return nil, fmt.Errorf("scheduling limiter prune: %w", err)
		}
	}

	gwCfg := httpapi.Config{
		ListenAddr:    httpCfg.ListenAddr,
		EnableDocs:    serveDocs,
		APIKeys:       httpCfg.APIKeys,
		HealthChecker: sc.Obs.Health,
		Metrics:       sc.Obs.Metrics,
	}
	if sc.Obs.Metrics != nil {
		gwCfg.MetricsRegistry = sc.Obs.Metrics.Registry
		if o := cfg.Observability; o != nil && o.Metrics != nil {
			gwCfg.MetricsPath = o.Metrics.Path
		}
	}
	if sc.Obs.Tracing != nil {
		gwCfg.Tracer = sc.Obs.Tracer()
	}

	gw := httpapi.NewGateway(gwCfg, httpapi.Services{
		Pipeline:  sc.Pipeline,
		Reasoning: sc.Reasoner,
		Actions:   sc.Engine,
		Budget:    sc.Budget,
		Circuits:  sc.Breaker,
		Reviews:   sc.Reviews,
		Jobs:      sc.Store.Jobs(),
		Stats:     sc.Store,
	}, rl, sc.Logger)

	events := ws.NewServer(sc.Bus, func(r *http.Request) (string, bool) {
		p, ok := gw.Principal(r)
		return p.TenantID, ok
	}, sc.Logger)
	gw.WithHandler("/v1/events", events.Handler())

	return gw, nil
}
