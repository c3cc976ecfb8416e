package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/veritas/internal/config"
	"github.com/jkaninda/veritas/internal/gateway/mcp"
)

var (
	mcpConfigPath string
	mcpDebug      bool
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the reasoning and approval tools over MCP on stdio",
	Long: `Run Veritas as a Model Context Protocol server on stdin/stdout so that
assistants can request explanations, review pending actions and approve or
reject them. The server acts as the principal configured under gateways.mcp.
Logs are written to stderr.`,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	mcpCmd.Flags().BoolVar(&mcpDebug, "debug", false, "enable debug logging")
}

func runMCP(_ *cobra.Command, _ []string) error {
	logger := newLogger(mcpDebug)

	cfg, err := config.Load(goutils.Env("VERITAS_CONFIG", mcpConfigPath))
	if err != nil {
		return err
	}
	if cfg.Gateways.MCP == nil {
		return fmt.Errorf("gateways.mcp is not configured")
	}

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

	srv, err := mcp.New(*cfg.Gateways.MCP, mcp.Services{
		Pipeline: sc.Pipeline,
		Actions:  sc.Engine,
		Budget:   sc.Budget,
	}, version, logger)
	if err != nil {
		return err
	}

	sc.Start(ctx)

	if err := srv.Serve(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
		logger.Error("mcp server exited with error", slog.String("error", err.Error()))
		return err
	}
	return nil
}
