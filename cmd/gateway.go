package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/seaclaw/seaclaw/internal/config"
	"github.com/seaclaw/seaclaw/internal/gateway"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the agent gateway (WebSocket feed, cron, channels)",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func runGateway() {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	rt, err := buildRuntime(cfg)
	if err != nil {
		slog.Error("failed to build runtime", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt.channels.StartAll(ctx)
	if cfg.Cron.Enabled {
		rt.cron.Start()
	}

	stopWatch, err := config.Watch(cfgPath, rt.applyConfig)
	if err != nil {
		slog.Warn("config hot-reload unavailable", "error", err)
	} else {
		defer stopWatch()
	}

	server := gateway.NewServer(gateway.Config{
		Addr:           cfg.Gateway.Addr(),
		Token:          cfg.Gateway.Token,
		AllowedOrigins: cfg.Gateway.AllowedOrigins,
		Bus:            rt.bus,
		Registry:       rt.registry,
	})
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		slog.Info("shutting down", "signal", s)
	case err := <-serveErr:
		if err != nil {
			slog.Error("gateway server failed", "error", err)
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("server shutdown error", "error", err)
	}
	rt.shutdown(shutdownCtx)
}
