package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"xmppwebhook/pkg/bus"
	"xmppwebhook/pkg/channel/xmpp"
	"xmppwebhook/pkg/config"
	"xmppwebhook/pkg/gateway"
	"xmppwebhook/pkg/logger"
	"xmppwebhook/pkg/route"
	"xmppwebhook/pkg/telemetry"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook bridge",
	Long:  "Connects to the XMPP server, joins the configured rooms and serves the webhook listener plus health and status endpoints.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		appLogger, closer, err := logger.New(cfg.Logging)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		defer closer.Close()
		slog.SetDefault(appLogger)
		log := slog.Default().With("component", "cmd.serve")

		runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return serve(runCtx, cfg, log)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}

	shutdownTracer, err := initTelemetry(cfg.Telemetry, log)
	if err != nil {
		log.Error("Failed to initialize telemetry", "error", err)
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(flushCtx); err != nil {
			log.Warn("Failed to flush traces", "error", err)
		}
	}()

	table, err := route.New(cfg)
	if err != nil {
		log.Error("Routing configuration invalid", "error", err)
		return err
	}

	mb := bus.NewMessageBus()
	defer mb.Close()

	adapter, err := xmpp.New(cfg.XMPP, mb, log)
	if err != nil {
		log.Error("Failed to configure xmpp channel", "error", err)
		return err
	}

	svc, err := gateway.NewService(cfg, table, mb, adapter, log)
	if err != nil {
		log.Error("Failed to initialize gateway service", "error", err)
		return err
	}

	snap := table.Snapshot()
	log.Info("Bridge started",
		"jid", cfg.XMPP.JID,
		"rooms", len(cfg.XMPP.Rooms),
		"webhooks", len(snap.Webhooks),
		"outgoing", len(snap.Outgoing),
		"triggers", len(snap.Triggers),
	)
	if err := svc.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		log.Error("Bridge runtime failed", "error", err)
		return err
	}

	log.Info("Bridge stopped")
	return nil
}

func initTelemetry(cfg config.TelemetryConfig, log *slog.Logger) (telemetry.ShutdownFunc, error) {
	if !cfg.Enabled {
		return telemetry.Noop, nil
	}
	return telemetry.InitTracer(cfg.ServiceName, nil, log)
}
