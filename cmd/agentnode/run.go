package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/agentnode"
	"github.com/loykin/agentnode/internal/config"
)

func createRunCommand(globalFlags *GlobalFlags, runFlags *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the coordinator and serve until interrupted",
		Long: `Run loads the config, optionally launches the bridge helper,
connects to the coordinator, and serves the local control API until
SIGINT or SIGTERM.

Examples:
  agentnode run --config=/etc/agentnode/agentnode.toml
  agentnode run --no-bridge
  agentnode run --audit-db=/var/lib/agentnode/audit.db`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(globalFlags.ConfigPath, runFlags)
		},
	}
	cmd.Flags().BoolVar(&runFlags.NoBridge, "no-bridge", false, "do not launch the bridge helper")
	cmd.Flags().StringVar(&runFlags.AuditDB, "audit-db", "", "SQLite path for the command audit trail")
	return cmd
}

func runNode(configPath string, flags *RunFlags) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, closer, err := cfg.Log.New()
	if err != nil {
		return err
	}
	if closer != nil {
		defer func() { _ = closer.Close() }()
	}
	slog.SetDefault(log)

	if err := agentnode.RegisterMetricsDefault(); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	sink := func(e agentnode.Event) {
		log.Debug("coordinator event", "type", e.Type)
	}
	node, err := agentnode.New(cfg, sink, flags.AuditDB, log)
	if err != nil {
		return err
	}
	defer node.Shutdown()

	ctx := context.Background()
	if !flags.NoBridge && cfg.Bridge.Command != "" {
		port, err := node.StartBridge(ctx)
		if err != nil {
			return err
		}
		log.Info("bridge launched", "port", port)
	}

	res, err := node.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	log.Info("session established", "sessionId", res.SessionID, "deviceId", res.DeviceID)

	srv := node.ServeAPI()
	log.Info("control api listening", "addr", cfg.API.Listen)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	shctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shctx)
	return nil
}
