package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agent-command/sessiond/internal/config"
	"github.com/agent-command/sessiond/internal/console"
	"github.com/agent-command/sessiond/internal/events"
	"github.com/agent-command/sessiond/internal/execpath"
	"github.com/agent-command/sessiond/internal/isolation"
	"github.com/agent-command/sessiond/internal/launcher"
	"github.com/agent-command/sessiond/internal/logging"
	"github.com/agent-command/sessiond/internal/metrics"
	"github.com/agent-command/sessiond/internal/posture"
	"github.com/agent-command/sessiond/internal/sandbox"
	"github.com/agent-command/sessiond/internal/session"
	"github.com/agent-command/sessiond/internal/ws"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the session daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func newProber(cfg *config.Config) *isolation.Prober {
	return &isolation.Prober{
		HelperPath:  cfg.Sandbox.HelperPath,
		UnsharePath: cfg.Sandbox.UnsharePath,
		Timeout:     time.Duration(cfg.Sandbox.ProbeTimeoutMs) * time.Millisecond,
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := logging.NewLogger("daemon")

	post := posture.New(cfg.Posture.FlagPath, cfg.Posture.ServiceAccount)
	prober := newProber(cfg)
	avail := prober.Probe(ctx)
	metrics.SetIsolation(string(avail.Primitive))
	logger.WithField("production", post.Enabled()).
		WithField("isolation", avail.Primitive).
		WithField("reason", avail.Reason).
		Info("Starting sessiond")

	bus := events.NewBus()
	defer bus.Close()

	recorder, err := console.NewRecorder(filepath.Join(cfg.Storage.StateDir, "console"), cfg.Terminal.ScrollbackBytes)
	if err != nil {
		return fmt.Errorf("failed to create console recorder: %w", err)
	}
	go recorder.Run(bus.Subscribe(256))

	manager := session.NewManager(session.Options{
		Store: session.NewStore(cfg.Storage.SessionsFile),
		Resolver: &execpath.Resolver{
			Shell:        cfg.Resolver.Shell,
			Timeout:      time.Duration(cfg.Resolver.TimeoutMs) * time.Millisecond,
			FallbackDirs: cfg.Resolver.ExtraDirs,
		},
		Launcher: &launcher.Launcher{
			Posture:           post,
			Prober:            prober,
			Sandbox:           sandbox.NewProvisioner(cfg.Sandbox.FrameworkRoot, cfg.Sandbox.ValidatorCommand, cfg.Sandbox.HookTimeoutSec),
			PrivilegeCommand:  cfg.Posture.PrivilegeCommand,
			MountPoint:        cfg.Sandbox.ProjectMount,
			RequireIsolation:  cfg.Sandbox.RequireIsolation,
			ServiceConfigFile: cfg.Service.ConfigFile,
			DefaultServiceURL: cfg.Service.DefaultURL,
			Term:              cfg.Terminal.Term,
		},
		Publisher:   bus,
		DefaultCols: uint16(cfg.Terminal.DefaultCols),
		DefaultRows: uint16(cfg.Terminal.DefaultRows),
		ReadChunk:   cfg.Terminal.ReadChunk,
	})
	manager.RestoreAll(ctx)
	defer manager.Shutdown()

	go func() {
		if err := post.Watch(ctx); err != nil {
			logger.WithError(err).Warn("Posture watcher stopped")
		}
	}()

	if cfg.Metrics.Enabled() {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Listen); err != nil {
				logger.WithError(err).Error("Metrics server failed")
			}
		}()
	}

	server := ws.NewServer(manager, bus, cfg.Server.Token)
	server.SetTranscripts(recorder)
	return server.ListenAndServe(ctx, cfg.Server.Listen)
}
