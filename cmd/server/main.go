package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/stormtheory/packhowl/internal/access"
	"github.com/stormtheory/packhowl/internal/admin"
	"github.com/stormtheory/packhowl/internal/otelutil"
	"github.com/stormtheory/packhowl/internal/relay"
	"github.com/stormtheory/packhowl/internal/state"
	"github.com/stormtheory/packhowl/internal/tlsutil"
	"github.com/stormtheory/packhowl/pkg/config"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	debug := flag.Bool("debug", false, "force debug logging")
	flag.Parse()

	if err := run(*configPath, *debug); err != nil {
		fmt.Fprintf(os.Stderr, "packhowl-server: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	log, err := cfg.BuildLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	if err := otelutil.Init("packhowl-server"); err != nil {
		log.Info("running untraced", zap.String("reason", err.Error()))
	}
	defer otelutil.Flush()

	whitelist, err := access.LoadWhitelist(cfg.Server.WhitelistPath)
	if err != nil {
		return fmt.Errorf("load whitelist: %w", err)
	}
	log.Info("whitelist loaded",
		zap.String("path", cfg.Server.WhitelistPath),
		zap.Int("entries", len(whitelist)))

	auth := access.NewAuthenticator(whitelist, access.WithBlockDuration(cfg.Access.BlockDuration))
	registry := state.NewManager(cfg.Server.MaxUsers)

	tlsCfg, err := tlsutil.ServerConfig(cfg.Server.CertFile, cfg.Server.KeyFile, cfg.Server.CAFile)
	if err != nil {
		return fmt.Errorf("tls config: %w", err)
	}
	ln, err := tls.Listen("tcp", cfg.Server.Listen, tlsCfg)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := relay.NewServer(relay.Config{
		SendBuffer:      cfg.Relay.SendBuffer,
		WriteTimeout:    cfg.Relay.WriteTimeout,
		WatcherTick:     cfg.Relay.WatcherTick,
		TXDecay:         cfg.Relay.TXDecay,
		SweepInterval:   cfg.Access.SweepInterval,
		AcceptPerSecond: cfg.Server.AcceptPerSecond,
		AcceptBurst:     cfg.Server.AcceptBurst,
	}, log, auth, registry, nil)

	if cfg.Admin.Enabled {
		adm := admin.New(log.Named("admin"), registry, auth)
		go func() {
			if err := adm.Run(ctx, cfg.Admin.Listen); err != nil {
				log.Error("admin surface failed", zap.Error(err))
			}
		}()
	}

	log.Info("relay listening",
		zap.String("addr", cfg.Server.Listen),
		zap.Int("max_users", cfg.Server.MaxUsers))

	if err := srv.Serve(ctx, ln); err != nil && err != context.Canceled {
		return err
	}
	log.Info("shutdown complete")
	return nil
}
