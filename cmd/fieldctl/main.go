package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/fieldctl/internal/auth"
	"github.com/danmuck/fieldctl/internal/channel"
	"github.com/danmuck/fieldctl/internal/commit"
	"github.com/danmuck/fieldctl/internal/config"
	"github.com/danmuck/fieldctl/internal/field"
	"github.com/danmuck/fieldctl/internal/field/archive"
	"github.com/danmuck/fieldctl/internal/observability"
	"github.com/danmuck/fieldctl/internal/server"
	"github.com/danmuck/fieldctl/internal/syncer"
)

func main() {
	configPath := flag.String("config", "cmd/fieldctl/config.toml", "path to node config")
	flag.Parse()

	observability.InitLogger("fieldctl")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load node config")
	}
	log.Info().Str("path", *configPath).Msg("loaded node config")

	local := field.New(cfg.NodeID, cfg.FieldSettings())
	remote := field.New(cfg.NodeID+".remote", cfg.FieldSettings())
	ch := channel.New(cfg.NodeID, cfg.ChannelID, cfg.BasisKeys, channel.DefaultOptions())
	proto := commit.NewProtocol(cfg.NodeID, ch, cfg.CommitSettings())

	var store *archive.Archive
	if cfg.ArchiveDir != "" {
		store, err = archive.Open(cfg.ArchiveDir)
		if err != nil {
			log.Fatal().Err(err).Str("dir", cfg.ArchiveDir).Msg("failed to open archive")
		}
		defer store.Close()
	}

	sync := syncer.New(cfg.NodeID, local, remote, ch, proto, ch.LocalReference(), cfg.SyncSettings(), store)

	srv := server.Appear(cfg.NodeID, cfg.Addr, cfg.CorsOrigins, local, proto, sync)
	if cfg.AdminToken != "" {
		srv.RequireAdminToken(auth.StaticToken{Token: cfg.AdminToken})
	}
	srv.RegisterRoutes()

	httpSrv := &http.Server{Addr: cfg.Addr, Handler: srv.HTTPRouter()}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("id", srv.ID).Str("addr", srv.Addr).Msg("field node started")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("field node stopped")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown incomplete")
	}
}
