package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/lrhodin/w2d/pkg/audioqueue"
	"github.com/lrhodin/w2d/pkg/connector"
	"github.com/lrhodin/w2d/pkg/discord"
	"github.com/lrhodin/w2d/pkg/media"
	"github.com/lrhodin/w2d/pkg/statestore"
	"github.com/lrhodin/w2d/pkg/whatsapp"
)

var runCommand = &cli.Command{
	Name:   "run",
	Usage:  "Start the bridge",
	Before: prepareApp,
	Action: cmdRun,
}

// openState opens the configured state backend and loads the saved state.
func openState(ctx context.Context, cfg *connector.Config) (statestore.Store, *connector.State, error) {
	var store statestore.Store
	switch cfg.State.Backend {
	case "sqlite":
		db, err := statestore.OpenSQLite(ctx, cfg.WhatsApp.Database)
		if err != nil {
			return nil, nil, err
		}
		store = db
	case "", "json":
		store = statestore.NewJSONFile(cfg.State.Path)
	default:
		return nil, nil, fmt.Errorf("unknown state backend %q", cfg.State.Backend)
	}
	state := connector.NewState()
	if _, err := store.Load(state); err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	state.Normalize()
	return store, state, nil
}

func serveMetrics(ctx context.Context, addr string, log *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("listen", addr).Msg("Serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Err(err).Msg("Metrics listener failed")
	}
}

func cmdRun(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	log := getLogger(ctx)
	if cfg.Discord.Token == "" {
		return fmt.Errorf("discord.token is not set in %s", ctx.String("config"))
	}
	if err := media.CheckDependencies(cfg.Media.ImageMagickPath, cfg.Media.ZapSound, *log); err != nil {
		return err
	}

	runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, state, err := openState(runCtx, cfg)
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}
	defer store.Close()

	wa, err := whatsapp.New(runCtx, cfg.WhatsApp.Database, log.With().Str("component", "whatsapp").Logger())
	if err != nil {
		return err
	}
	defer wa.Close()

	dc, err := discord.New(cfg.Discord.Token, log.With().Str("component", "discord").Logger())
	if err != nil {
		return err
	}
	if err = dc.Open(); err != nil {
		return fmt.Errorf("failed to connect to discord: %w", err)
	}
	defer dc.Close()
	wa.Fetch = dc.DownloadAttachment

	converter := media.NewConverter(cfg.Media.ImageMagickPath, log.With().Str("component", "media").Logger())
	maps := media.NewMapRenderer(cfg.Media.TileURL, cfg.Media.UserAgent, log.With().Str("component", "maps").Logger())
	defer maps.Close()
	queue := audioqueue.New()
	recorder := discord.NewRecorder(runCtx, dc, converter, queue, log.With().Str("component", "voice").Logger())
	defer recorder.Close()

	br := connector.NewBridge(cfg, state, store, connector.Deps{
		Source:      wa,
		Destination: dc,
		Media:       converter,
		Maps:        maps,
		Audio:       queue,
		Voice:       recorder,
	}, log.With().Str("component", "bridge").Logger())
	if err = br.Start(runCtx); err != nil {
		return err
	}
	defer br.Stop()

	// The bridge is listening for QR codes by now, so pairing can start.
	if err = wa.Connect(runCtx); err != nil {
		return fmt.Errorf("failed to connect to whatsapp: %w", err)
	}

	if cfg.State.Backend != "sqlite" {
		err = statestore.Watch(runCtx, cfg.State.Path, *log, func() {
			log.Warn().Msg("Stop the bridge before resetting its state, writing current state back")
			br.DataChanged()
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to watch state file")
		}
	}
	if cfg.Metrics.Enabled {
		go serveMetrics(runCtx, cfg.Metrics.Listen, log)
	}

	<-runCtx.Done()
	log.Info().Msg("Shutting down")
	return nil
}
