package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Verify/internal/adapters/blobstore"
	router "github.com/dkeye/Verify/internal/adapters/http"
	"github.com/dkeye/Verify/internal/adapters/media"
	"github.com/dkeye/Verify/internal/adapters/rtc"
	"github.com/dkeye/Verify/internal/adapters/signal"
	"github.com/dkeye/Verify/internal/adapters/sqlstore"
	"github.com/dkeye/Verify/internal/app/documents"
	"github.com/dkeye/Verify/internal/app/events"
	"github.com/dkeye/Verify/internal/app/orch"
	"github.com/dkeye/Verify/internal/app/recorder"
	"github.com/dkeye/Verify/internal/app/sweeper"
	"github.com/dkeye/Verify/internal/config"
	"github.com/dkeye/Verify/internal/core"
	"github.com/dkeye/Verify/internal/domain"
	"github.com/dkeye/Verify/internal/metrics"
)

func main() {
	ctx, cancel := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		log.Fatal().Err(err).Msg("failed to create data directory")
	}
	store, err := sqlstore.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open session store")
	}
	defer store.Close()

	objects, err := blobstore.NewFS(cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open object store")
	}

	rec, err := recorder.New(store, objects, recorder.Config{
		ChunkInterval: cfg.Recording.ChunkInterval,
		MaxChunks:     cfg.Recording.MaxChunks,
		Recipient:     cfg.Recording.Recipient,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up recorder")
	}

	// Local participants either share the in-process hub or dial a remote relay.
	hub := signal.NewHub()
	var signaler core.Signaler = hub
	if cfg.Signal.URL != "" {
		signaler = signal.NewWSSignaler(cfg.Signal.URL, domain.UserID(cfg.PeerID))
	}
	engine, err := rtc.NewEngine(signaler, rtc.Options{
		PeerID:     core.PeerID(cfg.PeerID),
		ICEServers: cfg.ICEServers,
		Timeout:    cfg.NegotiationTimeout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up negotiation engine")
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	facade := &orch.Facade{
		Sessions:   store,
		Media:      media.NewAcquirer(devices(cfg.Media), media.AllowAll),
		Negotiator: engine,
		Recorder:   rec,
		Documents:  documents.NewIntake(store, store, objects),
		Events:     events.NewBus(),
		Metrics:    m,
		Attempts:   orch.NewRegistry(),
	}

	sw := sweeper.New(store, facade, cfg.Sweeper.Schedule, cfg.Sweeper.Grace, sweeper.WithMetrics(m))
	if err := sw.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start sweeper")
	}
	defer sw.Stop()

	ws := signal.NewWSServer(hub, cfg.Signal, facade.AdmitRoom)
	r := router.SetupRouter(cfg, facade, ws, prometheus.DefaultGatherer)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Verify server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}

// devices returns the capture devices of this station. Only synthetic
// sources are built in; one microphone and one camera.
func devices(cfg config.MediaConfig) []media.Device {
	return []media.Device{
		&media.SyntheticDevice{DeviceID: "mic-0", MediaKind: core.MediaAudio, Interval: cfg.FrameInterval, FrameSize: cfg.FrameSize},
		&media.SyntheticDevice{DeviceID: "cam-0", MediaKind: core.MediaVideo, Interval: cfg.FrameInterval, FrameSize: cfg.FrameSize},
	}
}
