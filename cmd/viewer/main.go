package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/cctv/internal/adapters/http"
	"github.com/dkeye/cctv/internal/adapters/rtc"
	"github.com/dkeye/cctv/internal/adapters/signaling"
	"github.com/dkeye/cctv/internal/adapters/sink"
	"github.com/dkeye/cctv/internal/adapters/ws"
	"github.com/dkeye/cctv/internal/app"
	"github.com/dkeye/cctv/internal/app/orch"
	"github.com/dkeye/cctv/internal/app/session"
	"github.com/dkeye/cctv/internal/config"
	"github.com/dkeye/cctv/internal/core"
	"github.com/dkeye/cctv/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && cfg.LogLevel != "" {
		zerolog.SetGlobalLevel(lvl)
	}

	factory, err := rtc.NewFactory(rtc.Config{
		ICEServers:    cfg.WebRTC.ICEServers,
		ReceiveAudio:  cfg.WebRTC.ReceiveAudio,
		GatherTimeout: cfg.WebRTC.GatherTimeout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build webrtc api")
	}

	signaler := signaling.NewClient(cfg.Signaling.Endpoint,
		signaling.WithTimeout(cfg.Signaling.Timeout),
		signaling.WithHeaders(cfg.Signaling.Headers),
	)

	limiter := ws.NewRateLimiter(cfg.ReconnectLimit.Count, cfg.ReconnectLimit.Interval)
	hub := ws.NewHub(nil,
		ws.WithReadLimit(cfg.ReadLimit),
		ws.WithPingPeriod(cfg.PingPeriod),
		ws.WithLimiter(limiter),
	)

	o := &orch.Orchestrator{
		Registry:    app.NewRegistry(),
		Connections: factory,
		Signaler:    signaler,
		Sinks: func(target domain.StreamTarget) core.MediaSink {
			return sink.New(target.ID, cfg.WebRTC.KeyframeInterval)
		},
		Clock:    core.RealClock(),
		Config:   cfg.Session,
		Listener: hub,
	}
	if cfg.ReconnectBackoffMax > 0 {
		o.Policy = session.BackoffPolicy{Max: cfg.ReconnectBackoffMax}
	}
	hub.SetSource(o)

	for _, target := range cfg.Streams {
		if _, err := o.Open(target); err != nil {
			log.Error().Err(err).Str("stream", string(target.ID)).Msg("failed to open stream")
		}
	}

	r := router.SetupRouter(ctx, cfg, &router.API{Orch: o, Hub: hub, Limiter: limiter})
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("CCTV viewer started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	hub.Close()
	o.Shutdown()
	log.Info().Msg("Server exited gracefully")
}
