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

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/quizroom/internal/adapters/http"
	wssignal "github.com/dkeye/quizroom/internal/adapters/signal"
	"github.com/dkeye/quizroom/internal/app"
	"github.com/dkeye/quizroom/internal/broadcast"
	"github.com/dkeye/quizroom/internal/config"
	"github.com/dkeye/quizroom/internal/core"
	"github.com/dkeye/quizroom/internal/domain"
	"github.com/dkeye/quizroom/internal/pubsub"
	"github.com/dkeye/quizroom/internal/roomcode"
	"github.com/dkeye/quizroom/internal/store"
)

const busBuffer = 64

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	if cfg.Mode == "release" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
	log.Info().Msg("Server exited gracefully")
}

func newBus(cfg *config.Config) (core.Bus, error) {
	if cfg.Redis.Addr == "" {
		log.Info().Msg("using in-process bus")
		return pubsub.NewMemoryBus(busBuffer), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	log.Info().Str("addr", cfg.Redis.Addr).Msg("using redis bus")
	return pubsub.NewRedisBus(client, cfg.Redis.Prefix, busBuffer), nil
}

func run(ctx context.Context, cfg *config.Config) error {
	db, err := store.Open(cfg.DB)
	if err != nil {
		return err
	}
	if err := store.Migrate(db); err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	bus, err := newBus(cfg)
	if err != nil {
		return err
	}
	defer bus.Close()

	gw := store.NewGateway(db, bus, store.Options{FallbackAnyVersion: cfg.FallbackAnyVersion})
	codes := roomcode.NewGenerator(gw, cfg.Lobby.CodeAttempts)
	lobby := app.NewLobbyService(gw, codes, domain.VersionTag(cfg.VersionTag))
	channel := broadcast.NewChannel(bus, busBuffer)

	lobbyCfg := app.LobbyConfig{
		MinPlayers:            cfg.Lobby.MinPlayers,
		PresenceInterval:      cfg.Lobby.PresenceInterval,
		PresenceTTL:           cfg.Lobby.PresenceTTL,
		RoomPollInterval:      cfg.Lobby.RoomPollInterval,
		ResubscribeMaxBackoff: cfg.Lobby.ResubscribeMaxBackoff,
	}
	sessions := app.NewRegistry()
	limiter := wssignal.NewUserRateLimiter(cfg.Signal.RatePerSecond, cfg.Signal.Burst)
	ctl := &wssignal.SignalWSController{
		NewLobby: func(id domain.Identity, l app.Listener) *app.LobbyController {
			return app.NewLobbyController(id, gw, channel, core.SystemClock, lobbyCfg, l)
		},
		Sessions: sessions,
		Policy:   app.SimplePolicy{MaxDropped: cfg.Signal.SendBuffer},
		Limiter:  limiter,
		Limits: wssignal.Limits{
			ReadLimit:  cfg.Signal.ReadLimit,
			PingPeriod: cfg.Signal.PingPeriod,
			SendBuffer: cfg.Signal.SendBuffer,
		},
	}

	r := router.SetupRouter(ctx, cfg, router.Deps{Lobby: lobby, Signal: ctl})
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Str("version", cfg.VersionTag).Msg("Quizroom server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		limiter.Run(gctx, time.Minute, 10*time.Minute)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Int("sessions", sessions.Len()).Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		if err := sessions.CloseAll(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Lobbies still open at shutdown")
		}
		return nil
	})
	return g.Wait()
}
