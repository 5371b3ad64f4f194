package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wesalappx/wesal-app-sub001/internal/config"
	"github.com/wesalappx/wesal-app-sub001/internal/handlers"
	"github.com/wesalappx/wesal-app-sub001/internal/models"
	"github.com/wesalappx/wesal-app-sub001/internal/push"
	"github.com/wesalappx/wesal-app-sub001/internal/realtime"
	"github.com/wesalappx/wesal-app-sub001/internal/repository"
	"github.com/wesalappx/wesal-app-sub001/internal/repository/sqlite"
	"github.com/wesalappx/wesal-app-sub001/internal/services"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

// Run starts the server and blocks until SIGINT or SIGTERM
func Run() {
	configPath := os.Getenv("WESAL_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	setupLogger(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
	log.Info().Msg("Server exited")
}

func serve(ctx context.Context, cfg *config.Config) error {
	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	archiver, err := newArchiver(ctx, cfg.AWS)
	if err != nil {
		return err
	}
	pusher, err := newPusher(ctx, cfg.Push)
	if err != nil {
		return err
	}

	bus := realtime.NewBus()
	userService := services.NewUserService(store, cfg.JWT.Secret)
	pairing := services.NewPairingService(store, bus, cfg.Pairing.CodeTTL)
	sessions := services.NewSessionService(store, bus, archiver)
	notifications := services.NewNotificationService(store, bus, pusher)
	whispers := services.NewWhisperService(bus, notifications, nil)
	hub := services.NewWSHub(bus, pairing, sessions)

	srv := &http.Server{
		Addr: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: handlers.NewRouter(handlers.Deps{
			Bus:           bus,
			Hub:           hub,
			Users:         userService,
			Pairing:       pairing,
			Sessions:      sessions,
			Notifications: notifications,
			Whispers:      whispers,
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().
			Str("host", cfg.Server.Host).
			Int("port", cfg.Server.Port).
			Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return services.RunReaper(gctx, sessions, cfg.Sessions.IdleTTL, cfg.Sessions.ReapInterval)
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		hub.CloseAll()
		bus.Shutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		return nil
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (repository.Store, error) {
	if cfg.Driver == config.DriverSQLite {
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		log.Info().Str("path", cfg.SQLitePath).Msg("SQLite store opened")
		return store, nil
	}

	db, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	log.Info().Msg("Database connection established")

	store := repository.NewPostgresStore(db)
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func newArchiver(ctx context.Context, cfg config.AWSConfig) (services.Archiver, error) {
	if cfg.S3Bucket == "" {
		log.Info().Msg("Session archive disabled")
		return nil, nil
	}
	archiver, err := services.NewS3Archiver(ctx, services.S3Options{
		Region:    cfg.Region,
		Bucket:    cfg.S3Bucket,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Endpoint:  cfg.Endpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session archiver: %w", err)
	}
	return archiver, nil
}

func newPusher(ctx context.Context, cfg config.PushConfig) (services.Pusher, error) {
	router := push.NewRouter()
	enabled := false

	if cfg.APNs.KeyPath != "" {
		apns, err := push.NewAPNs(push.APNsConfig{
			KeyPath:    cfg.APNs.KeyPath,
			KeyID:      cfg.APNs.KeyID,
			TeamID:     cfg.APNs.TeamID,
			Topic:      cfg.APNs.Topic,
			Production: cfg.APNs.Production,
		})
		if err != nil {
			return nil, err
		}
		router.Register(models.PushPlatformIOS, apns)
		enabled = true
	}

	if cfg.FCM.CredentialsPath != "" {
		fcm, err := push.NewFCM(ctx, cfg.FCM.CredentialsPath)
		if err != nil {
			return nil, err
		}
		router.Register(models.PushPlatformAndroid, fcm)
		enabled = true
	}

	if !enabled {
		log.Info().Msg("Push delivery disabled")
		return nil, nil
	}
	return router, nil
}

// setupLogger configures zerolog logger
func setupLogger(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
