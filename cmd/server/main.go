package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/djamkenny/hairbookery-sub000/internal/broker"
	"github.com/djamkenny/hairbookery-sub000/internal/config"
	"github.com/djamkenny/hairbookery-sub000/internal/domain"
	"github.com/djamkenny/hairbookery-sub000/internal/httpserver"
	"github.com/djamkenny/hairbookery-sub000/internal/obs"
	"github.com/djamkenny/hairbookery-sub000/internal/security"
	"github.com/djamkenny/hairbookery-sub000/internal/service"
	"github.com/djamkenny/hairbookery-sub000/internal/store/postgres"
	"github.com/djamkenny/hairbookery-sub000/internal/store/sqlite"
	"github.com/djamkenny/hairbookery-sub000/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := obs.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	db, users, messages, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	tokens := security.NewTokenService(cfg.JWTSecret, cfg.AccessTokenTTL())
	encryptor, err := security.NewEncryptor([]byte(cfg.EncryptKey), cfg.LegacyEncryptKeys)
	if err != nil {
		return err
	}

	bus, err := openBroker(cfg, logger)
	if err != nil {
		return err
	}
	defer bus.Close()

	hub := ws.NewHub()
	unsubscribe, err := bus.Subscribe(hub.Dispatch)
	if err != nil {
		return err
	}
	defer unsubscribe()

	auth := service.NewAuthService(users, tokens, security.NewPasswordHasher(0))
	if cfg.AdminEmail != "" {
		admin, err := auth.EnsureAdmin(context.Background(), service.RegisterInput{
			Name:     cfg.AdminName,
			Email:    cfg.AdminEmail,
			Password: cfg.AdminPassword,
		})
		if err != nil {
			return err
		}
		logger.Info("operator account ready", "user_id", admin.ID, "email", admin.Email)
	}

	router := httpserver.NewRouter(httpserver.Deps{
		Config:    cfg,
		Logger:    logger,
		Users:     users,
		Tokens:    tokens,
		Auth:      auth,
		UserSvc:   service.NewUserService(users),
		Messages:  service.NewMessageService(messages, encryptor, bus, logger, cfg.MaxMessagesPerConversation, cfg.HistoryMaxLimit),
		Hub:       hub,
		Publisher: bus,
	})

	srv := &http.Server{
		Addr:        cfg.HTTPAddr(),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting chat server", "addr", cfg.HTTPAddr(), "db", cfg.DatabaseDriver, "nats", cfg.NATSURL != "")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case <-stop:
	case err := <-errCh:
		return err
	}

	logger.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	return nil
}

func openStore(cfg *config.Config) (*sql.DB, domain.UserRepository, domain.MessageRepository, error) {
	switch cfg.DatabaseDriver {
	case "postgres":
		db, err := postgres.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := postgres.Migrate(db); err != nil {
			db.Close()
			return nil, nil, nil, err
		}
		return db, postgres.NewUserRepo(db), postgres.NewMessageRepo(db), nil
	default:
		db, err := sqlite.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := sqlite.Migrate(db); err != nil {
			db.Close()
			return nil, nil, nil, err
		}
		return db, sqlite.NewUserRepo(db), sqlite.NewMessageRepo(db), nil
	}
}

func openBroker(cfg *config.Config, logger *slog.Logger) (broker.Broker, error) {
	if cfg.NATSURL == "" {
		return broker.NewLocal(), nil
	}
	return broker.NewNATS(cfg.NATSURL, cfg.NATSSubjectPrefix, logger)
}
