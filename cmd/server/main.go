package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/Tyrowin/chatrelay/internal/logging"
	"github.com/Tyrowin/chatrelay/internal/server"
	"github.com/Tyrowin/chatrelay/internal/store"
)

func main() {
	// Optional .env for local development; the environment wins.
	_ = godotenv.Load()

	cfg, err := server.LoadConfig()
	if err != nil {
		logging.New("info").Fatal("invalid configuration", zap.Error(err))
	}

	log := logging.New(cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// An unreachable store at startup is fatal; later per-request store
	// failures only degrade individual sessions.
	st, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("database unreachable", zap.Error(err))
	}
	defer st.Close()

	registry := server.NewRegistry()
	router := server.NewRouter(st, registry, log)
	ws := server.NewWebSocketHandler(cfg, registry, router, st, log)

	httpServer := server.CreateServer(cfg.Port, server.SetupRoutes(ws))

	go func() {
		<-ctx.Done()
		log.Info("shutdown signal received")
		_ = server.ShutdownServer(httpServer, cfg.ShutdownTimeout, log)
		_ = ws.Shutdown(cfg.ShutdownTimeout)
	}()

	if err := server.StartServer(httpServer, log); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("server failed", zap.Error(err))
	}

	log.Info("server stopped")
}
