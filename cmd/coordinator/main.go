package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/chess-site/coordinator/internal/archive"
	"github.com/chess-site/coordinator/internal/config"
	"github.com/chess-site/coordinator/internal/msgcat"
	"github.com/chess-site/coordinator/internal/obslog"
	"github.com/chess-site/coordinator/internal/registry"
	"github.com/chess-site/coordinator/internal/relay"
	"github.com/chess-site/coordinator/internal/session"
	"github.com/chess-site/coordinator/internal/stake"
	"github.com/chess-site/coordinator/internal/store"
	"github.com/chess-site/coordinator/internal/token"
	"github.com/chess-site/coordinator/internal/transport"
)

func main() {
	_ = godotenv.Load()

	if err := obslog.InitFromEnv(); err != nil {
		panic(err)
	}
	log := obslog.L()
	defer func() { _ = log.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config_error", zap.Error(err))
	}

	cat, err := msgcat.New(os.Getenv("MSGCAT_DIR"))
	if err != nil {
		log.Fatal("messages_error", zap.Error(err))
	}

	reg := registry.New()
	hub := relay.NewHub()
	tokens := token.NewIssuer(cfg.TokenSecret, 0)

	var settler stake.Settler = stake.NopSettler{}
	if cfg.LedgerBaseURL != "" {
		settler = stake.NewLedgerClient(cfg.LedgerBaseURL)
		log.Info("ledger_enabled", zap.String("base_url", cfg.LedgerBaseURL))
	}

	mgr := session.NewManager(session.Config{
		GraceWindow:    cfg.GraceWindow,
		IdleTTL:        cfg.IdleTTL,
		OverRetention:  cfg.OverRetention,
		ReaperInterval: cfg.ReaperInterval,
		ClockInitial:   cfg.ClockInitial,
		DefaultStake:   cfg.DefaultStake,
	}, reg, hub, settler, tokens)

	if cfg.RedisURL != "" {
		snaps, err := store.Open(context.Background(), cfg.RedisURL)
		if err != nil {
			log.Fatal("redis_error", zap.Error(err))
		}
		defer func() { _ = snaps.Close() }()
		mgr.AttachSnapshots(snaps)
		log.Info("snapshots_enabled")
	}

	if cfg.DatabaseURL != "" {
		repo, err := archive.NewRepository(cfg.DatabaseURL)
		if err != nil {
			log.Fatal("database_error", zap.Error(err))
		}
		defer func() { _ = repo.Close() }()
		mgr.AttachArchive(repo)
		log.Info("archive_enabled")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	go mgr.RunReaper(ctx)

	mux := http.NewServeMux()
	mux.Handle("/ws", transport.NewHandler(mgr, hub, cat, cfg.AllowedOrigins))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":      "ok",
			"sessions":    mgr.SessionCount(),
			"connections": hub.Count(),
		})
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server_listening", zap.String("addr", cfg.ListenAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown_signal")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server_error", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown_error", zap.Error(err))
	}
	log.Info("server_stopped")
}
