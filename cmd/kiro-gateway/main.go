// Command kiro-gateway runs the OpenAI-compatible HTTP gateway in front of
// the Kiro (CodeWhisperer) API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/jwadow/kiro-gateway/internal/api"
	"github.com/jwadow/kiro-gateway/internal/auth"
	"github.com/jwadow/kiro-gateway/internal/config"
	"github.com/jwadow/kiro-gateway/internal/executor"
	"github.com/jwadow/kiro-gateway/internal/logging"
	"github.com/jwadow/kiro-gateway/internal/models"
	"github.com/jwadow/kiro-gateway/internal/store"
	"github.com/jwadow/kiro-gateway/internal/truncation"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	// Missing .env is fine; the environment may carry everything.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logging.Setup(cfg.LogFile, cfg.RequestLog)

	if err = run(cfg); err != nil {
		log.Fatalf("kiro-gateway: %v", err)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	authMgr, err := auth.NewManager(cfg)
	if err != nil {
		return err
	}

	resolver := models.NewResolver(cfg, authMgr)
	loadCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	if err = resolver.Load(loadCtx); err != nil {
		log.Warnf("model catalog load failed, serving defaults: %v", err)
	}
	cancel()

	responses := store.NewResponseStore(cfg.ResponseStorePath, cfg.ResponseMaxAgeDays)
	history := store.NewRequestHistory(cfg.HistoryStorePath, 200)
	apiKeys := store.NewAPIKeyManager(cfg.APIKeyStorePath, cfg.APIKey)
	go func() {
		if watchErr := apiKeys.Watch(ctx); watchErr != nil {
			log.Warnf("api key watcher stopped: %v", watchErr)
		}
	}()

	handler := api.NewHandler(cfg, authMgr, executor.New(cfg, authMgr), resolver,
		responses, history, apiKeys, truncation.NewRegistry())

	if !logging.VerboseEnabled() {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	handler.Register(engine)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: engine,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("kiro-gateway listening on %s (region %s, auth %s)", srv.Addr, cfg.Region, authMgr.AuthType())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err = <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	return srv.Shutdown(shutdownCtx)
}
