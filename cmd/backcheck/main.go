package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"backcheck/internal/analysis"
	"backcheck/internal/backend"
	"backcheck/internal/config"
	"backcheck/internal/server"
	"backcheck/internal/session"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "backcheck.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal(err)
	}

	sessions, err := session.Open(cfg.SessionDBPath, cfg.SessionTTL())
	if err != nil {
		log.Fatalf("open session store: %v", err)
	}
	defer sessions.Close()

	client := backend.NewClient(cfg.BackendBaseURL)
	runner := analysis.New(client, sessions, cfg.PollInterval(), cfg.MaxTweets, cfg.DashboardURL)

	api := server.New(cfg, sessions, client, runner, server.AssetsHandler())
	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      server.WithLogging(api.Routes()),
		ReadTimeout:  time.Duration(cfg.HTTPReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTPWriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.HTTPIdleTimeoutSec) * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if _, err := sessions.StartSweeper(ctx, cfg.SessionSweepSpec); err != nil {
		log.Fatalf("start session sweeper: %v", err)
	}

	go func() {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shCtx)
	}()

	log.Printf("starting backcheck on %s (backend=%s)", cfg.ListenAddress, cfg.BackendBaseURL)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}
