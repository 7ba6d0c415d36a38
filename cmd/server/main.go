// Package main provides the entry point for the Roster server, the backend
// for an agent operations dashboard: provider connections via OAuth, a roster
// of agents, and shared memory backed by Postgres.
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

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/rosterhq/roster/internal/agent"
	"github.com/rosterhq/roster/internal/api"
	"github.com/rosterhq/roster/internal/api/handlers/management"
	"github.com/rosterhq/roster/internal/auth/openai"
	"github.com/rosterhq/roster/internal/auth/state"
	"github.com/rosterhq/roster/internal/cache"
	"github.com/rosterhq/roster/internal/config"
	"github.com/rosterhq/roster/internal/logging"
	"github.com/rosterhq/roster/internal/relay"
	"github.com/rosterhq/roster/internal/store"
	"github.com/rosterhq/roster/internal/token"
	"github.com/rosterhq/roster/internal/util"
	"github.com/rosterhq/roster/internal/watcher"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func init() {
	logging.SetupBaseLogger()
}

func main() {
	fmt.Printf("Roster Version: %s, Commit: %s, BuiltAt: %s\n", Version, Commit, BuildDate)

	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Configure File Path")
	flag.Parse()

	// .env is optional; environment overrides still apply without it.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Debugf("no .env file loaded: %v", err)
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("failed to load config from %s: %v", configPath, err)
	}
	logging.ApplyConfig(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer func() {
		_ = st.Close()
	}()

	states := state.New()
	defer states.Close()

	authenticator := openai.NewAuthenticator(cfg)
	tokenManager := token.NewManager(st, authenticator)
	rosterCache := cache.New(st, cfg.RosterCacheTTLSeconds)
	embedClient := agent.NewEmbeddingClient(cfg.Embedding, util.SetProxy(cfg, &http.Client{Timeout: 30 * time.Second}))
	runner := agent.NewRunner(st, tokenManager, embedClient, util.SetProxy(cfg, &http.Client{Timeout: 120 * time.Second}))
	hub := relay.NewHub()

	handler := management.NewHandler(cfg, st, states, authenticator,
		tokenManager, rosterCache, runner, embedClient, hub)
	engine := api.NewRouter(cfg, handler, hub)

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	w, err := watcher.NewWatcher(configPath, func(updated *config.Config) {
		logging.ApplyConfig(updated)
		rosterCache.Flush()
		log.Info("config hot reload applied")
	})
	if err != nil {
		log.Warnf("config watcher unavailable: %v", err)
	} else if err = w.Start(ctx); err != nil {
		log.Warnf("config watcher failed to start: %v", err)
	} else {
		defer func() {
			_ = w.Stop()
		}()
	}

	go func() {
		log.Infof("listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = hub.Stop(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("graceful shutdown failed: %v", err)
	}
}
