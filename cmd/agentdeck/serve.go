package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flitsinc/agentdeck/internal/adapter"
	"github.com/flitsinc/agentdeck/internal/api"
	"github.com/flitsinc/agentdeck/internal/collab"
	"github.com/flitsinc/agentdeck/internal/config"
	"github.com/flitsinc/agentdeck/internal/engine"
	"github.com/flitsinc/agentdeck/internal/hub"
	"github.com/flitsinc/agentdeck/internal/store"
	"github.com/flitsinc/agentdeck/internal/web"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agentdeck server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg := config.Load()
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.ProjectsRoot, 0o755); err != nil {
		return err
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()
	st := store.New(db)

	h := hub.New(hub.WithPingInterval(cfg.PingInterval))
	h.Start()
	defer h.Stop()

	adapters := adapter.NewRegistry(
		adapter.NewClaude(),
		adapter.NewCursor(),
		adapter.NewCodex(),
	)

	var collabClient *collab.Client
	if cfg.CollabBaseURL != "" {
		collabClient = collab.New(cfg.CollabBaseURL, cfg.CollabAPIKey)
	}

	rt := engine.New(st, h, adapters, cfg.ProjectsRoot,
		engine.WithCollab(collabClient),
		engine.WithRetryPolicy(cfg.RetryQuotaMax, cfg.RetryQuotaDelay),
		engine.WithCancelTimeout(cfg.CancelTimeout),
	)

	apiServer := &api.Server{
		Store:     st,
		Hub:       h,
		Runtime:   rt,
		Collab:    collabClient,
		Providers: adapters.Providers(),
		StartedAt: time.Now(),
	}
	webServer := &web.Server{Dir: cfg.WebDir}

	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer.Handler())
	mux.Handle("/", webServer.Handler())

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return err
	}

	serverCtx, serverCancel := context.WithCancel(context.Background())
	defer serverCancel()
	httpServer := &http.Server{
		Handler:           loggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return serverCtx
		},
	}

	go func() {
		log.Printf("agentdeck listening on %s", listener.Addr())
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	serverCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
	return httpServer.Close()
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}
