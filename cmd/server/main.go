package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/manpreetbhatti/codecollab/internal/api"
	"github.com/manpreetbhatti/codecollab/internal/config"
	"github.com/manpreetbhatti/codecollab/internal/db"
	"github.com/manpreetbhatti/codecollab/internal/execution"
	"github.com/manpreetbhatti/codecollab/internal/presence"
	"github.com/manpreetbhatti/codecollab/internal/ratelimit"
	"github.com/manpreetbhatti/codecollab/internal/retention"
	"github.com/manpreetbhatti/codecollab/internal/room"
	"github.com/manpreetbhatti/codecollab/internal/telemetry"
	"github.com/manpreetbhatti/codecollab/internal/ws"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "codecollab", cfg.OTelEndpoint)
	if err != nil {
		log.Printf("⚠️ Tracing disabled: %v", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownTracing(sctx)
	}()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer database.Close()

	redisClient, err := presence.Connect(ctx, cfg.RedisURL)
	if err != nil {
		log.Printf("⚠️ Redis unavailable, running without presence mirror: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	mirror := presence.New(redisClient)

	var limiter ws.Limiter
	switch {
	case cfg.CompileLimit == 0:
		// unlimited
	case redisClient != nil:
		limiter = ratelimit.NewWindow(redisClient, "compile", cfg.CompileLimit, cfg.CompileWindow)
	default:
		limiter = ratelimit.NewKeyed(cfg.CompileLimit, cfg.CompileWindow)
	}

	piston := execution.NewPistonClient(cfg.ExecutorURL, &http.Client{})
	hub := ws.NewHub(ws.Options{
		Defaults: room.Defaults{
			Document: cfg.DefaultDocument,
			Language: cfg.DefaultLanguage,
		},
		Executor:       execution.NewDispatcher(piston, cfg.ExecutorTimeout),
		CompileLimiter: limiter,
		Store:          database,
		Presence:       mirror,
		CheckOrigin:    cfg.OriginAllowed,
	})

	defaults := retention.DefaultConfig()
	sweeper := retention.New(database, retention.Config{
		Interval:     cfg.RetentionInterval,
		ExecutionTTL: cfg.ExecutionLogTTL,
		SessionTTL:   defaults.SessionTTL,
		Grace:        defaults.Grace,
	}, hub.Registry().Instances)
	if err := sweeper.Recover(); err != nil {
		log.Fatalf("Failed to recover sessions: %v", err)
	}

	router := mux.NewRouter()
	router.HandleFunc("/ws", hub.ServeWs).Methods(http.MethodGet)
	api.New(hub, database, mirror, piston).Routes(router)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.CORS(cfg.OriginAllowed)(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("🌸 CodeCollab server starting on :%s", cfg.Port)
	log.Printf("📁 Database: %s", cfg.DBPath)
	log.Printf("⚙️ Executor: %s (timeout %v)", cfg.ExecutorURL, cfg.ExecutorTimeout)
	if mirror.Enabled() {
		log.Println("📡 Presence mirror: redis")
	}
	log.Println("Endpoints:")
	log.Println("  - WebSocket:   /ws")
	log.Println("  - Health:      GET /health")
	log.Println("  - Stats:       GET /api/stats")
	log.Println("  - Runtimes:    GET /api/runtimes")
	log.Println("  - Presence:    GET /api/presence")
	log.Println("  - Rooms:       GET/POST /api/rooms")
	log.Println("  - Room:        GET /api/rooms/{id}")
	log.Println("  - Executions:  GET /api/rooms/{id}/executions")
	log.Println("  - Checkpoints: GET/POST /api/rooms/{id}/checkpoints")
	log.Println("  - Checkpoint:  GET/DELETE /api/rooms/{id}/checkpoints/{cid}")
	log.Println("  - Diff:        GET /api/rooms/{id}/checkpoints/diff?from=X&to=Y")
	log.Println("  - Restore:     POST /api/rooms/{id}/checkpoints/{cid}/restore")

	sweeper.Start()
	defer sweeper.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutting down server...")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := server.Shutdown(sctx)
		hub.Wait()
		return err
	})

	if err := g.Wait(); err != nil {
		log.Printf("Server stopped: %v", err)
	}
}
