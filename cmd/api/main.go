package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/orelvisrguez/qr-attendance-sub000/internal/attendance"
	"github.com/orelvisrguez/qr-attendance-sub000/internal/httpapi"
	"github.com/orelvisrguez/qr-attendance-sub000/internal/obs"
	"github.com/orelvisrguez/qr-attendance-sub000/internal/store/pg"
	"github.com/orelvisrguez/qr-attendance-sub000/internal/stream"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stopJanitor := context.WithCancel(context.Background())
	defer stopJanitor()

	// Postgres when a DSN is configured, in-process memory otherwise
	var (
		store attendance.Store
		probe httpapi.ReadyProbe
	)
	if dsn := os.Getenv("ROLLCALL_PG_DSN"); dsn != "" {
		pgStore, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer pgStore.Close()
		if err := pgStore.EnsureSchema(ctx); err != nil {
			log.Fatalf("ensure schema: %v", err)
		}
		store = pgStore
		probe = httpapi.ReadyProbe{DB: pgStore.DB()}
	} else {
		store = attendance.NewMemStore()
		log.Println("ROLLCALL_PG_DSN not set, using in-memory store")
	}

	svc := attendance.NewManager(store, stream.New())
	svc.StartJanitor(ctx, 30*time.Second)

	api := httpapi.New(probe, version, svc)

	addr := os.Getenv("ROLLCALL_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// Write timeout would cut long-lived SSE and WebSocket feeds;
		// the middleware bounds request bodies instead.
		IdleTimeout: 60 * time.Second,
	}

	log.Printf("Starting rollcall-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	stopJanitor()
	log.Println("Stopped")
}
