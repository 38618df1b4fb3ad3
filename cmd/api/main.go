package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"sirebridge.pe/internal/artifact"
	"sirebridge.pe/internal/credential"
	"sirebridge.pe/internal/events"
	"sirebridge.pe/internal/httpapi"
	"sirebridge.pe/internal/obs"
	"sirebridge.pe/internal/session"
	"sirebridge.pe/internal/sunat"
	"sirebridge.pe/internal/ticket"
)

var version = "0.3.1"

func main() {
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("SIRE_COMMIT"))

	// Durable tier (optional; the service degrades to memory+redis without it).
	var db *sql.DB
	if dsn := os.Getenv("SIRE_PG_DSN"); dsn != "" {
		var err error
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	// Credentials for the password grant, loaded once at startup.
	var creds credential.Store
	if path := os.Getenv("SIRE_CREDENTIALS_FILE"); path != "" {
		store, err := credential.LoadFile(path)
		if err != nil {
			log.Fatalf("load credentials: %v", err)
		}
		creds = store
	} else {
		creds = credential.NewStaticStore(nil)
	}

	remote := sunat.NewClient(
		sunat.WithBaseURL(os.Getenv("SIRE_SUNAT_BASE_URL")),
		sunat.WithAuthURL(os.Getenv("SIRE_SUNAT_AUTH_URL")),
	)

	sessionOpts := []session.ManagerOption{}
	if addr := os.Getenv("SIRE_REDIS_ADDR"); addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: os.Getenv("SIRE_REDIS_PASSWORD"),
		})
		sessionOpts = append(sessionOpts, session.WithSharedStore(session.NewRedisStore(rdb)))
	}
	if db != nil {
		sessionOpts = append(sessionOpts, session.WithDurableStore(session.NewPostgresStore(db)))
	}
	sessions := session.NewManager(creds, remote, sessionOpts...)

	var artifacts *artifact.Store
	if dir := envDefault("SIRE_ARTIFACT_DIR", "./data/artifacts"); dir != "" {
		var err error
		artifacts, err = artifact.NewStore(dir)
		if err != nil {
			log.Fatalf("artifact store: %v", err)
		}
	}

	var ticketStore ticket.Store
	if db != nil {
		ticketStore = ticket.NewPostgresStore(db)
	} else {
		ticketStore = ticket.NewMemoryStore()
	}

	stream := events.New()
	orch := ticket.NewOrchestrator(ticketStore, sessions, remote,
		ticket.WithWorkers(envInt("SIRE_WORKERS", 8)),
		ticket.WithArtifacts(artifacts),
		ticket.WithEvents(stream),
	)

	// Periodic maintenance: expiry sweep, stall recovery, session cleanup. An
	// external scheduler can also drive these through /v1/maintenance.
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	go runSweeper(sweepCtx, orch, sessions, envDuration("SIRE_SWEEP_INTERVAL", time.Minute))

	api := httpapi.New(httpapi.ReadyProbe{DB: db}, version, sessions, orch, artifacts, stream)
	handler := httpapi.Logging(
		httpapi.RequestID(
			httpapi.SecurityHeaders(
				httpapi.RateLimit(
					httpapi.MaxBodyBytes(api.Handler(), 1<<20),
					20, 10))))

	srv := &http.Server{
		Addr:              envDefault("SIRE_ADDR", ":8080"),
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      0, // SSE responses stay open
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting sirebridge-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	stopSweeper()
	orch.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}

// runSweeper drives the periodic maintenance passes until the context ends.
func runSweeper(ctx context.Context, orch *ticket.Orchestrator, sessions *session.Manager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := orch.Sweep(ctx); err != nil {
				obs.Warn("sweeper: ticket sweep failed", map[string]any{"error": err.Error()})
			}
			if _, err := orch.RecoverStalled(ctx); err != nil {
				obs.Warn("sweeper: stall recovery failed", map[string]any{"error": err.Error()})
			}
			if _, err := sessions.CleanupExpired(ctx, ""); err != nil {
				obs.Warn("sweeper: session cleanup failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
