package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"sentra.dev/internal/access"
	"sentra.dev/internal/audit"
	"sentra.dev/internal/auth"
	"sentra.dev/internal/challenge"
	"sentra.dev/internal/config"
	"sentra.dev/internal/httpapi"
	"sentra.dev/internal/notify"
	"sentra.dev/internal/obs"
	"sentra.dev/internal/ratelimit"
	"sentra.dev/internal/role"
	"sentra.dev/internal/token"
	"sentra.dev/internal/user"
)

var version = "0.3.0"

func main() {
	obs.Init()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	db, err := sql.Open("pgx", cfg.PGDSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})

	store := audit.NewPGStore(db)
	sink := audit.NewSink(store)

	users := user.NewPGStore(db)
	ledger := token.NewLedger(db, sink, token.WithRefreshTTL(cfg.RefreshTTL))
	limiter := ratelimit.NewLimiter(rdb, cfg.RateWindow)
	challenges := challenge.NewService(db, limiter, sink, notify.LogDispatcher{},
		challenge.WithTTL(cfg.ChallengeTTL),
		challenge.WithMaxAttempts(cfg.MaxAttempts))
	registry := role.NewRegistry(db, sink)

	signer, err := auth.NewTokenSigner(cfg.TokenSecret, cfg.TokenIssuer, auth.WithAccessTTL(cfg.AccessTTL))
	if err != nil {
		log.Fatalf("token signer: %v", err)
	}
	orch := auth.NewOrchestrator(users, ledger, challenges, registry, signer, sink)

	api := httpapi.New(httpapi.Deps{
		DB:            db,
		Auth:          orch,
		Roles:         registry,
		Audit:         store,
		Access:        access.NewEvaluator(sink),
		Version:       version,
		RatePerSecond: int(cfg.HTTPRateLimit),
		RateBurst:     cfg.HTTPRateBurst,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	sweepCtx, stopSweeps := context.WithCancel(context.Background())
	go runSweeps(sweepCtx, ledger, challenges, cfg.SweepInterval)

	log.Printf("Starting sentra-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	stopSweeps()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	_ = rdb.Close()
	_ = db.Close()
	log.Println("Stopped")
}

// runSweeps periodically deletes expired refresh credentials and challenges.
func runSweeps(ctx context.Context, ledger *token.Ledger, challenges *challenge.Service, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := ledger.SweepExpired(ctx); err != nil {
				obs.Error("sweep refresh tokens", err, nil)
			} else if n > 0 {
				obs.Log("swept refresh tokens", map[string]any{"count": n})
			}
			if n, err := challenges.SweepExpired(ctx); err != nil {
				obs.Error("sweep verification codes", err, nil)
			} else if n > 0 {
				obs.Log("swept verification codes", map[string]any{"count": n})
			}
		}
	}
}
