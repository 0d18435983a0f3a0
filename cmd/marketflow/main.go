package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	r "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"marketflow/internal/admin"
	"marketflow/internal/budget"
	"marketflow/internal/config"
	"marketflow/internal/dispatch"
	"marketflow/internal/domain"
	"marketflow/internal/handlers/aitag"
	"marketflow/internal/handlers/feed"
	"marketflow/internal/jobstore"
	"marketflow/internal/producer"
	"marketflow/internal/ratelimit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := jobstore.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}

	repo := jobstore.New(db, cfg.MaxPayloadBytes)
	if n, err := repo.ReclaimExpiredLeases(context.Background(), time.Now().UTC()); err == nil && n > 0 {
		log.Info().Int("reclaimed", n).Msg("reclaimed leases from previous run")
	}

	// Rate-limit windows live in Redis when configured, otherwise in
	// process memory (single-replica deployments).
	var counters ratelimit.CounterStore
	if cfg.RedisAddr != "" {
		rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		counters = ratelimit.NewRedisCounter(rdb)
		log.Info().Str("addr", cfg.RedisAddr).Msg("rate limit counters in redis")
	} else {
		counters = ratelimit.NewMemoryCounter()
		log.Info().Msg("rate limit counters in memory")
	}
	limiter := ratelimit.NewLimiter(ratelimit.DefaultRules(), counters, repo)

	gate := budget.NewGate(db, cfg.BudgetLimitCents, budget.LogNotifier{})

	reg := dispatch.NewRegistry()
	mustRegister(reg, "feed_refresh", dispatch.Registration{
		Handler:     feed.Refresh{},
		MaxAttempts: 5,
		BackoffBase: 30 * time.Second,
		Timeout:     2 * time.Minute,
	})
	// TODO: swap the dev tagger for the real vision-provider client once
	// the tagging service ships; units/cost reporting stays the same.
	devTag := func(ctx context.Context, listingID string, items []string) (int64, int64, error) {
		return int64(len(items)), int64(len(items)) * 2, nil
	}
	mustRegister(reg, "ai_tagging", dispatch.Registration{
		Handler:     aitag.New(gate, "gemini", 16, devTag),
		MaxAttempts: 3,
		BackoffBase: time.Minute,
		Timeout:     5 * time.Minute,
	})
	mustRegister(reg, "budget_report", dispatch.Registration{
		Handler: dispatch.HandlerFunc(func(ctx context.Context, payload []byte) domain.Result {
			counters, err := gate.MonthCounters(ctx)
			if err != nil {
				return domain.Retry(err)
			}
			for _, c := range counters {
				log.Info().
					Str("provider", c.Provider).
					Str("month", c.Month).
					Int64("cost_cents", c.CostCents).
					Int64("limit_cents", c.LimitCents).
					Float64("percent_used", c.PercentUsed()).
					Msg("monthly budget usage")
			}
			return domain.OK()
		}),
		MaxAttempts: 3,
		BackoffBase: time.Minute,
		Timeout:     time.Minute,
	})
	mustRegister(reg, "payment_reconcile", dispatch.Registration{
		Handler: dispatch.HandlerFunc(func(ctx context.Context, payload []byte) domain.Result {
			// Reconciliation is a no-op until the payment provider's
			// report API client lands; the job shape is stable.
			return domain.OK()
		}),
		MaxAttempts: 10,
		BackoffBase: 5 * time.Minute,
		Timeout:     10 * time.Minute,
	})

	pool := dispatch.NewPool(repo, reg, dispatch.Config{
		Workers:           cfg.Workers,
		ScreenshotWorkers: cfg.ScreenshotWorkers,
		BulkSharePct:      cfg.BulkSharePct,
		PollInterval:      cfg.PollInterval,
		LeaseDuration:     cfg.LeaseDuration,
		ReclaimInterval:   cfg.ReclaimInterval,
	})

	producers := producer.NewService(repo, limiter, []producer.Spec{
		{
			Name:        "feed_refresh",
			Cron:        "0 * * * *", // hourly
			Queue:       domain.QueueBulk,
			HandlerType: "feed_refresh",
			MaxAttempts: 5,
			Bucket:      time.Hour,
			Payload: func(now time.Time) []byte {
				b, _ := json.Marshal(map[string]any{"cycle": now.Format(time.RFC3339)})
				return b
			},
		},
		{
			Name:        "payment_reconcile",
			Cron:        "30 2 * * *", // nightly
			Queue:       domain.QueueDefault,
			HandlerType: "payment_reconcile",
			MaxAttempts: 10,
			Bucket:      24 * time.Hour,
		},
		{
			Name:        "budget_report",
			Cron:        "0 8 * * *", // daily spend digest
			Queue:       domain.QueueLow,
			HandlerType: "budget_report",
			MaxAttempts: 3,
			Bucket:      24 * time.Hour,
		},
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: admin.NewServer(repo, limiter, gate, reg)}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(ctx) })
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		producers.Stop()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	if err := producers.Start(); err != nil {
		log.Fatal().Err(err).Msg("start producers")
	}

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("exited with error")
	}
}

func mustRegister(reg *dispatch.Registry, name string, r dispatch.Registration) {
	if err := reg.Register(name, r); err != nil {
		log.Fatal().Err(err).Str("handler", name).Msg("register handler")
	}
}
