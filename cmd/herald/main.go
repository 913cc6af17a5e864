package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/heraldhq/herald/internal/api"
	"github.com/heraldhq/herald/internal/campaign"
	"github.com/heraldhq/herald/internal/client"
	"github.com/heraldhq/herald/internal/clock"
	"github.com/heraldhq/herald/internal/config"
	"github.com/heraldhq/herald/internal/dispatch"
	"github.com/heraldhq/herald/internal/driver/rodweb"
	"github.com/heraldhq/herald/internal/media"
	"github.com/heraldhq/herald/internal/queue"
	"github.com/heraldhq/herald/internal/repo"
	"github.com/heraldhq/herald/internal/scheduler"
	"github.com/heraldhq/herald/internal/session"
)

func main() {
	_ = godotenv.Load()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("herald exited", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadAll()
	if err != nil {
		return err
	}

	db, err := sql.Open("pgx", cfg.Database.PostgresURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return err
	}

	clk := clock.Real{}

	sessions := repo.NewPostgresSessionRepo(db)
	messages := repo.NewPostgresMessageRepo(db)
	campaigns := repo.NewPostgresCampaignRepo(db)
	contacts := repo.NewPostgresContactRepo(db)
	audit := repo.NewPostgresAuditRepo(db)

	q := queue.NewRedisQueue(rdb, clk)

	registry := session.NewRegistry(rodweb.NewFactory(cfg.Driver))
	sink := client.NewSinkClient(cfg.Sink.URL, cfg.Sink.Token)

	lifecycle := session.NewLifecycle(session.LifecycleDeps{
		Registry: registry,
		Sessions: sessions,
		Contacts: contacts,
		Audit:    audit,
		Producer: q,
		Sink:     sink,
		Clock:    clk,

		PollInterval: cfg.Pairing.PollInterval,
		PollTimeout:  cfg.Pairing.Timeout,
		Staleness:    cfg.Health.StalenessThreshold,
	})

	evidence, err := media.NewEvidenceStore(cfg.Media.EvidenceDir)
	if err != nil {
		return err
	}

	dispatcher := dispatch.New(dispatch.Deps{
		Handles:   registry,
		Control:   lifecycle,
		Messages:  messages,
		Campaigns: campaigns,
		Audit:     audit,
		Producer:  q,
		Fetcher:   media.NewFetcher(cfg.Media.ScratchDir, cfg.Media.MaxBytes, cfg.Media.FetchTimeout),
		Evidence:  evidence,
		Clock:     clk,
		Config: dispatch.Config{
			BackoffBase:   cfg.Dispatch.BackoffBase,
			PacingMin:     cfg.Dispatch.PacingMin,
			PacingMax:     cfg.Dispatch.PacingMax,
			PacingPerSec:  cfg.Dispatch.PacingPerSec,
			StrictConfirm: cfg.Dispatch.StrictConfirm,
		},
	})

	orchestrator := campaign.New(campaign.Deps{
		Campaigns: campaigns,
		Messages:  messages,
		Contacts:  contacts,
		Sessions:  sessions,
		Audit:     audit,
		Producer:  q,
		Clock:     clk,

		DefaultMaxAttempts: cfg.Dispatch.MaxAttempts,
	})

	consumer := queue.NewConsumer(q, []queue.Pool{
		{Name: "send", Topics: []queue.Topic{queue.TopicSendMessage}, Workers: cfg.Pools.SendWorkers},
		{Name: "control", Topics: []queue.Topic{
			queue.TopicConnectSession,
			queue.TopicDisconnectSession,
			queue.TopicSyncContacts,
		}, Workers: cfg.Pools.ControlWorkers},
	})
	consumer.Handle(queue.TopicSendMessage, dispatcher.HandleSend)
	consumer.Handle(queue.TopicConnectSession, lifecycle.HandleConnect)
	consumer.Handle(queue.TopicDisconnectSession, lifecycle.HandleDisconnect)
	consumer.Handle(queue.TopicSyncContacts, lifecycle.HandleSyncContacts)
	if err := consumer.Start(); err != nil {
		return err
	}

	promoter, err := scheduler.New("queue-promoter", time.Second, func(ctx context.Context) {
		if err := q.PromoteDue(ctx,
			queue.TopicSendMessage,
			queue.TopicConnectSession,
			queue.TopicDisconnectSession,
			queue.TopicSyncContacts,
		); err != nil {
			slog.Warn("delayed job promotion failed", "err", err)
		}
	})
	if err != nil {
		return err
	}
	promoter.Start()

	healthAudit, err := scheduler.New("health-audit", cfg.Health.AuditInterval, lifecycle.AuditTick)
	if err != nil {
		return err
	}
	healthAudit.Start()

	srv := &http.Server{
		Addr:    cfg.Server.Address,
		Handler: loggingMiddleware(api.Router(api.NewHandler(sessions, lifecycle, orchestrator))),
	}
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("herald listening", "addr", cfg.Server.Address)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-stop:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-serveErr:
		return err
	}

	// New work stops first, then in-flight jobs drain, then browser
	// sessions close.
	healthAudit.Stop()
	promoter.Stop()
	consumer.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	registry.ReleaseAll(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	slog.Info("herald stopped")
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		slog.Info("http request",
			"method", r.Method, "path", r.URL.Path, "status", rec.status,
			"duration", time.Since(start))
	})
}
