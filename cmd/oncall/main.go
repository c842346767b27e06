// Command oncall runs the alerting and escalation engine: the HTTP API,
// the integration endpoints and the background job workers.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/d9705996/oncall/internal/alertgroup"
	"github.com/d9705996/oncall/internal/api"
	"github.com/d9705996/oncall/internal/api/handler"
	"github.com/d9705996/oncall/internal/api/middleware"
	"github.com/d9705996/oncall/internal/auditor"
	"github.com/d9705996/oncall/internal/auth"
	"github.com/d9705996/oncall/internal/config"
	"github.com/d9705996/oncall/internal/db"
	"github.com/d9705996/oncall/internal/delivery"
	"github.com/d9705996/oncall/internal/escalation"
	"github.com/d9705996/oncall/internal/events"
	"github.com/d9705996/oncall/internal/grouping"
	"github.com/d9705996/oncall/internal/health"
	"github.com/d9705996/oncall/internal/ingest"
	"github.com/d9705996/oncall/internal/logrecord"
	"github.com/d9705996/oncall/internal/metrics"
	"github.com/d9705996/oncall/internal/model"
	"github.com/d9705996/oncall/internal/notify"
	"github.com/d9705996/oncall/internal/observability"
	"github.com/d9705996/oncall/internal/routing"
	"github.com/d9705996/oncall/internal/schedule"
	"github.com/d9705996/oncall/internal/seed"
	"github.com/d9705996/oncall/internal/sequence"
	"github.com/d9705996/oncall/internal/version"
	"github.com/d9705996/oncall/internal/worker"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	// a missing .env is fine; the environment wins over the file
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Observability -------------------------------------------------------
	obs, log, err := observability.New(ctx, &observability.Config{
		ServiceName:    "oncall",
		ServiceVersion: version.Version,
		Environment:    cfg.OTel.Environment,
		LogLevel:       cfg.Log.Level,
		LogFormat:      cfg.Log.Format,
		OTLPEndpoint:   cfg.OTel.OTLPEndpoint,
		SampleRatio:    cfg.OTel.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer obs.Shutdown(context.Background())
	slog.SetDefault(log)
	log.Info("starting oncall", "version", version.Version, "commit", version.Commit, "db_driver", cfg.DB.Driver)

	m := metrics.New(prometheus.DefaultRegisterer)

	// --- Database ------------------------------------------------------------
	gormDB, pool, err := db.New(ctx, &cfg.DB)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	if pool != nil {
		defer pool.Close()
		if err := worker.MigrateRiver(ctx, pool); err != nil {
			return fmt.Errorf("river migrations: %w", err)
		}
		log.Info("river migrations applied")
	}
	log.Info("database ready", "driver", cfg.DB.Driver)

	if err := seedDatabase(ctx, cfg, gormDB, log); err != nil {
		return err
	}

	// --- Services ------------------------------------------------------------
	jobHandlers := &worker.Handlers{}
	queue, err := worker.New(pool, gormDB, cfg.DB.Driver, jobHandlers, worker.Config{
		Concurrency:   cfg.Worker.Concurrency,
		MaxAttempts:   cfg.Worker.MaxAttempts,
		AuditInterval: cfg.Escalation.AuditInterval,
		RelayInterval: cfg.Escalation.RelayInterval,
	}, log)
	if err != nil {
		return fmt.Errorf("create worker: %w", err)
	}

	guard := func(name string) *delivery.Guard {
		return delivery.NewGuard(name, delivery.GuardConfig{
			RatePerSecond: cfg.Webhook.RatePerSecond,
			Burst:         cfg.Webhook.Burst,
			Failures:      cfg.Webhook.BreakerFailures,
			OpenFor:       cfg.Webhook.BreakerOpenAfter,
		}, m)
	}
	webhooks := delivery.NewWebhookClient(cfg.Webhook.Timeout, guard("webhook"))
	logBackend := delivery.NewLogBackend(log)

	var (
		chat  delivery.Chat    = logBackend
		slack delivery.Backend = logBackend
	)
	if cfg.Slack.BotToken != "" {
		slackBackend := delivery.NewSlackBackend(delivery.NewSlackClient(cfg.Slack.BotToken), guard("slack"))
		chat, slack = slackBackend, slackBackend
	}
	router := delivery.NewRouter(chat)
	router.Register(slack, model.ChannelSlack)
	router.Register(webhooks, model.ChannelWebhook)
	// no provider integrations yet; these channels are logged
	router.Register(logBackend,
		model.ChannelSMS, model.ChannelPhoneCall, model.ChannelTelegram, model.ChannelEmail,
		model.ChannelMobilePushGeneral, model.ChannelMobilePushCritical)

	logs := logrecord.NewRecorder(nil)
	oncall := schedule.NewResolver()
	groups := alertgroup.New(gormDB, logs, queue, m, log, alertgroup.Config{StartDelay: cfg.Escalation.StartDelay}, nil)
	executor := escalation.NewExecutor(gormDB, groups, logs, queue, escalation.Deps{
		Schedules: oncall,
		Webhooks:  webhooks,
		Chat:      chat,
	}, m, log, escalation.Config{
		DefaultWaitDelay: cfg.Escalation.DefaultWaitDelay,
		NextStepDelay:    cfg.Escalation.NextStepDelay,
		MaxRepeat:        cfg.Escalation.MaxRepeat,
	}, nil)
	notifier := notify.New(gormDB, logs, queue, router, m, log, notify.Config{
		NextStepDelay: cfg.Escalation.NextStepDelay,
		BundleWindow:  cfg.Escalation.BundleWindow,
		PublicURL:     cfg.App.PublicURL,
	}, nil)
	engine := grouping.New(gormDB, sequence.New(gormDB), m, log, nil)
	ingestSvc := ingest.New(gormDB, engine, routing.New(log), groups, logs, m, log,
		ingest.Config{AutoResolveAlertLimit: cfg.Escalation.AutoResolveAlertLimit}, nil)
	maintenance := ingest.NewMaintenance(gormDB, groups, queue, log, nil)
	pager := notify.NewPager(gormDB, logs, queue, oncall, ingestSvc, log, nil)
	audit := auditor.New(gormDB, webhooks, m, log, auditor.Config{
		Lookback:     cfg.Escalation.AuditLookback,
		HeartbeatURL: cfg.Escalation.AuditHeartbeatURL,
	}, nil)

	publisher, err := newPublisher(cfg.Events, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Warn("close event publisher", "err", err)
		}
	}()

	jobHandlers.Escalation = executor
	jobHandlers.Notify = notifier
	jobHandlers.AlertGroups = groups
	jobHandlers.Maintenance = maintenance
	jobHandlers.Auditor = audit
	jobHandlers.Relay = events.NewRelay(gormDB, publisher, log, nil)

	// --- HTTP routes ---------------------------------------------------------
	issuer := auth.NewIssuer(cfg.JWT.Secret, cfg.JWT.AccessTTL, nil)
	mux := http.NewServeMux()
	api.RegisterRoutes(mux, api.Handlers{
		Health:       health.New(db.NewPinger(gormDB)),
		Auth:         handler.NewAuthHandler(gormDB, issuer, auth.NewRefreshStore(gormDB, cfg.JWT.RefreshTTL, nil), log),
		AlertGroups:  handler.NewAlertGroupHandler(gormDB, groups, log),
		Paging:       handler.NewPagingHandler(gormDB, pager, log),
		Integrations: handler.NewIntegrationHandler(gormDB, ingestSvc, maintenance, log),
		Chains:       handler.NewChainHandler(gormDB, escalation.NewChainStore(gormDB), log),
	}, issuer, api.IngestLimit{PerSecond: cfg.Ingest.RatePerSecond, Burst: cfg.Ingest.Burst})
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           middleware.Observe(log, m)(mux),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// --- Run -----------------------------------------------------------------
	g, gctx := errgroup.WithContext(ctx)
	if cfg.Worker.Enabled {
		if err := queue.Start(gctx); err != nil {
			return fmt.Errorf("start worker: %w", err)
		}
		log.Info("worker started", "concurrency", cfg.Worker.Concurrency)
	} else {
		log.Warn("worker disabled; jobs are enqueued but not run by this process")
	}

	g.Go(func() error {
		log.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		if cfg.Worker.Enabled {
			if err := queue.Stop(shutdownCtx); err != nil {
				log.Error("worker stop error", "err", err)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("server stopped cleanly")
	return nil
}

func seedDatabase(ctx context.Context, cfg *config.Config, gormDB *gorm.DB, log *slog.Logger) error {
	if err := seed.EnsureAdmin(ctx, gormDB, seed.AdminOptions{
		Email:    cfg.App.SeedAdminEmail,
		Password: cfg.App.SeedAdminPassword,
	}, log); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	if cfg.App.FixturesFile == "" {
		return nil
	}
	f, err := seed.ReadFixtures(cfg.App.FixturesFile)
	if err != nil {
		return err
	}
	return seed.LoadFixtures(ctx, gormDB, f, log)
}

func newPublisher(cfg config.EventsConfig, log *slog.Logger) (events.Publisher, error) {
	switch cfg.Backend {
	case "kafka":
		log.Info("publishing events to kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
		return events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic), nil
	case "nats":
		p, err := events.NewNATSPublisher(cfg.NATSURL, cfg.SubjectPrefix)
		if err != nil {
			return nil, err
		}
		log.Info("publishing events to nats", "url", cfg.NATSURL)
		return p, nil
	default:
		return events.NewLogPublisher(log), nil
	}
}
