// Package worker runs the background jobs of the engine. On Postgres the
// jobs are durable River jobs; on SQLite an in-process delayed queue runs
// them instead.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/d9705996/oncall/internal/alertgroup"
	"github.com/d9705996/oncall/internal/auditor"
	"github.com/d9705996/oncall/internal/escalation"
	"github.com/d9705996/oncall/internal/events"
	"github.com/d9705996/oncall/internal/ingest"
	"github.com/d9705996/oncall/internal/jobs"
	"github.com/d9705996/oncall/internal/notify"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"gorm.io/gorm"
)

// Queue schedules jobs and runs them between Start and Stop.
type Queue interface {
	jobs.Enqueuer
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Handlers are the services jobs are dispatched to. The queue reads the
// fields when a job runs, so they may be set after the queue is built: the
// services need the queue as their Enqueuer.
type Handlers struct {
	Escalation  *escalation.Executor
	Notify      *notify.Service
	AlertGroups *alertgroup.Service
	Maintenance *ingest.Maintenance
	Auditor     *auditor.Auditor
	Relay       *events.Relay
}

// Config holds queue settings.
type Config struct {
	Concurrency   int
	MaxAttempts   int
	AuditInterval time.Duration
	RelayInterval time.Duration
}

// handler binds one job kind to the service method that executes it.
type handler struct {
	kind  string
	river func(*river.Workers)
	local func(context.Context, jobs.Args) error
}

type jobWorker[T jobs.Args] struct {
	river.WorkerDefaults[T]
	run func(context.Context, T) error
}

func (w *jobWorker[T]) Work(ctx context.Context, job *river.Job[T]) error {
	return w.run(ctx, job.Args)
}

func handle[T jobs.Args](run func(context.Context, T) error) handler {
	var zero T
	return handler{
		kind:  zero.Kind(),
		river: func(ws *river.Workers) { river.AddWorker(ws, &jobWorker[T]{run: run}) },
		local: func(ctx context.Context, args jobs.Args) error { return run(ctx, args.(T)) },
	}
}

func (h *Handlers) handlers() []handler {
	return []handler{
		handle(func(ctx context.Context, a jobs.EscalateAlertGroup) error {
			return h.Escalation.Escalate(ctx, a)
		}),
		handle(func(ctx context.Context, a jobs.NotifyUser) error {
			return h.Notify.NotifyUser(ctx, a)
		}),
		handle(func(ctx context.Context, a jobs.PerformNotification) error {
			return h.Notify.PerformNotification(ctx, a)
		}),
		handle(func(ctx context.Context, a jobs.SendBundledNotification) error {
			return h.Notify.SendBundledNotification(ctx, a)
		}),
		handle(func(ctx context.Context, a jobs.UnsilenceAlertGroup) error {
			return h.AlertGroups.UnSilenceByTimer(ctx, a.AlertGroupID, a.Token)
		}),
		handle(func(ctx context.Context, a jobs.AcknowledgeReminder) error {
			return h.AlertGroups.AcknowledgeReminder(ctx, a)
		}),
		handle(func(ctx context.Context, a jobs.DisableMaintenance) error {
			return h.Maintenance.DisableMaintenance(ctx, a)
		}),
		handle(func(ctx context.Context, a jobs.AuditEscalations) error {
			return h.Auditor.Audit(ctx, a)
		}),
		handle(func(ctx context.Context, _ jobs.RelayEvents) error {
			_, err := h.Relay.Run(ctx)
			return err
		}),
	}
}

type periodicJob struct {
	interval time.Duration
	args     jobs.Args
}

// periodic lists the jobs enqueued on a fixed interval.
func periodic(cfg Config) []periodicJob {
	var out []periodicJob
	if cfg.AuditInterval > 0 {
		out = append(out, periodicJob{cfg.AuditInterval, jobs.AuditEscalations{}})
	}
	if cfg.RelayInterval > 0 {
		out = append(out, periodicJob{cfg.RelayInterval, jobs.RelayEvents{}})
	}
	return out
}

// Client wraps river.Client and exposes a Start/Stop lifecycle.
type Client struct {
	client *river.Client[pgx.Tx]
	log    *slog.Logger
}

// Start begins processing queued jobs.
func (c *Client) Start(ctx context.Context) error { return c.client.Start(ctx) }

// Stop gracefully shuts down the worker client.
func (c *Client) Stop(ctx context.Context) error { return c.client.Stop(ctx) }

// Enqueue implements jobs.Enqueuer. A zero at runs the job as soon as
// possible.
func (c *Client) Enqueue(ctx context.Context, args jobs.Args, at time.Time) error {
	if _, err := c.client.Insert(ctx, args, &river.InsertOpts{ScheduledAt: at}); err != nil {
		return fmt.Errorf("insert %s job: %w", args.Kind(), err)
	}
	return nil
}

// New creates the queue for driver: a River client backed by pool for
// "postgres", the in-process queue otherwise. pool may be nil when driver
// is not "postgres"; the in-process queue recovers its timers from gdb.
func New(pool *pgxpool.Pool, gdb *gorm.DB, driver string, h *Handlers, cfg Config, log *slog.Logger) (Queue, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 25
	}
	if driver != "postgres" {
		l := NewLocal(h, cfg, log, nil)
		if gdb != nil {
			l.RecoverFrom(gdb)
		}
		return l, nil
	}

	workers := river.NewWorkers()
	for _, hd := range h.handlers() {
		hd.river(workers)
	}
	var periodicJobs []*river.PeriodicJob
	for _, p := range periodic(cfg) {
		args := p.args
		periodicJobs = append(periodicJobs, river.NewPeriodicJob(
			river.PeriodicInterval(p.interval),
			func() (river.JobArgs, *river.InsertOpts) { return args, nil },
			&river.PeriodicJobOpts{RunOnStart: true},
		))
	}

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.Concurrency},
		},
		Workers:      workers,
		PeriodicJobs: periodicJobs,
		MaxAttempts:  cfg.MaxAttempts,
		Logger:       log,
	})
	if err != nil {
		return nil, fmt.Errorf("create river client: %w", err)
	}
	return &Client{client: client, log: log}, nil
}

// MigrateRiver runs River's built-in schema migrations against the given pool.
// Only call this when DB_DRIVER=postgres.
func MigrateRiver(ctx context.Context, db *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(db), nil)
	if err != nil {
		return fmt.Errorf("create river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return fmt.Errorf("run river migrations: %w", err)
	}
	return nil
}
