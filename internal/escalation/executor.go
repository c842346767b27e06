// Package escalation runs escalation chains: the escalate_alert_group job
// walks an alert group's snapshot one step at a time, notifying users,
// calling webhooks and resolving the group as the chain dictates.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/d9705996/oncall/internal/alertgroup"
	"github.com/d9705996/oncall/internal/db"
	"github.com/d9705996/oncall/internal/jobs"
	"github.com/d9705996/oncall/internal/logrecord"
	"github.com/d9705996/oncall/internal/metrics"
	"github.com/d9705996/oncall/internal/model"
	"github.com/d9705996/oncall/internal/observability"
	"github.com/d9705996/oncall/internal/snapshot"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// ErrTokenMismatch is returned internally when a job carries a token that is
// no longer the group's active escalation id. Escalate swallows it.
var ErrTokenMismatch = errors.New("escalation token mismatch")

// OnCallResolver returns who is on call in a schedule.
type OnCallResolver interface {
	OnCall(gdb *gorm.DB, scheduleID string, at time.Time) (*model.Schedule, []model.User, error)
}

// WebhookTrigger calls an outgoing webhook.
type WebhookTrigger interface {
	Trigger(ctx context.Context, w *model.Webhook, payload map[string]any) (int, error)
}

// Chat posts to a chat channel.
type Chat interface {
	PostToChannel(ctx context.Context, channelID, text string) error
}

// IncidentDeclarer declares an incident for an alert group.
type IncidentDeclarer interface {
	DeclareIncident(ctx context.Context, g *model.AlertGroup) error
}

// Config holds the escalation timing.
type Config struct {
	DefaultWaitDelay time.Duration
	NextStepDelay    time.Duration
	MaxRepeat        int
}

// Deps are the executor's optional collaborators. A nil Chat or Incidents
// makes the steps that need them fail with a log record.
type Deps struct {
	Schedules OnCallResolver
	Webhooks  WebhookTrigger
	Chat      Chat
	Incidents IncidentDeclarer
}

// Executor runs escalate_alert_group jobs.
type Executor struct {
	db       *gorm.DB
	groups   *alertgroup.Service
	recorder *logrecord.Recorder
	jobs     jobs.Enqueuer
	deps     Deps
	metrics  *metrics.Metrics
	log      *slog.Logger
	cfg      Config
	now      func() time.Time
	tracer   trace.Tracer
}

// NewExecutor returns an Executor.
func NewExecutor(gdb *gorm.DB, groups *alertgroup.Service, rec *logrecord.Recorder, enq jobs.Enqueuer, deps Deps, m *metrics.Metrics, log *slog.Logger, cfg Config, now func() time.Time) *Executor {
	if now == nil {
		now = time.Now
	}
	if cfg.DefaultWaitDelay == 0 {
		cfg.DefaultWaitDelay = 5 * time.Minute
	}
	if cfg.NextStepDelay == 0 {
		cfg.NextStepDelay = 5 * time.Second
	}
	if cfg.MaxRepeat == 0 {
		cfg.MaxRepeat = 5
	}
	return &Executor{
		db:       gdb,
		groups:   groups,
		recorder: rec,
		jobs:     enq,
		deps:     deps,
		metrics:  m,
		log:      log,
		cfg:      cfg,
		now:      now,
		tracer:   observability.Tracer("escalation"),
	}
}

// Escalate executes the next due step of the group in args.
func (e *Executor) Escalate(ctx context.Context, args jobs.EscalateAlertGroup) error {
	ctx, span := observability.AlertGroupSpan(ctx, e.tracer, "escalation.escalate", args.AlertGroupID)
	defer span.End()

	err := db.Transaction(ctx, e.db, func(tx *db.Tx) error {
		return e.escalate(tx, args)
	})
	switch {
	case errors.Is(err, ErrTokenMismatch):
		e.log.Debug("skipping stale escalation job", "alert_group_id", args.AlertGroupID, "token", args.Token)
		return nil
	case errors.Is(err, alertgroup.ErrNotFound):
		e.log.Warn("escalation job for missing alert group", "alert_group_id", args.AlertGroupID)
		return nil
	case err != nil:
		observability.Fail(span, err)
		return fmt.Errorf("escalate alert group %s: %w", args.AlertGroupID, err)
	}
	return nil
}

func (e *Executor) escalate(tx *db.Tx, args jobs.EscalateAlertGroup) error {
	g, err := alertgroup.Lock(tx, args.AlertGroupID)
	if err != nil {
		return err
	}
	if g.ActiveEscalationID != args.Token {
		return ErrTokenMismatch
	}
	log := e.log.With("alert_group_id", g.ID)

	if g.Resolved || g.Acknowledged || g.IsSilencedForever() {
		alertgroup.StopEscalation(g)
		return e.save(tx, g)
	}
	if g.IsSilencedForPeriod() {
		log.Debug("alert group is silenced, the un-silence job resumes escalation")
		return nil
	}
	if !g.IsRoot() || g.IsWiped() {
		log.Debug("not escalating dependent or wiped alert group")
		return nil
	}

	snap, err := snapshot.Parse(g.RawEscalationSnapshot)
	if err != nil {
		return err
	}
	if snap == nil {
		log.Info("alert group has no escalation snapshot, nothing to escalate")
		return nil
	}

	if snap.NextActivePolicy() == nil {
		if _, err := e.write(tx, &model.LogRecord{
			AlertGroupID: g.ID,
			Type:         model.LogEscalationFinished,
			Reason:       "escalation finished",
		}); err != nil {
			return err
		}
		snap.StopEscalation = true
		g.IsEscalationFinished = true
		return e.persist(tx, g, snap)
	}

	now := e.now()
	r := &run{e: e, tx: tx, g: g, snap: snap, now: now}
	if _, err := snap.ExecuteActualStep(now, e.cfg.NextStepDelay, r.execute); err != nil {
		return err
	}

	switch {
	case snap.StopEscalation:
		g.IsEscalationFinished = true
		return e.persist(tx, g, snap)
	case snap.PauseEscalation:
		log.Debug("escalation paused")
		return e.persist(tx, g, snap)
	}

	token := uuid.NewString()
	g.ActiveEscalationID = token
	if err := e.persist(tx, g, snap); err != nil {
		return err
	}
	e.schedule(tx, jobs.EscalateAlertGroup{AlertGroupID: g.ID, Token: token}, *snap.NextStepETA)
	return nil
}

func (e *Executor) persist(tx *db.Tx, g *model.AlertGroup, snap *snapshot.Snapshot) error {
	raw, err := snap.Encode()
	if err != nil {
		return err
	}
	g.RawEscalationSnapshot = raw
	return e.save(tx, g)
}

func (e *Executor) save(tx *db.Tx, g *model.AlertGroup) error {
	g.UpdatedAt = e.now()
	if err := tx.Save(g).Error; err != nil {
		return fmt.Errorf("save alert group: %w", err)
	}
	return nil
}

func (e *Executor) write(tx *db.Tx, rec *model.LogRecord) (*model.LogRecord, error) {
	if err := e.recorder.Write(tx.DB, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// schedule enqueues args once tx has committed.
func (e *Executor) schedule(tx *db.Tx, args jobs.Args, at time.Time) {
	tx.AfterCommit(func(ctx context.Context) {
		if err := e.jobs.Enqueue(ctx, args, at); err != nil {
			e.log.Error("failed to schedule job", "kind", args.Kind(), "err", err)
		}
	})
}

// fail records a failure of an action that ran after the escalation step
// committed.
func (e *Executor) fail(ctx context.Context, rec *model.LogRecord) {
	rec.Type = model.LogEscalationFailed
	if err := e.recorder.Write(e.db.WithContext(ctx), rec); err != nil {
		e.log.Error("failed to record escalation failure", "alert_group_id", rec.AlertGroupID, "err", err)
	}
}
