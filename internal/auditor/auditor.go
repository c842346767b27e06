// Package auditor periodically checks that every live alert group is still
// being escalated: its escalation snapshot has a future step scheduled and
// none of its personal notifications were left unfinished.
package auditor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/d9705996/oncall/internal/jobs"
	"github.com/d9705996/oncall/internal/metrics"
	"github.com/d9705996/oncall/internal/model"
	"github.com/d9705996/oncall/internal/snapshot"
	"gorm.io/gorm"
)

// notificationGrace is how long a triggered personal notification may stay
// without an outcome.
const notificationGrace = 5 * time.Minute

// Error lists the alert groups that failed an audit run.
type Error struct {
	AlertGroupIDs []string
}

func (e *Error) Error() string {
	return "The following alert group id(s) failed auditing: " + strings.Join(e.AlertGroupIDs, ", ")
}

// Heartbeat is pinged after every successful audit.
type Heartbeat interface {
	Ping(ctx context.Context, url string) error
}

// Config controls the audit window and the heartbeat.
type Config struct {
	Lookback     time.Duration
	HeartbeatURL string
}

// Auditor runs the audit_escalations job.
type Auditor struct {
	db        *gorm.DB
	heartbeat Heartbeat
	metrics   *metrics.Metrics
	log       *slog.Logger
	cfg       Config
	now       func() time.Time
}

// New returns an Auditor. heartbeat may be nil when no URL is configured.
func New(gdb *gorm.DB, heartbeat Heartbeat, m *metrics.Metrics, log *slog.Logger, cfg Config, now func() time.Time) *Auditor {
	if now == nil {
		now = time.Now
	}
	if cfg.Lookback == 0 {
		cfg.Lookback = 48 * time.Hour
	}
	return &Auditor{db: gdb, heartbeat: heartbeat, metrics: m, log: log, cfg: cfg, now: now}
}

// Audit checks every alert group started within the lookback window that
// should still be escalating. Failing groups are reported together in an
// *Error; a clean run pings the heartbeat.
func (a *Auditor) Audit(ctx context.Context, _ jobs.AuditEscalations) error {
	now := a.now()
	groups, err := a.candidates(ctx, now)
	if err != nil {
		return err
	}

	var failed []string
	for i := range groups {
		g := &groups[i]
		if err := a.auditGroup(ctx, g, now); err != nil {
			a.log.Warn("alert group failed escalation audit", "alert_group_id", g.ID, "err", err)
			failed = append(failed, g.ID)
		}
	}
	if len(failed) > 0 {
		a.metrics.AuditFailures(len(failed))
		return &Error{AlertGroupIDs: failed}
	}

	a.log.Info("escalation audit passed", "alert_groups", len(groups))
	if a.heartbeat != nil && a.cfg.HeartbeatURL != "" {
		if err := a.heartbeat.Ping(ctx, a.cfg.HeartbeatURL); err != nil {
			a.log.Warn("escalation auditor heartbeat failed", "err", err)
		}
	}
	return nil
}

func (a *Auditor) candidates(ctx context.Context, now time.Time) ([]model.AlertGroup, error) {
	var groups []model.AlertGroup
	err := a.db.WithContext(ctx).
		Where("started_at BETWEEN ? AND ?", now.Add(-a.cfg.Lookback), now).
		Where("root_alert_group_id IS NULL AND maintenance_uuid IS NULL").
		Where("is_escalation_finished = ? AND resolved = ? AND acknowledged = ?", false, false, false).
		Where("NOT (silenced = ? AND silenced_until IS NULL)", true).
		Where("channel_id IN (?)", a.db.Model(&model.Channel{}).Select("id").Where("maintenance_mode IS NULL")).
		Order("started_at").
		Find(&groups).Error
	if err != nil {
		return nil, fmt.Errorf("load alert groups to audit: %w", err)
	}
	return groups, nil
}

func (a *Auditor) auditGroup(ctx context.Context, g *model.AlertGroup, now time.Time) error {
	gdb := a.db.WithContext(ctx)
	snap, err := snapshot.Parse(g.RawEscalationSnapshot)
	if err != nil {
		return err
	}
	if snap == nil {
		var route model.Route
		if err := gdb.Limit(1).Find(&route, "id = ?", g.RouteID).Error; err != nil {
			return fmt.Errorf("load route: %w", err)
		}
		if route.EscalationChainID != nil {
			return fmt.Errorf("escalation snapshot is missing")
		}
		return nil
	}
	if len(snap.Policies) == 0 {
		return nil
	}
	if valid, ok := snap.NextStepETAIsValid(now); ok && !valid {
		return fmt.Errorf("next step eta %s is in the past", snap.NextStepETA.Format(time.RFC3339))
	}

	notifications := gdb.Model(&model.NotificationLogRecord{}).
		Where("alert_group_id = ? AND notification_step = ?", g.ID, model.NotificationNotify)
	var triggered, completed int64
	if err := notifications.Session(&gorm.Session{}).
		Where("type = ? AND created_at <= ?", model.NotificationTriggered, now.Add(-notificationGrace)).
		Count(&triggered).Error; err != nil {
		return fmt.Errorf("count triggered notifications: %w", err)
	}
	if err := notifications.Session(&gorm.Session{}).
		Where("type IN ?", []model.NotificationLogType{model.NotificationSuccess, model.NotificationFailed}).
		Count(&completed).Error; err != nil {
		return fmt.Errorf("count completed notifications: %w", err)
	}
	if triggered > completed {
		return fmt.Errorf("%d personal notification(s) without outcome", triggered-completed)
	}
	return nil
}
