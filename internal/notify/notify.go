// Package notify runs personal notification plans. The notify_user job walks
// one user's notification policies for an alert group, step by step, and
// hands each notification to the perform_notification job, which delivers
// it through a delivery.Router. SMS notifications sent in quick succession
// are bundled.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/d9705996/oncall/internal/db"
	"github.com/d9705996/oncall/internal/delivery"
	"github.com/d9705996/oncall/internal/jobs"
	"github.com/d9705996/oncall/internal/logrecord"
	"github.com/d9705996/oncall/internal/metrics"
	"github.com/d9705996/oncall/internal/model"
	"github.com/d9705996/oncall/internal/observability"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

var (
	// ErrForbidden is recorded when the user may not be notified.
	ErrForbidden = errors.New("notification is not allowed for user")
	// ErrChannelDisabled is returned by delivery for channels without a backend.
	ErrChannelDisabled = delivery.ErrChannelDisabled
	// ErrBackendUnavailable is returned while a backend is failing. Jobs
	// return it so they are retried.
	ErrBackendUnavailable = delivery.ErrBackendUnavailable
)

// Config holds the pipeline timing.
type Config struct {
	// NextStepDelay is added to every step's countdown.
	NextStepDelay time.Duration
	// BundleWindow is how long after a delivery further notifications on
	// a bundleable channel are collected instead of sent.
	BundleWindow time.Duration
	// PublicURL prefixes alert group links.
	PublicURL string
}

// Service runs the notification jobs.
type Service struct {
	db       *gorm.DB
	recorder *logrecord.Recorder
	jobs     jobs.Enqueuer
	router   *delivery.Router
	metrics  *metrics.Metrics
	log      *slog.Logger
	cfg      Config
	now      func() time.Time
	tracer   trace.Tracer
}

// New returns a Service.
func New(gdb *gorm.DB, rec *logrecord.Recorder, enq jobs.Enqueuer, router *delivery.Router, m *metrics.Metrics, log *slog.Logger, cfg Config, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	if cfg.NextStepDelay == 0 {
		cfg.NextStepDelay = 5 * time.Second
	}
	if cfg.BundleWindow == 0 {
		cfg.BundleWindow = 2 * time.Minute
	}
	return &Service{
		db:       gdb,
		recorder: rec,
		jobs:     enq,
		router:   router,
		metrics:  m,
		log:      log,
		cfg:      cfg,
		now:      now,
		tracer:   observability.Tracer("notify"),
	}
}

// schedule enqueues args once tx has committed.
func (s *Service) schedule(tx *db.Tx, args jobs.Args, at time.Time) {
	tx.AfterCommit(func(ctx context.Context) {
		if err := s.jobs.Enqueue(ctx, args, at); err != nil {
			s.log.Error("failed to schedule job", "kind", args.Kind(), "err", err)
		}
	})
}

// NotifyUser executes the next step of a user's notification plan.
func (s *Service) NotifyUser(ctx context.Context, args jobs.NotifyUser) error {
	ctx, span := observability.AlertGroupSpan(ctx, s.tracer, "notify.notify_user", args.AlertGroupID,
		observability.UserIDKey.String(args.UserID),
		observability.ImportantKey.Bool(args.Important),
	)
	defer span.End()

	err := db.Transaction(ctx, s.db, func(tx *db.Tx) error {
		return s.notifyUser(tx, args)
	})
	if err != nil {
		observability.Fail(span, err)
		return fmt.Errorf("notify user %s: %w", args.UserID, err)
	}
	return nil
}

func (s *Service) notifyUser(tx *db.Tx, args jobs.NotifyUser) error {
	log := s.log.With("alert_group_id", args.AlertGroupID, "user_id", args.UserID)

	var g model.AlertGroup
	if err := tx.Limit(1).Find(&g, "id = ?", args.AlertGroupID).Error; err != nil {
		return fmt.Errorf("load alert group: %w", err)
	}
	if g.ID == "" {
		log.Warn("notify_user for missing alert group")
		return nil
	}
	var user model.User
	if err := tx.Limit(1).Find(&user, "id = ?", args.UserID).Error; err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	if user.ID == "" {
		log.Warn("notify_user for missing user")
		return nil
	}

	if !user.IsNotificationAllowed() {
		code := model.NotifyErrForbidden
		return s.recorder.WriteNotification(tx.DB, &model.NotificationLogRecord{
			Type:                  model.NotificationFailed,
			AuthorID:              user.ID,
			AlertGroupID:          g.ID,
			Reason:                ErrForbidden.Error(),
			NotificationErrorCode: &code,
			IsImportant:           args.Important,
		})
	}

	active, err := lockUserHasNotification(tx, user.ID, g.ID)
	if err != nil {
		return err
	}

	policies, err := ensurePolicies(tx, user.ID, args.Important)
	if err != nil {
		return err
	}

	var policy *model.UserNotificationPolicy
	var reason string
	if args.PreviousPolicyID == nil {
		policy = &policies[0]
		reason = fmt.Sprintf("Reason: %s\nFurther notification plan: %s", args.Reason, furtherPlan(policies[1:]))
	} else {
		if active.ActiveNotificationPolicyID == nil || *active.ActiveNotificationPolicyID != args.Token {
			log.Debug("skipping stale notify_user job", "token", args.Token)
			return nil
		}
		next, found := nextPolicy(policies, *args.PreviousPolicyID)
		if !found {
			log.Info("previous notification policy was deleted, stopping")
			return nil
		}
		policy = next
	}

	if policy == nil {
		if err := s.recorder.WriteNotification(tx.DB, &model.NotificationLogRecord{
			Type:         model.NotificationFinished,
			AuthorID:     user.ID,
			AlertGroupID: g.ID,
			IsImportant:  args.Important,
		}); err != nil {
			return err
		}
		return clearToken(tx, active)
	}

	switch {
	case g.Acknowledged && !args.NotifyEvenAcknowledged:
		log.Debug("alert group is acknowledged, stopping notifications")
		return nil
	case g.Resolved || g.IsWiped() || !g.IsRoot():
		log.Debug("alert group no longer needs notifications")
		return nil
	case g.Silenced && !args.NotifyAnyway:
		log.Debug("alert group is silenced, stopping notifications")
		return nil
	}

	countdown, err := s.runStep(tx, &g, &user, policy, reason, args)
	if err != nil {
		return err
	}

	token := uuid.NewString()
	active.ActiveNotificationPolicyID = &token
	if err := tx.Save(active).Error; err != nil {
		return fmt.Errorf("save active notification: %w", err)
	}
	next := args
	next.PreviousPolicyID = &policy.ID
	next.Token = token
	s.schedule(tx, next, s.now().Add(countdown+s.cfg.NextStepDelay))
	return nil
}

// runStep executes one policy and returns how long to wait before the next.
func (s *Service) runStep(tx *db.Tx, g *model.AlertGroup, user *model.User, policy *model.UserNotificationPolicy, reason string, args jobs.NotifyUser) (time.Duration, error) {
	step := policy.Step
	rec := &model.NotificationLogRecord{
		Type:                 model.NotificationTriggered,
		AuthorID:             user.ID,
		AlertGroupID:         g.ID,
		NotificationPolicyID: &policy.ID,
		NotificationStep:     &step,
		Reason:               reason,
		IsImportant:          args.Important,
		SlackPrevent:         args.PreventPostingToThread,
	}

	if policy.Step == model.NotificationWait {
		var countdown time.Duration
		if policy.WaitDelay != nil {
			countdown = *policy.WaitDelay
		}
		return countdown, s.recorder.WriteNotification(tx.DB, rec)
	}

	channel := policy.NotifyBy
	rec.NotificationChannel = &channel

	if channel == model.ChannelSlack {
		enabled, err := notifyInSlack(tx, g)
		if err != nil {
			return 0, err
		}
		if !enabled {
			code := model.NotifyErrPostingToSlackIsDisabled
			rec.Type = model.NotificationFailed
			rec.NotificationErrorCode = &code
			return 0, s.recorder.WriteNotification(tx.DB, rec)
		}
	}

	var bundle *model.NotificationBundle
	if channel.IsBundleable() {
		b, err := lockBundle(tx, user.ID, args.Important, channel)
		if err != nil {
			return 0, err
		}
		bundle = b
		if s.notifiedRecently(b) {
			return 0, s.addToBundle(tx, b, g, policy)
		}
	}

	if err := s.recorder.WriteNotification(tx.DB, rec); err != nil {
		return 0, err
	}
	s.schedule(tx, jobs.PerformNotification{LogRecordID: rec.ID}, time.Time{})
	if bundle != nil {
		now := s.now()
		bundle.LastNotified = &now
		if err := tx.Save(bundle).Error; err != nil {
			return 0, fmt.Errorf("save notification bundle: %w", err)
		}
	}
	return 0, nil
}

func notifyInSlack(tx *db.Tx, g *model.AlertGroup) (bool, error) {
	var route model.Route
	if err := tx.Limit(1).Find(&route, "id = ?", g.RouteID).Error; err != nil {
		return false, fmt.Errorf("load route: %w", err)
	}
	return route.ID == "" || route.NotifyInSlack, nil
}

func lockUserHasNotification(tx *db.Tx, userID, groupID string) (*model.UserHasNotification, error) {
	var u model.UserHasNotification
	err := db.ForUpdate(tx.DB).Where("user_id = ? AND alert_group_id = ?", userID, groupID).Limit(1).Find(&u).Error
	if err != nil {
		return nil, fmt.Errorf("lock active notification: %w", err)
	}
	if u.ID != "" {
		return &u, nil
	}
	u = model.UserHasNotification{UserID: userID, AlertGroupID: groupID}
	if err := tx.Create(&u).Error; err != nil {
		return nil, fmt.Errorf("create active notification: %w", err)
	}
	return &u, nil
}

func clearToken(tx *db.Tx, u *model.UserHasNotification) error {
	u.ActiveNotificationPolicyID = nil
	if err := tx.Model(u).Update("active_notification_policy_id", nil).Error; err != nil {
		return fmt.Errorf("clear active notification: %w", err)
	}
	return nil
}
