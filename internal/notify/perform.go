package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/d9705996/oncall/internal/delivery"
	"github.com/d9705996/oncall/internal/jobs"
	"github.com/d9705996/oncall/internal/model"
	"github.com/d9705996/oncall/internal/observability"
	"go.opentelemetry.io/otel/trace"
)

// PerformNotification delivers the notification described by a triggered
// log record and records the outcome. It returns ErrBackendUnavailable
// without recording anything when the backend is failing, so the job is
// retried.
func (s *Service) PerformNotification(ctx context.Context, args jobs.PerformNotification) error {
	ctx, span := s.tracer.Start(ctx, "notify.perform_notification", trace.WithAttributes(
		observability.NotificationRecordKey.String(args.LogRecordID),
	))
	defer span.End()

	gdb := s.db.WithContext(ctx)
	var rec model.NotificationLogRecord
	if err := gdb.Limit(1).Find(&rec, "id = ?", args.LogRecordID).Error; err != nil {
		return fmt.Errorf("load notification log record: %w", err)
	}
	if rec.ID == "" {
		s.log.Warn("perform_notification for missing log record", "log_record_id", args.LogRecordID)
		return nil
	}
	result := &model.NotificationLogRecord{
		AuthorID:             rec.AuthorID,
		AlertGroupID:         rec.AlertGroupID,
		NotificationPolicyID: rec.NotificationPolicyID,
		NotificationStep:     rec.NotificationStep,
		NotificationChannel:  rec.NotificationChannel,
		IsImportant:          rec.IsImportant,
	}

	var user model.User
	if err := gdb.Limit(1).Find(&user, "id = ?", rec.AuthorID).Error; err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	var g model.AlertGroup
	if err := gdb.Limit(1).Find(&g, "id = ?", rec.AlertGroupID).Error; err != nil {
		return fmt.Errorf("load alert group: %w", err)
	}
	if user.ID == "" || g.ID == "" || rec.NotificationChannel == nil {
		return s.failed(ctx, result, nil, "Expected data is missing")
	}
	if !user.IsNotificationAllowed() {
		code := model.NotifyErrForbidden
		return s.failed(ctx, result, &code, ErrForbidden.Error())
	}

	channel := *rec.NotificationChannel
	if channel == model.ChannelSlack {
		if rec.SlackPrevent {
			code := model.NotifyErrPostingToSlackIsDisabled
			return s.failed(ctx, result, &code, "Prevented from posting in Slack")
		}
		if code, skip := slackSkipCode(g.ReasonToSkipEscalation); skip {
			return s.failed(ctx, result, &code, "")
		}
	}

	err := s.router.Notify(ctx, delivery.Notification{
		User:      &user,
		Channel:   channel,
		Important: rec.IsImportant,
		Groups:    []delivery.GroupRef{s.groupRef(&g)},
	})
	if errors.Is(err, ErrBackendUnavailable) {
		observability.Fail(span, err)
		return fmt.Errorf("perform notification %s: %w", rec.ID, err)
	}
	return s.outcome(ctx, result, err)
}

// outcome records the result of a delivery attempt.
func (s *Service) outcome(ctx context.Context, result *model.NotificationLogRecord, err error) error {
	if err == nil {
		result.Type = model.NotificationSuccess
		s.metrics.Notification(channelName(result), "success")
		return s.recorder.WriteNotification(s.db.WithContext(ctx), result)
	}
	code, reason := errorCode(err)
	return s.failed(ctx, result, &code, reason)
}

func (s *Service) failed(ctx context.Context, result *model.NotificationLogRecord, code *model.NotificationError, reason string) error {
	result.Type = model.NotificationFailed
	result.NotificationErrorCode = code
	result.Reason = reason
	s.metrics.Notification(channelName(result), "failed")
	return s.recorder.WriteNotification(s.db.WithContext(ctx), result)
}

func errorCode(err error) (model.NotificationError, string) {
	var de *delivery.Error
	switch {
	case errors.As(err, &de):
		return de.Code, de.Error()
	case errors.Is(err, ErrChannelDisabled):
		return model.NotifyErrMessagingBackendError, "Messaging backend not available"
	default:
		return model.NotifyErrMessagingBackendError, err.Error()
	}
}

func slackSkipCode(r model.SkipReason) (model.NotificationError, bool) {
	switch r {
	case model.SkipChannelArchived:
		return model.NotifyErrInSlackChannelIsArchived, true
	case model.SkipRateLimited:
		return model.NotifyErrInSlackRatelimit, true
	case model.SkipAccountInactive:
		return model.NotifyErrInSlackTokenError, true
	case model.SkipChannelNotSpecified, model.SkipRestrictedAction:
		return model.NotifyErrInSlack, true
	}
	return 0, false
}

func channelName(rec *model.NotificationLogRecord) string {
	if rec.NotificationChannel == nil {
		return "unknown"
	}
	return rec.NotificationChannel.String()
}

func (s *Service) groupRef(g *model.AlertGroup) delivery.GroupRef {
	ref := delivery.GroupRef{ID: g.ID, Number: g.InsideOrganizationNumber, Title: g.WebTitleCache}
	if s.cfg.PublicURL != "" {
		ref.Link = s.cfg.PublicURL + "/alert-groups/" + g.ID
	}
	return ref
}
