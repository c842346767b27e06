package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/d9705996/oncall/internal/db"
	"github.com/d9705996/oncall/internal/delivery"
	"github.com/d9705996/oncall/internal/jobs"
	"github.com/d9705996/oncall/internal/model"
	"github.com/d9705996/oncall/internal/observability"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

func lockBundle(tx *db.Tx, userID string, important bool, channel model.NotificationChannel) (*model.NotificationBundle, error) {
	var b model.NotificationBundle
	err := db.ForUpdate(tx.DB).
		Where("user_id = ? AND important = ? AND notification_channel = ?", userID, important, channel).
		Limit(1).Find(&b).Error
	if err != nil {
		return nil, fmt.Errorf("lock notification bundle: %w", err)
	}
	if b.ID != "" {
		return &b, nil
	}
	b = model.NotificationBundle{UserID: userID, Important: important, NotificationChannel: channel}
	if err := tx.Create(&b).Error; err != nil {
		return nil, fmt.Errorf("create notification bundle: %w", err)
	}
	return &b, nil
}

func (s *Service) notifiedRecently(b *model.NotificationBundle) bool {
	return b.LastNotified != nil && s.now().Sub(*b.LastNotified) < s.cfg.BundleWindow
}

// etaValid is false once a scheduled flush is more than a minute overdue.
func etaValid(b *model.NotificationBundle, now time.Time) bool {
	return b.ETA == nil || !b.ETA.Add(time.Minute).Before(now)
}

// addToBundle parks a notification in b and makes sure a flush is scheduled
// for the end of the bundle window.
func (s *Service) addToBundle(tx *db.Tx, b *model.NotificationBundle, g *model.AlertGroup, policy *model.UserNotificationPolicy) error {
	n := &model.BundledNotification{
		BundleID:             b.ID,
		AlertGroupID:         g.ID,
		ChannelID:            g.ChannelID,
		NotificationPolicyID: &policy.ID,
	}
	if err := tx.Create(n).Error; err != nil {
		return fmt.Errorf("add bundled notification: %w", err)
	}
	if b.NotificationTaskID != nil && etaValid(b, s.now()) {
		return nil
	}
	token := uuid.NewString()
	eta := b.LastNotified.Add(s.cfg.BundleWindow)
	b.NotificationTaskID = &token
	b.ETA = &eta
	if err := tx.Save(b).Error; err != nil {
		return fmt.Errorf("save notification bundle: %w", err)
	}
	s.schedule(tx, jobs.SendBundledNotification{BundleID: b.ID, Token: token}, eta)
	return nil
}

// SendBundledNotification flushes a bundle. Groups that no longer need
// attention are dropped; one remaining group is sent as a regular
// notification and several are delivered in a single message.
func (s *Service) SendBundledNotification(ctx context.Context, args jobs.SendBundledNotification) error {
	ctx, span := s.tracer.Start(ctx, "notify.send_bundled_notification", trace.WithAttributes(
		observability.BundleIDKey.String(args.BundleID),
	))
	defer span.End()

	err := db.Transaction(ctx, s.db, func(tx *db.Tx) error {
		return s.flush(tx, args)
	})
	if err != nil {
		observability.Fail(span, err)
		return fmt.Errorf("send bundled notification %s: %w", args.BundleID, err)
	}
	return nil
}

func (s *Service) flush(tx *db.Tx, args jobs.SendBundledNotification) error {
	var b model.NotificationBundle
	if err := db.ForUpdate(tx.DB).Limit(1).Find(&b, "id = ?", args.BundleID).Error; err != nil {
		return fmt.Errorf("lock notification bundle: %w", err)
	}
	if b.ID == "" || b.NotificationTaskID == nil || *b.NotificationTaskID != args.Token {
		s.log.Debug("skipping stale bundle flush", "bundle_id", args.BundleID)
		return nil
	}

	var pending []model.BundledNotification
	if err := tx.Where("bundle_id = ? AND bundle_uuid IS NULL", b.ID).Order("created_at").Find(&pending).Error; err != nil {
		return fmt.Errorf("load bundled notifications: %w", err)
	}
	groupIDs := make([]string, 0, len(pending))
	for _, n := range pending {
		groupIDs = append(groupIDs, n.AlertGroupID)
	}
	var groups []model.AlertGroup
	if len(groupIDs) > 0 {
		if err := tx.Where("id IN ?", groupIDs).Find(&groups).Error; err != nil {
			return fmt.Errorf("load alert groups: %w", err)
		}
	}
	byID := make(map[string]*model.AlertGroup, len(groups))
	for i := range groups {
		byID[groups[i].ID] = &groups[i]
	}

	now := s.now()
	b.NotificationTaskID = nil
	b.LastNotified = &now
	b.ETA = nil
	if err := tx.Save(&b).Error; err != nil {
		return fmt.Errorf("save notification bundle: %w", err)
	}

	var user model.User
	if err := tx.Limit(1).Find(&user, "id = ?", b.UserID).Error; err != nil {
		return fmt.Errorf("load user: %w", err)
	}

	var active, skipped []string
	var records []*model.NotificationLogRecord
	var refs []delivery.GroupRef
	step := model.NotificationNotify
	for _, n := range pending {
		g := byID[n.AlertGroupID]
		if user.ID == "" || g == nil || g.Resolved || g.Acknowledged || g.Silenced {
			skipped = append(skipped, n.ID)
			continue
		}
		active = append(active, n.ID)
		channel := b.NotificationChannel
		rec := &model.NotificationLogRecord{
			Type:                 model.NotificationTriggered,
			AuthorID:             user.ID,
			AlertGroupID:         g.ID,
			NotificationPolicyID: n.NotificationPolicyID,
			NotificationStep:     &step,
			NotificationChannel:  &channel,
			IsImportant:          b.Important,
		}
		if err := s.recorder.WriteNotification(tx.DB, rec); err != nil {
			return err
		}
		records = append(records, rec)
		refs = append(refs, s.groupRef(g))
	}

	if len(active) > 0 && !user.IsNotificationAllowed() {
		code := model.NotifyErrForbidden
		for _, rec := range records {
			if err := s.recorder.WriteNotification(tx.DB, &model.NotificationLogRecord{
				Type:                  model.NotificationFailed,
				AuthorID:              rec.AuthorID,
				AlertGroupID:          rec.AlertGroupID,
				NotificationPolicyID:  rec.NotificationPolicyID,
				NotificationStep:      rec.NotificationStep,
				NotificationChannel:   rec.NotificationChannel,
				NotificationErrorCode: &code,
				Reason:                ErrForbidden.Error(),
				IsImportant:           rec.IsImportant,
			}); err != nil {
				return err
			}
		}
		return deleteBundled(tx, append(active, skipped...))
	}

	switch len(active) {
	case 0:
		return deleteBundled(tx, skipped)
	case 1:
		s.schedule(tx, jobs.PerformNotification{LogRecordID: records[0].ID}, time.Time{})
		return deleteBundled(tx, append(active, skipped...))
	}

	if err := deleteBundled(tx, skipped); err != nil {
		return err
	}
	bundleUUID := uuid.NewString()
	if err := tx.Model(&model.BundledNotification{}).Where("id IN ?", active).Update("bundle_uuid", bundleUUID).Error; err != nil {
		return fmt.Errorf("mark bundled notifications: %w", err)
	}
	n := delivery.Notification{User: &user, Channel: b.NotificationChannel, Important: b.Important, Groups: refs}
	tx.AfterCommit(func(ctx context.Context) {
		s.deliverBundle(ctx, n, records, bundleUUID)
	})
	return nil
}

// deliverBundle sends one message for several groups and records the outcome
// against every group's triggered record.
func (s *Service) deliverBundle(ctx context.Context, n delivery.Notification, records []*model.NotificationLogRecord, bundleUUID string) {
	err := s.router.Notify(ctx, n)
	for _, rec := range records {
		result := &model.NotificationLogRecord{
			AuthorID:             rec.AuthorID,
			AlertGroupID:         rec.AlertGroupID,
			NotificationPolicyID: rec.NotificationPolicyID,
			NotificationStep:     rec.NotificationStep,
			NotificationChannel:  rec.NotificationChannel,
			IsImportant:          rec.IsImportant,
		}
		var werr error
		if errors.Is(err, ErrBackendUnavailable) {
			code := model.NotifyErrMessagingBackendError
			werr = s.failed(ctx, result, &code, "Messaging backend not available")
		} else {
			werr = s.outcome(ctx, result, err)
		}
		if werr != nil {
			s.log.Error("failed to record bundled notification outcome", "alert_group_id", rec.AlertGroupID, "err", werr)
		}
	}
	if err := s.db.WithContext(ctx).Where("bundle_uuid = ?", bundleUUID).Delete(&model.BundledNotification{}).Error; err != nil {
		s.log.Error("failed to delete bundled notifications", "bundle_uuid", bundleUUID, "err", err)
	}
}

func deleteBundled(tx *db.Tx, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := tx.Where("id IN ?", ids).Delete(&model.BundledNotification{}).Error; err != nil {
		return fmt.Errorf("delete bundled notifications: %w", err)
	}
	return nil
}
