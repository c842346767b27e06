package worker

import (
	"context"
	"fmt"

	"github.com/d9705996/oncall/internal/jobs"
	"github.com/d9705996/oncall/internal/model"
	"github.com/d9705996/oncall/internal/snapshot"
	"gorm.io/gorm"
)

// Pending rebuilds the timers that live only in the in-process queue from
// what the database remembers about them: escalation steps, un-silence
// timers, personal notification steps, bundle flushes and maintenance
// expiry. Every job carries the token stored next to it, so a job that was
// already run or replaced is dropped by its handler.
func Pending(ctx context.Context, gdb *gorm.DB) ([]jobs.Scheduled, error) {
	gdb = gdb.WithContext(ctx)
	var out []jobs.Scheduled
	for _, collect := range []func(*gorm.DB) ([]jobs.Scheduled, error){
		pendingEscalations,
		pendingUnsilences,
		pendingNotifications,
		pendingBundles,
		pendingMaintenance,
	} {
		found, err := collect(gdb)
		if err != nil {
			return nil, err
		}
		out = append(out, found...)
	}
	return out, nil
}

// pendingEscalations resumes each live escalation at its stored
// next_step_eta. Silenced groups are resumed by their un-silence timer.
func pendingEscalations(gdb *gorm.DB) ([]jobs.Scheduled, error) {
	var groups []model.AlertGroup
	err := gdb.
		Where("is_escalation_finished = ? AND resolved = ? AND acknowledged = ? AND silenced = ?", false, false, false, false).
		Where("root_alert_group_id IS NULL AND active_escalation_id NOT IN ?", []string{"", model.EscalationStoppedToken}).
		Find(&groups).Error
	if err != nil {
		return nil, fmt.Errorf("load escalating alert groups: %w", err)
	}
	var out []jobs.Scheduled
	for i := range groups {
		g := &groups[i]
		snap, err := snapshot.Parse(g.RawEscalationSnapshot)
		if err != nil || snap == nil || snap.NextStepETA == nil || snap.PauseEscalation || snap.StopEscalation {
			continue
		}
		out = append(out, jobs.Scheduled{
			Args: jobs.EscalateAlertGroup{AlertGroupID: g.ID, Token: g.ActiveEscalationID},
			At:   *snap.NextStepETA,
		})
	}
	return out, nil
}

func pendingUnsilences(gdb *gorm.DB) ([]jobs.Scheduled, error) {
	var groups []model.AlertGroup
	err := gdb.
		Where("silenced = ? AND silenced_until IS NOT NULL AND unsilence_task_uuid <> ''", true).
		Find(&groups).Error
	if err != nil {
		return nil, fmt.Errorf("load silenced alert groups: %w", err)
	}
	out := make([]jobs.Scheduled, 0, len(groups))
	for _, g := range groups {
		out = append(out, jobs.Scheduled{
			Args: jobs.UnsilenceAlertGroup{AlertGroupID: g.ID, Token: g.UnsilenceTaskUUID},
			At:   *g.SilencedUntil,
		})
	}
	return out, nil
}

// pendingNotifications continues every active personal notification chain
// after the last step it recorded. Flags that only the job carried, such as
// NotifyAnyway, are not persisted and come back unset.
func pendingNotifications(gdb *gorm.DB) ([]jobs.Scheduled, error) {
	var active []model.UserHasNotification
	if err := gdb.Where("active_notification_policy_id IS NOT NULL").Find(&active).Error; err != nil {
		return nil, fmt.Errorf("load active notifications: %w", err)
	}
	var out []jobs.Scheduled
	for _, a := range active {
		var rec model.NotificationLogRecord
		err := gdb.
			Where("author_id = ? AND alert_group_id = ? AND notification_policy_id IS NOT NULL", a.UserID, a.AlertGroupID).
			Order("created_at DESC").
			Limit(1).Find(&rec).Error
		if err != nil {
			return nil, fmt.Errorf("load last notification step: %w", err)
		}
		if rec.ID == "" {
			continue
		}
		at := rec.CreatedAt
		var policy model.UserNotificationPolicy
		if err := gdb.Limit(1).Find(&policy, "id = ?", *rec.NotificationPolicyID).Error; err != nil {
			return nil, fmt.Errorf("load notification policy: %w", err)
		}
		if policy.Step == model.NotificationWait && policy.WaitDelay != nil {
			at = at.Add(*policy.WaitDelay)
		}
		out = append(out, jobs.Scheduled{
			Args: jobs.NotifyUser{
				UserID:                 a.UserID,
				AlertGroupID:           a.AlertGroupID,
				PreviousPolicyID:       rec.NotificationPolicyID,
				Important:              rec.IsImportant,
				PreventPostingToThread: rec.SlackPrevent,
				Token:                  *a.ActiveNotificationPolicyID,
			},
			At: at,
		})
	}
	return out, nil
}

func pendingBundles(gdb *gorm.DB) ([]jobs.Scheduled, error) {
	var bundles []model.NotificationBundle
	if err := gdb.Where("notification_task_id IS NOT NULL AND eta IS NOT NULL").Find(&bundles).Error; err != nil {
		return nil, fmt.Errorf("load notification bundles: %w", err)
	}
	out := make([]jobs.Scheduled, 0, len(bundles))
	for _, b := range bundles {
		out = append(out, jobs.Scheduled{
			Args: jobs.SendBundledNotification{BundleID: b.ID, Token: *b.NotificationTaskID},
			At:   *b.ETA,
		})
	}
	return out, nil
}

func pendingMaintenance(gdb *gorm.DB) ([]jobs.Scheduled, error) {
	var channels []model.Channel
	err := gdb.
		Where("maintenance_uuid IS NOT NULL AND maintenance_started_at IS NOT NULL AND maintenance_duration IS NOT NULL").
		Find(&channels).Error
	if err != nil {
		return nil, fmt.Errorf("load channels in maintenance: %w", err)
	}
	out := make([]jobs.Scheduled, 0, len(channels))
	for _, c := range channels {
		out = append(out, jobs.Scheduled{
			Args: jobs.DisableMaintenance{ChannelID: c.ID, MaintenanceUUID: *c.MaintenanceUUID},
			At:   c.MaintenanceStartedAt.Add(*c.MaintenanceDuration),
		})
	}
	return out, nil
}
