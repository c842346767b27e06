package alertgroup

import (
	"context"
	"errors"
	"fmt"

	"github.com/d9705996/oncall/internal/db"
	"github.com/d9705996/oncall/internal/jobs"
	"github.com/d9705996/oncall/internal/model"
	"gorm.io/gorm"
)

// AcknowledgeReminder runs the ack_reminder job. A reminder writes
// ACK_REMINDER_TRIGGERED and schedules either the next reminder or, when the
// organization un-acknowledges unanswered reminders, the un-acknowledge
// follow-up. The follow-up writes AUTO_UN_ACK, un-acknowledges the group and
// restarts escalation.
func (s *Service) AcknowledgeReminder(ctx context.Context, args jobs.AcknowledgeReminder) error {
	return s.inTx(ctx, func(tx *db.Tx) error {
		g, err := Lock(tx, args.AlertGroupID)
		if errors.Is(err, ErrNotFound) {
			s.log.Warn("acknowledge reminder for missing alert group", "alert_group_id", args.AlertGroupID)
			return nil
		}
		if err != nil {
			return err
		}
		if g.UnackReminderID != args.Token {
			return nil
		}
		org, err := s.organization(tx, g.OrganizationID)
		if err != nil {
			return err
		}

		required := g.IsRoot() &&
			g.State() == model.StateAcknowledged &&
			g.AcknowledgedBy == model.ActorUser &&
			org.AcknowledgeRemindTimeout > 0 &&
			org.IsActive()
		if args.Unacknowledge {
			required = required && org.UnacknowledgeTimeout > 0
		}
		if !required {
			s.log.Info("alert group is not in a state for acknowledgement reminder",
				"alert_group_id", g.ID, "unacknowledge", args.Unacknowledge)
			return nil
		}

		if args.Unacknowledge {
			return s.autoUnacknowledge(tx, g)
		}

		now := s.now()
		switch {
		case org.UnacknowledgeTimeout > 0:
			next := args
			next.Unacknowledge = true
			s.schedule(tx, next, now.Add(org.UnacknowledgeTimeout))
		case g.StartedAt.Before(now.Add(-ackReminderExpiry)):
			s.log.Info("not renewing acknowledgement reminder, alert group is too old", "alert_group_id", g.ID)
		default:
			s.schedule(tx, args, now.Add(org.AcknowledgeRemindTimeout))
		}

		rec, err := s.write(tx, &model.LogRecord{AlertGroupID: g.ID, Type: model.LogAckReminderTriggered, AuthorID: g.AcknowledgedByUserID})
		if err != nil {
			return err
		}
		return s.emit(tx, g, rec, false)
	})
}

func (s *Service) autoUnacknowledge(tx *db.Tx, g *model.AlertGroup) error {
	rec, err := s.write(tx, &model.LogRecord{AlertGroupID: g.ID, Type: model.LogAutoUnAck, AuthorID: g.AcknowledgedByUserID})
	if err != nil {
		return err
	}
	previous := g.State()
	unacknowledge(g, s.now())
	g.UnackReminderID = ""
	if err := s.save(tx, g); err != nil {
		return err
	}
	s.stateChanged(g, previous)
	if _, err := s.StartEscalationTx(tx, g, Restart); err != nil {
		return err
	}
	return s.emit(tx, g, rec, false)
}

// DisableChannelMaintenanceTx ends the maintenance of channel and resolves
// its maintenance incident, if any.
func (s *Service) DisableChannelMaintenanceTx(tx *db.Tx, channel *model.Channel) error {
	maintenanceUUID := channel.MaintenanceUUID
	channel.MaintenanceMode = nil
	channel.MaintenanceUUID = nil
	channel.MaintenanceDuration = nil
	channel.MaintenanceStartedAt = nil
	channel.MaintenanceAuthorID = nil
	if err := tx.Save(channel).Error; err != nil {
		return fmt.Errorf("save channel: %w", err)
	}
	if maintenanceUUID == nil {
		return nil
	}

	var incident model.AlertGroup
	err := db.ForUpdate(tx.DB).Where("maintenance_uuid = ? AND resolved = ?", *maintenanceUUID, false).First(&incident).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load maintenance incident: %w", err)
	}
	return s.ResolveByDisableMaintenanceTx(tx, &incident)
}

// stopMaintenanceOf ends the maintenance that incident belongs to.
func (s *Service) stopMaintenanceOf(tx *db.Tx, incident *model.AlertGroup) error {
	var channel model.Channel
	err := tx.Where("maintenance_uuid = ?", *incident.MaintenanceUUID).First(&channel).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.ResolveByDisableMaintenanceTx(tx, incident)
	}
	if err != nil {
		return fmt.Errorf("load maintenance channel: %w", err)
	}
	return s.DisableChannelMaintenanceTx(tx, &channel)
}
