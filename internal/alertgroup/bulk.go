package alertgroup

import (
	"context"
	"fmt"
	"time"

	"github.com/d9705996/oncall/internal/db"
	"github.com/d9705996/oncall/internal/model"
)

// Bulk actions.
const (
	BulkActionAcknowledge = "acknowledge"
	BulkActionResolve     = "resolve"
	BulkActionRestart     = "restart"
	BulkActionSilence     = "silence"
)

// Bulk dispatches a bulk action by name. delay is only used by silence.
func (s *Service) Bulk(ctx context.Context, action string, user *model.User, ids []string, delay time.Duration) error {
	switch action {
	case BulkActionAcknowledge:
		return s.BulkAcknowledge(ctx, user, ids)
	case BulkActionResolve:
		return s.BulkResolve(ctx, user, ids)
	case BulkActionRestart:
		return s.BulkRestart(ctx, user, ids)
	case BulkActionSilence:
		return s.BulkSilence(ctx, user, ids, delay)
	default:
		return fmt.Errorf("%w: unknown bulk action %q", ErrInvalidTransition, action)
	}
}

func groupIDs(gs []model.AlertGroup) []string {
	out := make([]string, len(gs))
	for i := range gs {
		out[i] = gs[i].ID
	}
	return out
}

func (s *Service) find(tx *db.Tx, where string, args ...any) ([]model.AlertGroup, error) {
	var out []model.AlertGroup
	if err := tx.Where(where, args...).Order("started_at, id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("load alert groups: %w", err)
	}
	return out, nil
}

// rootsAndDependents returns the root groups among ids matching where, and
// all groups attached to them.
func (s *Service) rootsAndDependents(tx *db.Tx, ids []string, where string, args ...any) (roots, deps []model.AlertGroup, err error) {
	if len(ids) == 0 {
		return nil, nil, nil
	}
	roots, err = s.find(tx, "id IN ? AND root_alert_group_id IS NULL AND "+where, append([]any{ids}, args...)...)
	if err != nil || len(roots) == 0 {
		return roots, nil, err
	}
	deps, err = s.find(tx, "root_alert_group_id IN ?", groupIDs(roots))
	return roots, deps, err
}

func (s *Service) batchUpdate(tx *db.Tx, gs []model.AlertGroup, values map[string]any) error {
	if len(gs) == 0 {
		return nil
	}
	values["updated_at"] = s.now()
	if err := tx.Model(&model.AlertGroup{}).Where("id IN ?", groupIDs(gs)).Updates(values).Error; err != nil {
		return fmt.Errorf("bulk update alert groups: %w", err)
	}
	return nil
}

// persistResponseTimes stores response times that the in-memory transition
// computed for groups that had none.
func (s *Service) persistResponseTimes(tx *db.Tx, before, after []model.AlertGroup) error {
	for i := range after {
		if before[i].ResponseTime != nil || after[i].ResponseTime == nil {
			continue
		}
		if err := tx.Model(&model.AlertGroup{}).Where("id = ?", after[i].ID).Update("response_time", *after[i].ResponseTime).Error; err != nil {
			return fmt.Errorf("store response time: %w", err)
		}
	}
	return nil
}

func (s *Service) bulkRecord(tx *db.Tx, g *model.AlertGroup, t model.LogType, user *model.User, reason string, emit bool) error {
	rec, err := s.write(tx, &model.LogRecord{AlertGroupID: g.ID, Type: t, AuthorID: userID(user), Reason: reason})
	if err != nil || !emit {
		return err
	}
	return s.emit(tx, g, rec, false)
}

func clone(gs []model.AlertGroup) []model.AlertGroup {
	return append([]model.AlertGroup(nil), gs...)
}

// BulkAcknowledge acknowledges the root groups among ids that are not
// already acknowledged (and unresolved) and not maintenance incidents,
// together with their dependents.
func (s *Service) BulkAcknowledge(ctx context.Context, user *model.User, ids []string) error {
	return s.inTx(ctx, func(tx *db.Tx) error {
		roots, deps, err := s.rootsAndDependents(tx, ids,
			"maintenance_uuid IS NULL AND NOT (acknowledged = ? AND resolved = ?)", true, false)
		if err != nil {
			return err
		}
		if err := s.bulkAcknowledge(tx, user, roots); err != nil {
			return err
		}
		return s.bulkAcknowledge(tx, user, deps)
	})
}

func (s *Service) bulkAcknowledge(tx *db.Tx, user *model.User, groups []model.AlertGroup) error {
	if len(groups) == 0 {
		return nil
	}
	now := s.now()
	before := clone(groups)
	err := s.batchUpdate(tx, groups, map[string]any{
		"acknowledged":            true,
		"acknowledged_at":         now,
		"acknowledged_by":         model.ActorUser,
		"acknowledged_by_user_id": userID(user),
		"resolved":                false,
		"resolved_at":             nil,
		"resolved_by":             model.ActorNotYet,
		"resolved_by_user_id":     nil,
		"silenced":                false,
		"silenced_at":             nil,
		"silenced_until":          nil,
		"silenced_by_user_id":     nil,
		"is_escalation_finished":  true,
		"active_escalation_id":    model.EscalationStoppedToken,
	})
	if err != nil {
		return err
	}
	for i := range groups {
		g := &groups[i]
		g.Resolved, g.ResolvedAt, g.Silenced, g.SilencedAt = false, nil, false, nil
		acknowledge(g, model.ActorUser, userID(user), now)
	}
	if err := s.persistResponseTimes(tx, before, groups); err != nil {
		return err
	}

	for i := range before {
		if before[i].Resolved {
			if err := s.bulkRecord(tx, &groups[i], model.LogUnResolved, user, "Bulk action acknowledge", false); err != nil {
				return err
			}
		}
	}
	for i := range before {
		if before[i].Silenced {
			if err := s.bulkRecord(tx, &groups[i], model.LogUnSilence, user, "Bulk action acknowledge", false); err != nil {
				return err
			}
		}
	}
	for i := range groups {
		g := &groups[i]
		s.stateChanged(g, before[i].State())
		if err := s.startAckReminder(tx, g); err != nil {
			return err
		}
		if g.UnackReminderID != before[i].UnackReminderID {
			if err := tx.Model(&model.AlertGroup{}).Where("id = ?", g.ID).Update("unack_reminder_id", g.UnackReminderID).Error; err != nil {
				return fmt.Errorf("store reminder token: %w", err)
			}
		}
		if err := s.bulkRecord(tx, g, model.LogAck, user, "", true); err != nil {
			return err
		}
	}
	return nil
}

// BulkResolve resolves the unresolved root groups among ids with their
// dependents. Maintenance incidents among ids end their maintenance
// instead. When the organization requires resolution notes, groups without
// one are skipped.
func (s *Service) BulkResolve(ctx context.Context, user *model.User, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *db.Tx) error {
		incidents, err := s.find(tx, "id IN ? AND resolved = ? AND maintenance_uuid IS NOT NULL", ids, false)
		if err != nil {
			return err
		}
		for i := range incidents {
			if err := s.stopMaintenanceOf(tx, &incidents[i]); err != nil {
				return err
			}
		}

		roots, err := s.find(tx, "id IN ? AND resolved = ? AND root_alert_group_id IS NULL AND maintenance_uuid IS NULL", ids, false)
		if err != nil || len(roots) == 0 {
			return err
		}
		org, err := s.organization(tx, roots[0].OrganizationID)
		if err != nil {
			return err
		}
		if org.IsResolutionNoteRequired {
			roots, err = s.find(tx,
				"id IN ? AND id IN (SELECT alert_group_id FROM resolution_notes WHERE deleted_at IS NULL)",
				groupIDs(roots))
			if err != nil {
				return err
			}
		}
		if len(roots) == 0 {
			return nil
		}
		deps, err := s.find(tx, "root_alert_group_id IN ?", groupIDs(roots))
		if err != nil {
			return err
		}
		if err := s.bulkResolve(tx, user, roots); err != nil {
			return err
		}
		return s.bulkResolve(tx, user, deps)
	})
}

func (s *Service) bulkResolve(tx *db.Tx, user *model.User, groups []model.AlertGroup) error {
	if len(groups) == 0 {
		return nil
	}
	now := s.now()
	before := clone(groups)
	err := s.batchUpdate(tx, groups, map[string]any{
		"resolved":               true,
		"resolved_at":            now,
		"resolved_by":            model.ActorUser,
		"resolved_by_user_id":    userID(user),
		"is_open_for_grouping":   nil,
		"silenced":               false,
		"silenced_at":            nil,
		"silenced_until":         nil,
		"silenced_by_user_id":    nil,
		"is_escalation_finished": true,
		"active_escalation_id":   model.EscalationStoppedToken,
	})
	if err != nil {
		return err
	}
	for i := range groups {
		g := &groups[i]
		g.Silenced, g.SilencedAt = false, nil
		resolve(g, model.ActorUser, userID(user), now)
	}
	if err := s.persistResponseTimes(tx, before, groups); err != nil {
		return err
	}

	for i := range before {
		if before[i].Silenced {
			if err := s.bulkRecord(tx, &groups[i], model.LogUnSilence, user, "Bulk action resolve", false); err != nil {
				return err
			}
		}
	}
	for i := range groups {
		s.stateChanged(&groups[i], before[i].State())
		if err := s.bulkRecord(tx, &groups[i], model.LogResolved, user, "", true); err != nil {
			return err
		}
	}
	return nil
}

// BulkRestart returns the groups among ids to firing: acknowledged roots
// are un-acknowledged, resolved roots un-resolved (each with their
// dependents) and silenced roots un-silenced. Escalation restarts for every
// root.
func (s *Service) BulkRestart(ctx context.Context, user *model.User, ids []string) error {
	return s.inTx(ctx, func(tx *db.Tx) error {
		roots, deps, err := s.rootsAndDependents(tx, ids,
			"resolved = ? AND acknowledged = ? AND maintenance_uuid IS NULL", false, true)
		if err != nil {
			return err
		}
		for _, set := range [][]model.AlertGroup{roots, deps} {
			if err := s.bulkRestart(tx, user, set, model.LogUnAck, Restart); err != nil {
				return err
			}
		}

		roots, deps, err = s.rootsAndDependents(tx, ids, "resolved = ?", true)
		if err != nil {
			return err
		}
		for _, set := range [][]model.AlertGroup{roots, deps} {
			if err := s.bulkRestart(tx, user, set, model.LogUnResolved, Restart); err != nil {
				return err
			}
		}

		if len(ids) == 0 {
			return nil
		}
		silenced, err := s.find(tx,
			"id IN ? AND root_alert_group_id IS NULL AND resolved = ? AND acknowledged = ? AND silenced = ?",
			ids, false, false, true)
		if err != nil {
			return err
		}
		return s.bulkRestart(tx, user, silenced, model.LogUnSilence, Resume)
	})
}

func (s *Service) bulkRestart(tx *db.Tx, user *model.User, groups []model.AlertGroup, t model.LogType, mode StartMode) error {
	if len(groups) == 0 {
		return nil
	}
	now := s.now()
	err := s.batchUpdate(tx, groups, map[string]any{
		"acknowledged":            false,
		"acknowledged_at":         nil,
		"acknowledged_by":         model.ActorNotYet,
		"acknowledged_by_user_id": nil,
		"resolved":                false,
		"resolved_at":             nil,
		"resolved_by":             model.ActorNotYet,
		"resolved_by_user_id":     nil,
		"is_open_for_grouping":    nil,
		"silenced":                false,
		"silenced_at":             nil,
		"silenced_until":          nil,
		"silenced_by_user_id":     nil,
		"restarted_at":            now,
	})
	if err != nil {
		return err
	}
	for i := range groups {
		previous := groups[i].State()
		g, err := Lock(tx, groups[i].ID)
		if err != nil {
			return err
		}
		s.stateChanged(g, previous)
		if err := s.bulkRecord(tx, g, t, user, "Bulk action restart", true); err != nil {
			return err
		}
		if g.IsRoot() {
			if _, err := s.StartEscalationTx(tx, g, mode); err != nil {
				return err
			}
		}
	}
	return nil
}

// BulkSilence silences the root groups among ids that are not maintenance
// incidents, together with their dependents. A positive delay schedules an
// un-silence timer for each root.
func (s *Service) BulkSilence(ctx context.Context, user *model.User, ids []string, delay time.Duration) error {
	return s.inTx(ctx, func(tx *db.Tx) error {
		roots, deps, err := s.rootsAndDependents(tx, ids, "maintenance_uuid IS NULL")
		if err != nil {
			return err
		}
		if err := s.bulkSilence(tx, user, roots, delay); err != nil {
			return err
		}
		return s.bulkSilence(tx, user, deps, delay)
	})
}

func (s *Service) bulkSilence(tx *db.Tx, user *model.User, groups []model.AlertGroup, delay time.Duration) error {
	if len(groups) == 0 {
		return nil
	}
	now := s.now()
	forPeriod := delay > 0
	var (
		until       *time.Time
		recordDelay *time.Duration
	)
	if forPeriod {
		t := now.Add(delay)
		until = &t
		d := delay
		recordDelay = &d
	}

	before := clone(groups)
	values := map[string]any{
		"acknowledged":            false,
		"acknowledged_at":         nil,
		"acknowledged_by":         model.ActorNotYet,
		"acknowledged_by_user_id": nil,
		"resolved":                false,
		"resolved_at":             nil,
		"resolved_by":             model.ActorNotYet,
		"resolved_by_user_id":     nil,
		"silenced":                true,
		"silenced_at":             now,
		"silenced_until":          until,
		"silenced_by_user_id":     userID(user),
	}
	if !forPeriod {
		values["is_escalation_finished"] = true
		values["active_escalation_id"] = model.EscalationStoppedToken
	}
	if err := s.batchUpdate(tx, groups, values); err != nil {
		return err
	}
	for i := range groups {
		g := &groups[i]
		g.Acknowledged, g.AcknowledgedAt, g.Resolved, g.ResolvedAt, g.Silenced = false, nil, false, nil, false
		silence(g, userID(user), until, now)
		if forPeriod {
			if err := shiftNextStepETA(g, delay+s.cfg.StartDelay); err != nil {
				return err
			}
			if g.RawEscalationSnapshot != before[i].RawEscalationSnapshot {
				if err := tx.Model(&model.AlertGroup{}).Where("id = ?", g.ID).Update("raw_escalation_snapshot", g.RawEscalationSnapshot).Error; err != nil {
					return fmt.Errorf("store escalation snapshot: %w", err)
				}
			}
		}
	}
	if err := s.persistResponseTimes(tx, before, groups); err != nil {
		return err
	}

	const reason = "Bulk action silence"
	for i := range before {
		if before[i].Resolved {
			if err := s.bulkRecord(tx, &groups[i], model.LogUnResolved, user, reason, false); err != nil {
				return err
			}
		}
	}
	for i := range before {
		b := before[i]
		if b.Silenced && !b.Acknowledged && !b.Resolved {
			if err := s.bulkRecord(tx, &groups[i], model.LogUnSilence, user, reason, false); err != nil {
				return err
			}
		}
	}
	for i := range before {
		if before[i].Acknowledged && !before[i].Resolved {
			if err := s.bulkRecord(tx, &groups[i], model.LogUnAck, user, reason, false); err != nil {
				return err
			}
		}
	}
	for i := range groups {
		g := &groups[i]
		s.stateChanged(g, before[i].State())
		rec, err := s.write(tx, &model.LogRecord{AlertGroupID: g.ID, Type: model.LogSilence, AuthorID: userID(user), SilenceDelay: recordDelay, Reason: reason})
		if err != nil {
			return err
		}
		if err := s.emit(tx, g, rec, false); err != nil {
			return err
		}
		if forPeriod && g.IsRoot() {
			s.startUnsilenceTimer(tx, g, delay)
			if err := tx.Model(&model.AlertGroup{}).Where("id = ?", g.ID).Update("unsilence_task_uuid", g.UnsilenceTaskUUID).Error; err != nil {
				return fmt.Errorf("store un-silence token: %w", err)
			}
		}
	}
	return nil
}
