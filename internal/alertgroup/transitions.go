package alertgroup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/d9705996/oncall/internal/db"
	"github.com/d9705996/oncall/internal/model"
	"gorm.io/gorm"
)

func userID(u *model.User) *string {
	if u == nil {
		return nil
	}
	id := u.ID
	return &id
}

// AcknowledgeByUser acknowledges the group and its dependents. A resolved or
// silenced group is un-resolved or un-silenced first.
func (s *Service) AcknowledgeByUser(ctx context.Context, id string, user *model.User) error {
	return s.inTx(ctx, func(tx *db.Tx) error {
		g, err := Lock(tx, id)
		if err != nil {
			return err
		}
		if g.Acknowledged && !g.Resolved {
			return fmt.Errorf("%w: already acknowledged", ErrInvalidTransition)
		}
		return s.acknowledgeByUser(tx, g, user, true)
	})
}

func (s *Service) acknowledgeByUser(tx *db.Tx, g *model.AlertGroup, user *model.User, top bool) error {
	previous := g.State()
	now := s.now()
	if g.Silenced {
		unSilence(g, now)
		if _, err := s.write(tx, &model.LogRecord{AlertGroupID: g.ID, Type: model.LogUnSilence, AuthorID: userID(user), Reason: "Acknowledge button"}); err != nil {
			return err
		}
	}
	if g.Resolved {
		unresolve(g, now)
		if _, err := s.write(tx, &model.LogRecord{AlertGroupID: g.ID, Type: model.LogUnResolved, AuthorID: userID(user), Reason: "Acknowledge button"}); err != nil {
			return err
		}
	}
	acknowledge(g, model.ActorUser, userID(user), now)
	StopEscalation(g)
	if err := s.startAckReminder(tx, g); err != nil {
		return err
	}
	if err := s.save(tx, g); err != nil {
		return err
	}
	s.stateChanged(g, previous)

	rec, err := s.write(tx, &model.LogRecord{AlertGroupID: g.ID, Type: model.LogAck, AuthorID: userID(user)})
	if err != nil {
		return err
	}
	return s.finish(tx, g, rec, top, func(d *model.AlertGroup) error {
		return s.acknowledgeByUser(tx, d, user, false)
	})
}

// finish emits the events of a top-level transition and applies next to
// every direct dependent.
func (s *Service) finish(tx *db.Tx, g *model.AlertGroup, rec *model.LogRecord, top bool, next func(d *model.AlertGroup) error) error {
	if top {
		if err := s.emit(tx, g, rec, true); err != nil {
			return err
		}
	}
	if next == nil {
		return nil
	}
	deps, err := dependents(tx, g.ID)
	if err != nil {
		return err
	}
	for i := range deps {
		if err := next(&deps[i]); err != nil {
			return err
		}
	}
	return nil
}

// AcknowledgeBySourceTx acknowledges g on behalf of the monitoring source.
func (s *Service) AcknowledgeBySourceTx(tx *db.Tx, g *model.AlertGroup) error {
	return s.acknowledgeBySource(tx, g, true)
}

func (s *Service) acknowledgeBySource(tx *db.Tx, g *model.AlertGroup, top bool) error {
	previous := g.State()
	now := s.now()
	if g.Silenced {
		unSilence(g, now)
		if _, err := s.write(tx, &model.LogRecord{AlertGroupID: g.ID, Type: model.LogUnSilence, Reason: "Acknowledge by source"}); err != nil {
			return err
		}
	}
	acknowledge(g, model.ActorSource, nil, now)
	StopEscalation(g)
	if err := s.save(tx, g); err != nil {
		return err
	}
	s.stateChanged(g, previous)

	rec, err := s.write(tx, &model.LogRecord{AlertGroupID: g.ID, Type: model.LogAck})
	if err != nil {
		return err
	}
	return s.finish(tx, g, rec, top, func(d *model.AlertGroup) error {
		return s.acknowledgeBySource(tx, d, false)
	})
}

// UnAcknowledgeByUser returns an acknowledged group to firing and restarts
// its escalation.
func (s *Service) UnAcknowledgeByUser(ctx context.Context, id string, user *model.User) error {
	return s.inTx(ctx, func(tx *db.Tx) error {
		g, err := Lock(tx, id)
		if err != nil {
			return err
		}
		if g.Resolved || !g.Acknowledged {
			return fmt.Errorf("%w: not acknowledged", ErrInvalidTransition)
		}
		return s.unAcknowledgeByUser(tx, g, user, true)
	})
}

func (s *Service) unAcknowledgeByUser(tx *db.Tx, g *model.AlertGroup, user *model.User, top bool) error {
	previous := g.State()
	unacknowledge(g, s.now())
	if err := s.save(tx, g); err != nil {
		return err
	}
	s.stateChanged(g, previous)
	if g.IsRoot() {
		if _, err := s.StartEscalationTx(tx, g, Restart); err != nil {
			return err
		}
	}
	rec, err := s.write(tx, &model.LogRecord{AlertGroupID: g.ID, Type: model.LogUnAck, AuthorID: userID(user)})
	if err != nil {
		return err
	}
	return s.finish(tx, g, rec, top, func(d *model.AlertGroup) error {
		return s.unAcknowledgeByUser(tx, d, user, false)
	})
}

// ResolveByUser resolves the group and its dependents. A non-empty note is
// stored as a resolution note; organizations that require notes reject the
// request when the group has none.
func (s *Service) ResolveByUser(ctx context.Context, id string, user *model.User, note string) error {
	return s.inTx(ctx, func(tx *db.Tx) error {
		g, err := Lock(tx, id)
		if err != nil {
			return err
		}
		if g.Resolved {
			return fmt.Errorf("%w: already resolved", ErrInvalidTransition)
		}
		org, err := s.organization(tx, g.OrganizationID)
		if err != nil {
			return err
		}
		if note != "" {
			n := &model.ResolutionNote{AlertGroupID: g.ID, AuthorID: userID(user), Text: note, CreatedAt: s.now()}
			if err := tx.Create(n).Error; err != nil {
				return fmt.Errorf("create resolution note: %w", err)
			}
		} else if org.IsResolutionNoteRequired {
			var notes int64
			if err := tx.Model(&model.ResolutionNote{}).Where("alert_group_id = ?", g.ID).Count(&notes).Error; err != nil {
				return fmt.Errorf("count resolution notes: %w", err)
			}
			if notes == 0 {
				return ErrResolutionNoteRequired
			}
		}
		if g.IsMaintenanceIncident() {
			return s.stopMaintenanceOf(tx, g)
		}
		return s.resolveAs(tx, g, model.ActorUser, user, "Resolve button", true)
	})
}

// ResolveBySourceTx resolves g because the source sent a resolve signal.
func (s *Service) ResolveBySourceTx(tx *db.Tx, g *model.AlertGroup) error {
	return s.resolveAs(tx, g, model.ActorSource, nil, "Resolve by source", true)
}

// ResolveByLastStepTx resolves g from the escalation chain's resolve step.
func (s *Service) ResolveByLastStepTx(tx *db.Tx, g *model.AlertGroup) error {
	return s.resolveAs(tx, g, model.ActorLastStep, nil, "", true)
}

// ResolveByDisableMaintenanceTx resolves a maintenance incident when its
// maintenance ends.
func (s *Service) ResolveByDisableMaintenanceTx(tx *db.Tx, g *model.AlertGroup) error {
	return s.resolveAs(tx, g, model.ActorDisableMaintenance, nil, "", true)
}

// resolveAs is shared by all resolve flavours. A non-empty unsilenceReason
// un-silences a silenced group first.
func (s *Service) resolveAs(tx *db.Tx, g *model.AlertGroup, by model.ActorKind, user *model.User, unsilenceReason string, top bool) error {
	previous := g.State()
	now := s.now()
	if g.Silenced && unsilenceReason != "" {
		unSilence(g, now)
		if _, err := s.write(tx, &model.LogRecord{AlertGroupID: g.ID, Type: model.LogUnSilence, AuthorID: userID(user), Reason: unsilenceReason}); err != nil {
			return err
		}
	}
	resolve(g, by, userID(user), now)
	StopEscalation(g)
	if err := s.save(tx, g); err != nil {
		return err
	}
	if by != model.ActorDisableMaintenance {
		s.stateChanged(g, previous)
	}

	rec, err := s.write(tx, &model.LogRecord{AlertGroupID: g.ID, Type: model.LogResolved, AuthorID: userID(user)})
	if err != nil {
		return err
	}
	return s.finish(tx, g, rec, top, func(d *model.AlertGroup) error {
		return s.resolveAs(tx, d, by, user, unsilenceReason, false)
	})
}

// UnResolveByUser reopens a resolved group. Wiped groups stay resolved.
func (s *Service) UnResolveByUser(ctx context.Context, id string, user *model.User) error {
	return s.inTx(ctx, func(tx *db.Tx) error {
		g, err := Lock(tx, id)
		if err != nil {
			return err
		}
		if !g.Resolved {
			return fmt.Errorf("%w: not resolved", ErrInvalidTransition)
		}
		return s.unResolveByUser(tx, g, user, true)
	})
}

func (s *Service) unResolveByUser(tx *db.Tx, g *model.AlertGroup, user *model.User, top bool) error {
	if g.IsWiped() {
		return nil
	}
	previous := g.State()
	unresolve(g, s.now())
	if err := s.save(tx, g); err != nil {
		return err
	}
	s.stateChanged(g, previous)

	rec, err := s.write(tx, &model.LogRecord{AlertGroupID: g.ID, Type: model.LogUnResolved, AuthorID: userID(user)})
	if err != nil {
		return err
	}
	if g.IsRoot() {
		if _, err := s.StartEscalationTx(tx, g, Restart); err != nil {
			return err
		}
	}
	return s.finish(tx, g, rec, top, func(d *model.AlertGroup) error {
		return s.unResolveByUser(tx, d, user, false)
	})
}

// SilenceByUser silences the group and its dependents. A delay of zero or
// less silences forever and stops escalation; a positive delay postpones
// the next escalation step and schedules the un-silence timer.
func (s *Service) SilenceByUser(ctx context.Context, id string, user *model.User, delay time.Duration) error {
	return s.inTx(ctx, func(tx *db.Tx) error {
		g, err := Lock(tx, id)
		if err != nil {
			return err
		}
		return s.silenceByUser(tx, g, user, delay, true)
	})
}

func (s *Service) silenceByUser(tx *db.Tx, g *model.AlertGroup, user *model.User, delay time.Duration, top bool) error {
	previous := g.State()
	now := s.now()
	author := userID(user)

	if g.Resolved {
		unresolve(g, now)
		if _, err := s.write(tx, &model.LogRecord{AlertGroupID: g.ID, Type: model.LogUnResolved, AuthorID: author, Reason: "Silence button"}); err != nil {
			return err
		}
	}
	if g.Acknowledged {
		unacknowledge(g, now)
		if _, err := s.write(tx, &model.LogRecord{AlertGroupID: g.ID, Type: model.LogUnAck, AuthorID: author, Reason: "Silence button"}); err != nil {
			return err
		}
	}
	if g.Silenced {
		unSilence(g, now)
		if _, err := s.write(tx, &model.LogRecord{AlertGroupID: g.ID, Type: model.LogUnSilence, AuthorID: author, Reason: "Silence button"}); err != nil {
			return err
		}
	}

	var (
		until       *time.Time
		recordDelay *time.Duration
	)
	if delay > 0 {
		t := now.Add(delay)
		until = &t
		d := delay
		recordDelay = &d
		if g.IsRoot() {
			if err := shiftNextStepETA(g, delay+s.cfg.StartDelay); err != nil {
				return err
			}
			s.startUnsilenceTimer(tx, g, delay)
		}
	} else {
		StopEscalation(g)
	}
	silence(g, author, until, now)
	if err := s.save(tx, g); err != nil {
		return err
	}
	s.stateChanged(g, previous)

	rec, err := s.write(tx, &model.LogRecord{AlertGroupID: g.ID, Type: model.LogSilence, AuthorID: author, SilenceDelay: recordDelay, Reason: "Silence button"})
	if err != nil {
		return err
	}
	return s.finish(tx, g, rec, top, func(d *model.AlertGroup) error {
		return s.silenceByUser(tx, d, user, delay, false)
	})
}

// UnSilenceByUser ends a silence and resumes escalation from where it was.
func (s *Service) UnSilenceByUser(ctx context.Context, id string, user *model.User) error {
	return s.inTx(ctx, func(tx *db.Tx) error {
		g, err := Lock(tx, id)
		if err != nil {
			return err
		}
		if !g.Silenced {
			return fmt.Errorf("%w: not silenced", ErrInvalidTransition)
		}
		return s.unSilenceAs(tx, g, user, "Unsilence button", true)
	})
}

// UnSilenceByTimer is the un-silence job. Stale tokens and groups that are
// no longer silenced are ignored.
func (s *Service) UnSilenceByTimer(ctx context.Context, id, token string) error {
	return s.inTx(ctx, func(tx *db.Tx) error {
		g, err := Lock(tx, id)
		if errors.Is(err, ErrNotFound) {
			s.log.Debug("un-silence timer for missing alert group", "alert_group_id", id)
			return nil
		}
		if err != nil {
			return err
		}
		if !g.Silenced || g.UnsilenceTaskUUID != token {
			s.log.Debug("stale un-silence timer", "alert_group_id", id, "token", token)
			return nil
		}
		return s.unSilenceAs(tx, g, nil, "Unsilence by timer", true)
	})
}

func (s *Service) unSilenceAs(tx *db.Tx, g *model.AlertGroup, user *model.User, reason string, top bool) error {
	previous := g.State()
	unSilence(g, s.now())
	if err := s.save(tx, g); err != nil {
		return err
	}
	s.stateChanged(g, previous)
	if g.IsRoot() {
		if _, err := s.StartEscalationTx(tx, g, Resume); err != nil {
			return err
		}
	}
	rec, err := s.write(tx, &model.LogRecord{AlertGroupID: g.ID, Type: model.LogUnSilence, AuthorID: userID(user), Reason: reason})
	if err != nil {
		return err
	}
	return s.finish(tx, g, rec, top, func(d *model.AlertGroup) error {
		if !d.Silenced {
			return nil
		}
		return s.unSilenceAs(tx, d, user, reason, false)
	})
}

// WipeByUser resolves the group, redacts its alerts and clears its
// distinction so that later alerts open a new group.
func (s *Service) WipeByUser(ctx context.Context, id string, user *model.User) error {
	return s.inTx(ctx, func(tx *db.Tx) error {
		g, err := Lock(tx, id)
		if err != nil {
			return err
		}
		return s.wipe(tx, g, user, true)
	})
}

func (s *Service) wipe(tx *db.Tx, g *model.AlertGroup, user *model.User, top bool) error {
	previous := g.State()
	if !g.IsWiped() {
		now := s.now()
		resolve(g, model.ActorWiped, nil, now)
		StopEscalation(g)
		g.Distinction = ""
		g.WebTitleCache = ""
		g.WipedAt = &now
		g.WipedByUserID = userID(user)
		setResponseTime(g)

		var alerts []model.Alert
		if err := tx.Where("group_id = ?", g.ID).Find(&alerts).Error; err != nil {
			return fmt.Errorf("load alerts: %w", err)
		}
		title := "Wiped at " + now.UTC().Format("2006-01-02")
		if user != nil {
			title = fmt.Sprintf("Wiped by %s at %s", user.DisplayName(), now.UTC().Format("2006-01-02"))
		}
		for i := range alerts {
			a := &alerts[i]
			a.Title = title
			a.Message = ""
			a.ImageURL = ""
			a.LinkToUpstreamDetails = ""
			a.RawRequestData = model.JSONMap{}
			if err := tx.Save(a).Error; err != nil {
				return fmt.Errorf("wipe alert: %w", err)
			}
		}
		if err := s.save(tx, g); err != nil {
			return err
		}
	}
	s.stateChanged(g, previous)

	rec, err := s.write(tx, &model.LogRecord{AlertGroupID: g.ID, Type: model.LogWiped, AuthorID: userID(user)})
	if err != nil {
		return err
	}
	return s.finish(tx, g, rec, top, func(d *model.AlertGroup) error {
		return s.wipe(tx, d, user, false)
	})
}

// DeleteByUser stops escalation, writes a single DELETED record, hard
// deletes the group with everything it owns and un-attaches its dependents.
func (s *Service) DeleteByUser(ctx context.Context, id string, user *model.User) error {
	return s.inTx(ctx, func(tx *db.Tx) error {
		g, err := Lock(tx, id)
		if err != nil {
			return err
		}
		StopEscalation(g)
		if err := s.save(tx, g); err != nil {
			return err
		}

		var rec model.LogRecord
		err = tx.Where("alert_group_id = ? AND type = ?", g.ID, model.LogDeleted).Order("created_at DESC").First(&rec).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			rec = model.LogRecord{AlertGroupID: g.ID, Type: model.LogDeleted, AuthorID: userID(user)}
			if _, err := s.write(tx, &rec); err != nil {
				return err
			}
		case err != nil:
			return fmt.Errorf("find deleted log record: %w", err)
		}
		if err := s.emit(tx, g, &rec, false); err != nil {
			return err
		}

		deps, err := dependents(tx, g.ID)
		if err != nil {
			return err
		}
		if err := hardDelete(tx, g.ID); err != nil {
			return err
		}
		for i := range deps {
			if err := s.unAttachByDelete(tx, &deps[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func hardDelete(tx *db.Tx, id string) error {
	steps := []struct {
		what  string
		model any
		where string
	}{
		{"alerts", &model.Alert{}, "group_id = ?"},
		{"notification log records", &model.NotificationLogRecord{}, "alert_group_id = ?"},
		{"log records", &model.LogRecord{}, "alert_group_id = ?"},
		{"resolution notes", &model.ResolutionNote{}, "alert_group_id = ?"},
		{"user notifications", &model.UserHasNotification{}, "alert_group_id = ?"},
		{"bundled notifications", &model.BundledNotification{}, "alert_group_id = ?"},
		{"alert group", &model.AlertGroup{}, "id = ?"},
	}
	for _, st := range steps {
		if err := tx.Unscoped().Where(st.where, id).Delete(st.model).Error; err != nil {
			return fmt.Errorf("delete %s: %w", st.what, err)
		}
	}
	return nil
}

func (s *Service) unAttachByDelete(tx *db.Tx, g *model.AlertGroup) error {
	g.RootAlertGroupID = nil
	if err := s.save(tx, g); err != nil {
		return err
	}
	if _, err := s.StartEscalationTx(tx, g, Restart); err != nil {
		return err
	}
	rec, err := s.write(tx, &model.LogRecord{AlertGroupID: g.ID, Type: model.LogUnattached, Reason: "Unattach by deleting root incident"})
	if err != nil {
		return err
	}
	return s.emit(tx, g, rec, false)
}

// AttachByUser makes the group a dependent of root. The group takes over
// root's acknowledged and silenced state. Attaching to a dependent or a
// resolved group writes FAILED_ATTACHMENT instead.
func (s *Service) AttachByUser(ctx context.Context, id, rootID string, user *model.User) error {
	if id == rootID {
		return fmt.Errorf("%w: cannot attach an alert group to itself", ErrInvalidTransition)
	}
	return s.inTx(ctx, func(tx *db.Tx) error {
		g, err := Lock(tx, id)
		if err != nil {
			return err
		}
		root, err := Lock(tx, rootID)
		if err != nil {
			return err
		}

		if !root.IsRoot() || root.Resolved {
			rec, err := s.write(tx, &model.LogRecord{
				AlertGroupID:     g.ID,
				Type:             model.LogFailedAttachment,
				AuthorID:         userID(user),
				RootAlertGroupID: &root.ID,
				Reason:           "Failed to attach dropdown",
			})
			if err != nil {
				return err
			}
			return s.emit(tx, g, rec, false)
		}

		g.RootAlertGroupID = &root.ID
		StopEscalation(g)
		if err := s.save(tx, g); err != nil {
			return err
		}
		switch {
		case root.Acknowledged && !g.Acknowledged:
			err = s.acknowledgeByUser(tx, g, user, true)
		case !root.Acknowledged && g.Acknowledged:
			err = s.unAcknowledgeByUser(tx, g, user, true)
		}
		if err != nil {
			return err
		}
		switch {
		case root.Silenced && !g.Silenced:
			err = s.silenceByUser(tx, g, user, 0, true)
		case !root.Silenced && g.Silenced:
			err = s.unSilenceAs(tx, g, user, "Unsilence button", true)
		}
		if err != nil {
			return err
		}

		rec, err := s.write(tx, &model.LogRecord{
			AlertGroupID:     g.ID,
			Type:             model.LogAttached,
			AuthorID:         userID(user),
			RootAlertGroupID: &root.ID,
			Reason:           "Attach dropdown",
		})
		if err != nil {
			return err
		}
		if err := s.emit(tx, g, rec, false); err != nil {
			return err
		}
		rootRec, err := s.write(tx, &model.LogRecord{
			AlertGroupID:          root.ID,
			Type:                  model.LogAttached,
			AuthorID:              userID(user),
			DependentAlertGroupID: &g.ID,
			Reason:                "Attach dropdown",
		})
		if err != nil {
			return err
		}
		return s.emit(tx, root, rootRec, false)
	})
}

// UnAttachByUser detaches a dependent from its root and restarts its
// escalation.
func (s *Service) UnAttachByUser(ctx context.Context, id string, user *model.User) error {
	return s.inTx(ctx, func(tx *db.Tx) error {
		g, err := Lock(tx, id)
		if err != nil {
			return err
		}
		if g.IsRoot() {
			return fmt.Errorf("%w: not attached", ErrInvalidTransition)
		}
		rootID := *g.RootAlertGroupID
		g.RootAlertGroupID = nil
		if err := s.save(tx, g); err != nil {
			return err
		}
		if _, err := s.StartEscalationTx(tx, g, Restart); err != nil {
			return err
		}

		rec, err := s.write(tx, &model.LogRecord{
			AlertGroupID:     g.ID,
			Type:             model.LogUnattached,
			AuthorID:         userID(user),
			RootAlertGroupID: &rootID,
			Reason:           "Unattach button",
		})
		if err != nil {
			return err
		}
		if err := s.emit(tx, g, rec, false); err != nil {
			return err
		}

		root, err := Lock(tx, rootID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		rootRec, err := s.write(tx, &model.LogRecord{
			AlertGroupID:          root.ID,
			Type:                  model.LogUnattached,
			AuthorID:              userID(user),
			DependentAlertGroupID: &g.ID,
			Reason:                "Unattach dropdown",
		})
		if err != nil {
			return err
		}
		return s.emit(tx, root, rootRec, false)
	})
}

// AttachToMaintenanceTx attaches a new group to the maintenance incident of
// its channel.
func (s *Service) AttachToMaintenanceTx(tx *db.Tx, g, incident *model.AlertGroup) error {
	g.RootAlertGroupID = &incident.ID
	if err := s.save(tx, g); err != nil {
		return err
	}
	rec, err := s.write(tx, &model.LogRecord{
		AlertGroupID:          incident.ID,
		Type:                  model.LogAttached,
		DependentAlertGroupID: &g.ID,
		Reason:                "Attach dropdown",
	})
	if err != nil {
		return err
	}
	return s.emit(tx, incident, rec, false)
}
