package ingest

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
	"github.com/d9705996/oncall/internal/model"
	"github.com/d9705996/oncall/internal/sequence"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	// ErrMaintenanceAlreadyActive is returned when starting maintenance on
	// a channel that is already in maintenance.
	ErrMaintenanceAlreadyActive = errors.New("channel is already in maintenance")
	// ErrMaintenanceNotActive is returned when stopping maintenance of a
	// channel that is not in maintenance.
	ErrMaintenanceNotActive = errors.New("channel is not in maintenance")
)

// Maintenance starts and ends channel maintenance.
type Maintenance struct {
	db     *gorm.DB
	groups *alertgroup.Service
	jobs   jobs.Enqueuer
	log    *slog.Logger
	now    func() time.Time
}

// NewMaintenance returns a Maintenance.
func NewMaintenance(gdb *gorm.DB, groups *alertgroup.Service, enq jobs.Enqueuer, log *slog.Logger, now func() time.Time) *Maintenance {
	if now == nil {
		now = time.Now
	}
	return &Maintenance{db: gdb, groups: groups, jobs: enq, log: log, now: now}
}

func lockChannel(tx *db.Tx, id string) (*model.Channel, error) {
	var ch model.Channel
	if err := db.ForUpdate(tx.DB).Limit(1).Find(&ch, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("lock channel: %w", err)
	}
	if ch.ID == "" {
		return nil, ErrChannelNotFound
	}
	return &ch, nil
}

// StartMaintenance puts the channel into mode for d. Full maintenance opens
// a maintenance incident that collects every alert group created meanwhile.
// The disable_maintenance job ends the maintenance when d elapses.
func (m *Maintenance) StartMaintenance(ctx context.Context, channelID string, mode model.MaintenanceMode, d time.Duration, user *model.User) (*model.Channel, error) {
	var ch *model.Channel
	err := db.Transaction(ctx, m.db, func(tx *db.Tx) error {
		locked, err := lockChannel(tx, channelID)
		if err != nil {
			return err
		}
		ch = locked
		if ch.InMaintenance() {
			return ErrMaintenanceAlreadyActive
		}

		now := m.now()
		maintenanceUUID := uuid.NewString()
		ch.MaintenanceMode = &mode
		ch.MaintenanceUUID = &maintenanceUUID
		ch.MaintenanceDuration = &d
		ch.MaintenanceStartedAt = &now
		ch.MaintenanceAuthorID = &user.ID
		if err := tx.Save(ch).Error; err != nil {
			return fmt.Errorf("save channel: %w", err)
		}

		if mode == model.MaintenanceFull {
			if err := m.openIncident(tx, ch, d, user); err != nil {
				return err
			}
		}

		args := jobs.DisableMaintenance{ChannelID: ch.ID, MaintenanceUUID: maintenanceUUID}
		tx.AfterCommit(func(ctx context.Context) {
			if err := m.jobs.Enqueue(ctx, args, now.Add(d)); err != nil {
				m.log.Error("failed to schedule job", "kind", args.Kind(), "channel_id", args.ChannelID, "err", err)
			}
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("start maintenance: %w", err)
	}
	m.log.Info("maintenance started", "channel_id", ch.ID, "mode", mode.String(), "duration", d)
	return ch, nil
}

// openIncident creates the maintenance incident on the organization's
// maintenance integration.
func (m *Maintenance) openIncident(tx *db.Tx, ch *model.Channel, d time.Duration, user *model.User) error {
	integration, route, err := maintenanceIntegration(tx, ch)
	if err != nil {
		return err
	}
	number, err := sequence.NextTx(tx, ch.OrganizationID)
	if err != nil {
		return err
	}
	now := m.now()
	title := fmt.Sprintf("Maintenance of %s for %s", ch.VerbalName, logrecord.NaturalDelta(d))
	incident := &model.AlertGroup{
		OrganizationID:           ch.OrganizationID,
		ChannelID:                integration.ID,
		RouteID:                  route.ID,
		Distinction:              uuid.NewString(),
		InsideOrganizationNumber: number,
		WebTitleCache:            title,
		ResolvedBy:               model.ActorNotYet,
		AcknowledgedBy:           model.ActorNotYet,
		ReasonToSkipEscalation:   model.SkipNoReason,
		MaintenanceUUID:          ch.MaintenanceUUID,
		StartedAt:                now,
	}
	if err := tx.Create(incident).Error; err != nil {
		return fmt.Errorf("create maintenance incident: %w", err)
	}
	message := fmt.Sprintf("Initiated by %s. During this time all alerts from integration will be collected here without escalations", user.DisplayName())
	alert := &model.Alert{
		GroupID:                incident.ID,
		Title:                  title,
		Message:                message,
		RawRequestData:         model.JSONMap{"title": title, "message": message},
		IsTheFirstAlertInGroup: true,
		CreatedAt:              now,
	}
	if err := tx.Create(alert).Error; err != nil {
		return fmt.Errorf("create maintenance alert: %w", err)
	}
	return nil
}

func maintenanceIntegration(tx *db.Tx, ch *model.Channel) (*model.Channel, *model.Route, error) {
	q := tx.Where("organization_id = ? AND integration = ?", ch.OrganizationID, model.IntegrationMaintenance)
	if ch.TeamID == nil {
		q = q.Where("team_id IS NULL")
	} else {
		q = q.Where("team_id = ?", *ch.TeamID)
	}
	var integration model.Channel
	if err := q.Order("created_at DESC").Limit(1).Find(&integration).Error; err != nil {
		return nil, nil, fmt.Errorf("load maintenance integration: %w", err)
	}
	if integration.ID == "" {
		integration = model.Channel{
			OrganizationID: ch.OrganizationID,
			TeamID:         ch.TeamID,
			VerbalName:     "Maintenance",
			Integration:    model.IntegrationMaintenance,
		}
		if err := tx.Create(&integration).Error; err != nil {
			return nil, nil, fmt.Errorf("create maintenance integration: %w", err)
		}
	}

	var route model.Route
	if err := tx.Where("channel_id = ? AND is_default = ?", integration.ID, true).Limit(1).Find(&route).Error; err != nil {
		return nil, nil, fmt.Errorf("load maintenance route: %w", err)
	}
	if route.ID == "" {
		route = model.Route{ChannelID: integration.ID, IsDefault: true}
		if err := tx.Create(&route).Error; err != nil {
			return nil, nil, fmt.Errorf("create maintenance route: %w", err)
		}
	}
	return &integration, &route, nil
}

// DisableMaintenance runs the disable_maintenance job. It is a no-op when
// the channel's maintenance has already ended or was restarted since.
func (m *Maintenance) DisableMaintenance(ctx context.Context, args jobs.DisableMaintenance) error {
	err := db.Transaction(ctx, m.db, func(tx *db.Tx) error {
		ch, err := lockChannel(tx, args.ChannelID)
		if errors.Is(err, ErrChannelNotFound) {
			m.log.Warn("disable_maintenance for missing channel", "channel_id", args.ChannelID)
			return nil
		}
		if err != nil {
			return err
		}
		if ch.MaintenanceUUID == nil || *ch.MaintenanceUUID != args.MaintenanceUUID {
			m.log.Debug("skipping stale disable_maintenance job", "channel_id", ch.ID, "token", args.MaintenanceUUID)
			return nil
		}
		return m.groups.DisableChannelMaintenanceTx(tx, ch)
	})
	if err != nil {
		return fmt.Errorf("disable maintenance of channel %s: %w", args.ChannelID, err)
	}
	return nil
}

// StopMaintenance ends the channel's maintenance before its duration elapses.
func (m *Maintenance) StopMaintenance(ctx context.Context, channelID string) error {
	err := db.Transaction(ctx, m.db, func(tx *db.Tx) error {
		ch, err := lockChannel(tx, channelID)
		if err != nil {
			return err
		}
		if !ch.InMaintenance() {
			return ErrMaintenanceNotActive
		}
		return m.groups.DisableChannelMaintenanceTx(tx, ch)
	})
	if err != nil {
		return fmt.Errorf("stop maintenance: %w", err)
	}
	return nil
}
