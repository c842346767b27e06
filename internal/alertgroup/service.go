// Package alertgroup implements the alert group state machine: the public
// acknowledge, resolve, silence, attach, wipe and delete transitions, their
// bulk variants, and the timers that end silences and remind about
// acknowledgements.
//
// Every public operation runs in one database transaction that pairs the
// flag updates with their log records and outbox events. Jobs are scheduled
// only after that transaction commits.
package alertgroup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/d9705996/oncall/internal/db"
	"github.com/d9705996/oncall/internal/events"
	"github.com/d9705996/oncall/internal/jobs"
	"github.com/d9705996/oncall/internal/logrecord"
	"github.com/d9705996/oncall/internal/metrics"
	"github.com/d9705996/oncall/internal/model"
	"github.com/d9705996/oncall/internal/snapshot"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when the alert group does not exist.
	ErrNotFound = errors.New("alert group not found")
	// ErrInvalidTransition is returned before any mutation when the request
	// does not apply to the group's current state.
	ErrInvalidTransition = errors.New("invalid alert group transition")
	// ErrResolutionNoteRequired is returned when the organization requires a
	// resolution note and the group has none.
	ErrResolutionNoteRequired = errors.New("resolution note is required")
)

// ackReminderExpiry bounds how long reminders keep renewing themselves.
const ackReminderExpiry = 7 * 24 * time.Hour

// Config holds the timing the state machine needs.
type Config struct {
	// StartDelay is the countdown before the first escalation step.
	StartDelay time.Duration
}

// Service owns alert group transitions.
type Service struct {
	db       *gorm.DB
	recorder *logrecord.Recorder
	jobs     jobs.Enqueuer
	metrics  *metrics.Metrics
	log      *slog.Logger
	cfg      Config
	now      func() time.Time
}

// New returns a Service.
func New(gdb *gorm.DB, rec *logrecord.Recorder, enq jobs.Enqueuer, m *metrics.Metrics, log *slog.Logger, cfg Config, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	if cfg.StartDelay == 0 {
		cfg.StartDelay = 10 * time.Second
	}
	return &Service{db: gdb, recorder: rec, jobs: enq, metrics: m, log: log, cfg: cfg, now: now}
}

// Get returns the alert group with id.
func (s *Service) Get(ctx context.Context, id string) (*model.AlertGroup, error) {
	var g model.AlertGroup
	err := s.db.WithContext(ctx).First(&g, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load alert group: %w", err)
	}
	return &g, nil
}

// Lock reads the group row inside tx, holding a row lock where supported.
func Lock(tx *db.Tx, id string) (*model.AlertGroup, error) {
	var g model.AlertGroup
	err := db.ForUpdate(tx.DB).First(&g, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock alert group: %w", err)
	}
	return &g, nil
}

func (s *Service) inTx(ctx context.Context, fn func(tx *db.Tx) error) error {
	return db.Transaction(ctx, s.db, fn)
}

func (s *Service) save(tx *db.Tx, g *model.AlertGroup) error {
	g.UpdatedAt = s.now()
	if err := tx.Save(g).Error; err != nil {
		return fmt.Errorf("save alert group: %w", err)
	}
	return nil
}

func (s *Service) write(tx *db.Tx, rec *model.LogRecord) (*model.LogRecord, error) {
	if err := s.recorder.Write(tx.DB, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// emit stores the action_triggered events of rec, fanned out to the direct
// dependents of the group.
func (s *Service) emit(tx *db.Tx, g *model.AlertGroup, rec *model.LogRecord, fanOut bool) error {
	var deps []string
	if fanOut {
		ids, err := dependentIDs(tx, g.ID)
		if err != nil {
			return err
		}
		deps = ids
	}
	return events.ActionTriggered(tx.DB, rec.CreatedAt, g.ID, rec.ID, deps)
}

func dependents(tx *db.Tx, rootID string) ([]model.AlertGroup, error) {
	var out []model.AlertGroup
	if err := tx.Where("root_alert_group_id = ?", rootID).Order("started_at, id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("load dependent alert groups: %w", err)
	}
	return out, nil
}

func dependentIDs(tx *db.Tx, rootID string) ([]string, error) {
	var ids []string
	if err := tx.Model(&model.AlertGroup{}).Where("root_alert_group_id = ?", rootID).Order("started_at, id").Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("load dependent alert group ids: %w", err)
	}
	return ids, nil
}

func (s *Service) organization(tx *db.Tx, id string) (*model.Organization, error) {
	var org model.Organization
	if err := tx.First(&org, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("load organization: %w", err)
	}
	return &org, nil
}

// stateChanged feeds the state counter and, for the first response of a
// never restarted group, the response time histogram.
func (s *Service) stateChanged(g *model.AlertGroup, previous model.State) {
	current := g.State()
	if current == previous {
		return
	}
	s.metrics.AlertGroupState(current.String())
	if previous == model.StateFiring && g.RestartedAt == nil && g.ResponseTime != nil {
		s.metrics.ResponseTime(*g.ResponseTime)
	}
}

// StopEscalation marks the escalation finished and invalidates any
// scheduled escalate job by replacing the token.
func StopEscalation(g *model.AlertGroup) {
	g.IsEscalationFinished = true
	g.ActiveEscalationID = model.EscalationStoppedToken
}

// StartMode chooses where a (re)started escalation begins.
type StartMode int

// Start modes.
const (
	// Restart captures a fresh snapshot from the current route and chain.
	Restart StartMode = iota
	// Resume continues the stored snapshot from its cursor and falls back
	// to a fresh capture when the group has none.
	Resume
)

// StartEscalationTx starts escalation of g unless it is restricted, its
// channel is in maintenance or its route has no escalation chain. The
// escalate job is scheduled after tx commits. It reports whether escalation
// was started. g is saved.
func (s *Service) StartEscalationTx(tx *db.Tx, g *model.AlertGroup, mode StartMode) (bool, error) {
	var channel model.Channel
	if err := tx.Unscoped().First(&channel, "id = ?", g.ChannelID).Error; err != nil {
		return false, fmt.Errorf("load channel: %w", err)
	}
	if g.IsRestricted || channel.InMaintenance() {
		s.log.Debug("not escalating alert group",
			"alert_group_id", g.ID, "restricted", g.IsRestricted, "maintenance", channel.InMaintenance())
		return false, nil
	}

	var snap *snapshot.Snapshot
	if mode == Resume {
		stored, err := snapshot.Parse(g.RawEscalationSnapshot)
		if err != nil {
			s.log.Warn("stored escalation snapshot is unreadable, capturing a new one", "alert_group_id", g.ID, "err", err)
		}
		snap = stored
	}
	if snap == nil {
		captured, _, _, err := snapshot.Capture(tx.DB, g.RouteID, channel.SlackChannelID)
		if err != nil {
			return false, err
		}
		snap = captured
	}
	if snap == nil {
		s.log.Debug("not escalating alert group without escalation chain", "alert_group_id", g.ID)
		return false, nil
	}

	eta := s.now().Add(s.cfg.StartDelay)
	snap.NextStepETA = &eta
	snap.PauseEscalation = false
	snap.StopEscalation = false
	for i := range snap.Policies {
		snap.Policies[i].PauseEscalation = false
	}
	raw, err := snap.Encode()
	if err != nil {
		return false, err
	}
	token := uuid.NewString()
	g.RawEscalationSnapshot = raw
	g.ActiveEscalationID = token
	g.IsEscalationFinished = false
	if err := s.save(tx, g); err != nil {
		return false, err
	}
	s.schedule(tx, jobs.EscalateAlertGroup{AlertGroupID: g.ID, Token: token}, eta)
	return true, nil
}

// schedule enqueues args once tx has committed.
func (s *Service) schedule(tx *db.Tx, args jobs.Args, at time.Time) {
	tx.AfterCommit(func(ctx context.Context) {
		if err := s.jobs.Enqueue(ctx, args, at); err != nil {
			s.log.Error("failed to schedule job", "kind", args.Kind(), "err", err)
		}
	})
}

func (s *Service) startAckReminder(tx *db.Tx, g *model.AlertGroup) error {
	if !g.IsRoot() {
		return nil
	}
	org, err := s.organization(tx, g.OrganizationID)
	if err != nil {
		return err
	}
	if org.AcknowledgeRemindTimeout <= 0 {
		return nil
	}
	g.UnackReminderID = uuid.NewString()
	s.schedule(tx, jobs.AcknowledgeReminder{AlertGroupID: g.ID, Token: g.UnackReminderID}, s.now().Add(org.AcknowledgeRemindTimeout))
	return nil
}

func (s *Service) startUnsilenceTimer(tx *db.Tx, g *model.AlertGroup, delay time.Duration) {
	g.UnsilenceTaskUUID = uuid.NewString()
	s.schedule(tx, jobs.UnsilenceAlertGroup{AlertGroupID: g.ID, Token: g.UnsilenceTaskUUID}, s.now().Add(delay))
}

// shiftNextStepETA postpones the stored escalation eta by d.
func shiftNextStepETA(g *model.AlertGroup, d time.Duration) error {
	snap, err := snapshot.Parse(g.RawEscalationSnapshot)
	if err != nil || snap == nil || snap.NextStepETA == nil {
		return err
	}
	eta := snap.NextStepETA.Add(d)
	snap.NextStepETA = &eta
	raw, err := snap.Encode()
	if err != nil {
		return err
	}
	g.RawEscalationSnapshot = raw
	return nil
}
