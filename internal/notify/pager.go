package notify

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
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	// ErrNothingToPage is returned when a page names no users and no schedules.
	ErrNothingToPage = errors.New("no users or schedules to page")
	// ErrDuplicateDirectPaging is returned when a team already has a direct
	// paging integration.
	ErrDuplicateDirectPaging = errors.New("direct paging integration already exists for team")
	// ErrUserNotFound is returned when a paged user does not exist.
	ErrUserNotFound = errors.New("user not found")
	// ErrAlertCreationUnavailable is returned when a page needs a new alert
	// group but no AlertCreator is configured.
	ErrAlertCreationUnavailable = errors.New("alert creation is not configured")
)

// OnCallResolver returns who is on call in a schedule.
type OnCallResolver interface {
	OnCall(gdb *gorm.DB, scheduleID string, at time.Time) (*model.Schedule, []model.User, error)
}

// AlertCreator turns a page into an alert on a channel and returns its group.
type AlertCreator interface {
	CreateAlert(ctx context.Context, ch *model.Channel, title, message string, payload map[string]any) (*model.AlertGroup, error)
}

// Target is a paged user or schedule.
type Target struct {
	ID        string
	Important bool
}

// PageRequest describes a direct page. Without AlertGroupID a new alert is
// created on the team's direct paging integration.
type PageRequest struct {
	OrganizationID string
	TeamID         *string
	From           *model.User
	Title          string
	Message        string
	AlertGroupID   string
	Users          []Target
	Schedules      []Target
}

// PagedUser is a user currently paged on an alert group.
type PagedUser struct {
	UserID    string
	Important bool
}

// Pager pages users and schedules directly, outside escalation chains.
type Pager struct {
	db        *gorm.DB
	recorder  *logrecord.Recorder
	jobs      jobs.Enqueuer
	schedules OnCallResolver
	alerts    AlertCreator
	log       *slog.Logger
	now       func() time.Time
}

// NewPager returns a Pager. alerts may be nil, in which case only existing
// alert groups can be paged.
func NewPager(gdb *gorm.DB, rec *logrecord.Recorder, enq jobs.Enqueuer, schedules OnCallResolver, alerts AlertCreator, log *slog.Logger, now func() time.Time) *Pager {
	if now == nil {
		now = time.Now
	}
	return &Pager{db: gdb, recorder: rec, jobs: enq, schedules: schedules, alerts: alerts, log: log, now: now}
}

// DirectPage notifies the requested users and everyone on call in the
// requested schedules, and returns the paged alert group.
func (p *Pager) DirectPage(ctx context.Context, req PageRequest) (*model.AlertGroup, error) {
	if len(req.Users) == 0 && len(req.Schedules) == 0 {
		return nil, ErrNothingToPage
	}
	fromName := req.From.DisplayName()

	var g *model.AlertGroup
	if req.AlertGroupID == "" {
		created, err := p.createAlert(ctx, req)
		if err != nil {
			return nil, err
		}
		g = created
	}

	err := db.Transaction(ctx, p.db, func(tx *db.Tx) error {
		if g == nil {
			locked, err := alertgroup.Lock(tx, req.AlertGroupID)
			if err != nil {
				return err
			}
			g = locked
		}
		now := p.now()

		type paged struct {
			user      model.User
			important bool
			schedule  *model.Schedule
		}
		var targets []paged
		seen := map[string]bool{}

		for _, st := range req.Schedules {
			sched, users, err := p.schedules.OnCall(tx.DB, st.ID, now)
			if err != nil {
				return fmt.Errorf("resolve schedule %s: %w", st.ID, err)
			}
			for _, u := range users {
				if !seen[u.ID] {
					seen[u.ID] = true
					targets = append(targets, paged{user: u, important: st.Important, schedule: sched})
				}
			}
			err = p.recorder.Write(tx.DB, &model.LogRecord{
				AlertGroupID:     g.ID,
				Type:             model.LogDirectPaging,
				AuthorID:         &req.From.ID,
				Reason:           fmt.Sprintf("%s paged schedule %s", fromName, sched.Name),
				StepSpecificInfo: logrecord.Info("schedule", sched.ID, "schedule_name", sched.Name),
			})
			if err != nil {
				return err
			}
		}
		for _, ut := range req.Users {
			var u model.User
			if err := tx.Limit(1).Find(&u, "id = ?", ut.ID).Error; err != nil {
				return fmt.Errorf("load user: %w", err)
			}
			if u.ID == "" {
				return fmt.Errorf("%w: %s", ErrUserNotFound, ut.ID)
			}
			if !seen[u.ID] {
				seen[u.ID] = true
				targets = append(targets, paged{user: u, important: ut.Important})
			}
		}

		for _, t := range targets {
			reason := fmt.Sprintf("%s paged user %s", fromName, t.user.DisplayName())
			info := logrecord.Info("user", t.user.ID, "important", t.important)
			if t.schedule != nil {
				reason += fmt.Sprintf(" (from schedule %s)", t.schedule.Name)
				info["schedule"] = t.schedule.ID
			}
			rec := &model.LogRecord{
				AlertGroupID:     g.ID,
				Type:             model.LogDirectPaging,
				AuthorID:         &req.From.ID,
				Reason:           reason,
				StepSpecificInfo: info,
			}
			if err := p.recorder.Write(tx.DB, rec); err != nil {
				return err
			}
			args := jobs.NotifyUser{
				UserID:                 t.user.ID,
				AlertGroupID:           g.ID,
				Reason:                 reason,
				Important:              t.important,
				NotifyEvenAcknowledged: g.AcknowledgedAt != nil && g.AcknowledgedAt.Before(rec.CreatedAt),
				NotifyAnyway:           true,
			}
			tx.AfterCommit(func(ctx context.Context) {
				if err := p.jobs.Enqueue(ctx, args, time.Time{}); err != nil {
					p.log.Error("failed to schedule job", "kind", args.Kind(), "user_id", args.UserID, "err", err)
				}
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("direct page: %w", err)
	}
	return g, nil
}

func (p *Pager) createAlert(ctx context.Context, req PageRequest) (*model.AlertGroup, error) {
	if p.alerts == nil {
		return nil, ErrAlertCreationUnavailable
	}
	ch, err := p.DirectPagingChannel(ctx, req.OrganizationID, req.TeamID)
	if err != nil {
		return nil, err
	}
	title := req.Title
	if title == "" {
		title = "Message from " + req.From.DisplayName()
	}
	payload := map[string]any{
		"oncall": map[string]any{
			"title":           title,
			"message":         req.Message,
			"uid":             uuid.NewString(),
			"author_username": req.From.DisplayName(),
		},
	}
	g, err := p.alerts.CreateAlert(ctx, ch, title, req.Message, payload)
	if err != nil {
		return nil, fmt.Errorf("create direct paging alert: %w", err)
	}
	return g, nil
}

// UnpageUser stops the user's notifications for the group. The UNPAGE_USER
// record is written even when the user had no active notifications.
func (p *Pager) UnpageUser(ctx context.Context, alertGroupID, userID string, from *model.User) error {
	err := db.Transaction(ctx, p.db, func(tx *db.Tx) error {
		var u model.User
		if err := tx.Limit(1).Find(&u, "id = ?", userID).Error; err != nil {
			return fmt.Errorf("load user: %w", err)
		}
		if u.ID == "" {
			return fmt.Errorf("%w: %s", ErrUserNotFound, userID)
		}
		var active model.UserHasNotification
		err := db.ForUpdate(tx.DB).Where("user_id = ? AND alert_group_id = ?", userID, alertGroupID).Limit(1).Find(&active).Error
		if err != nil {
			return fmt.Errorf("lock active notification: %w", err)
		}
		if active.ID != "" {
			if err := clearToken(tx, &active); err != nil {
				return err
			}
		}
		return p.recorder.Write(tx.DB, &model.LogRecord{
			AlertGroupID:     alertGroupID,
			Type:             model.LogUnpageUser,
			AuthorID:         &from.ID,
			Reason:           fmt.Sprintf("%s unpaged user %s", from.DisplayName(), u.DisplayName()),
			StepSpecificInfo: logrecord.Info("user", u.ID),
		})
	})
	if err != nil {
		return fmt.Errorf("unpage user: %w", err)
	}
	return nil
}

// GetPagedUsers replays the paging history of the group and returns the
// users that are still paged, in paging order.
func (p *Pager) GetPagedUsers(ctx context.Context, alertGroupID string) ([]PagedUser, error) {
	var recs []model.LogRecord
	err := p.db.WithContext(ctx).
		Where("alert_group_id = ? AND type IN ?", alertGroupID, []model.LogType{model.LogDirectPaging, model.LogUnpageUser}).
		Order("created_at").Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("load paging records: %w", err)
	}
	var order []string
	paged := map[string]PagedUser{}
	for _, rec := range recs {
		userID, _ := rec.StepSpecificInfo["user"].(string)
		if userID == "" {
			continue
		}
		if rec.Type == model.LogUnpageUser {
			delete(paged, userID)
			continue
		}
		important, _ := rec.StepSpecificInfo["important"].(bool)
		if _, ok := paged[userID]; !ok {
			order = append(order, userID)
		}
		paged[userID] = PagedUser{UserID: userID, Important: important}
	}
	out := make([]PagedUser, 0, len(paged))
	for _, id := range order {
		if u, ok := paged[id]; ok {
			out = append(out, u)
			delete(paged, id)
		}
	}
	return out, nil
}

// DirectPagingChannel returns the team's direct paging integration,
// creating it on first use.
func (p *Pager) DirectPagingChannel(ctx context.Context, orgID string, teamID *string) (*model.Channel, error) {
	var ch model.Channel
	if err := directPagingQuery(p.db.WithContext(ctx), orgID, teamID).Limit(1).Find(&ch).Error; err != nil {
		return nil, fmt.Errorf("load direct paging channel: %w", err)
	}
	if ch.ID != "" {
		return &ch, nil
	}
	created, err := p.CreateDirectPagingChannel(ctx, orgID, teamID)
	if errors.Is(err, ErrDuplicateDirectPaging) {
		return p.DirectPagingChannel(ctx, orgID, teamID)
	}
	return created, err
}

// CreateDirectPagingChannel creates the team's direct paging integration
// with a default route. A team has at most one.
func (p *Pager) CreateDirectPagingChannel(ctx context.Context, orgID string, teamID *string) (*model.Channel, error) {
	team := "General"
	if teamID != nil {
		team = *teamID
	}
	ch := &model.Channel{
		OrganizationID: orgID,
		TeamID:         teamID,
		VerbalName:     fmt.Sprintf("Direct paging (%s team)", team),
		Integration:    model.IntegrationDirectPaging,
	}
	err := db.Transaction(ctx, p.db, func(tx *db.Tx) error {
		var n int64
		if err := directPagingQuery(tx.DB, orgID, teamID).Model(&model.Channel{}).Count(&n).Error; err != nil {
			return fmt.Errorf("count direct paging channels: %w", err)
		}
		if n > 0 {
			return ErrDuplicateDirectPaging
		}
		if err := tx.Create(ch).Error; err != nil {
			return fmt.Errorf("create direct paging channel: %w", err)
		}
		route := &model.Route{ChannelID: ch.ID, IsDefault: true, NotifyInSlack: true}
		if err := tx.Create(route).Error; err != nil {
			return fmt.Errorf("create direct paging route: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func directPagingQuery(gdb *gorm.DB, orgID string, teamID *string) *gorm.DB {
	q := gdb.Where("organization_id = ? AND integration = ?", orgID, model.IntegrationDirectPaging)
	if teamID == nil {
		return q.Where("team_id IS NULL")
	}
	return q.Where("team_id = ?", *teamID)
}
