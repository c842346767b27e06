package escalation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/d9705996/oncall/internal/db"
	"github.com/d9705996/oncall/internal/jobs"
	"github.com/d9705996/oncall/internal/logrecord"
	"github.com/d9705996/oncall/internal/model"
	"github.com/d9705996/oncall/internal/schedule"
	"github.com/d9705996/oncall/internal/snapshot"
)

// run is one execution of one escalation step.
type run struct {
	e    *Executor
	tx   *db.Tx
	g    *model.AlertGroup
	snap *snapshot.Snapshot
	now  time.Time

	failed bool
}

func (r *run) execute(p *snapshot.Policy, reason string) (snapshot.StepResult, error) {
	res, err := r.dispatch(p, reason)
	if err != nil {
		return res, err
	}
	outcome := "triggered"
	if r.failed {
		outcome = "failed"
	}
	name := p.Step.PublicName()
	if name == "" {
		name = "unknown"
	}
	r.e.metrics.EscalationStep(name, outcome)
	return res, nil
}

func (r *run) dispatch(p *snapshot.Policy, reason string) (snapshot.StepResult, error) {
	switch p.Step {
	case model.StepWait:
		return r.wait(p)
	case model.StepNotify, model.StepNotifyImportant, model.StepNotifyMultipleUsers, model.StepNotifyMultipleUsersImportant:
		return snapshot.StepResult{}, r.notifyMultipleUsers(p, reason)
	case model.StepNotifyUsersQueue:
		return snapshot.StepResult{}, r.notifyUsersQueue(p, reason)
	case model.StepNotifySchedule, model.StepNotifyScheduleImportant:
		return snapshot.StepResult{}, r.notifySchedule(p, reason)
	case model.StepNotifyGroup, model.StepNotifyGroupImportant:
		return snapshot.StepResult{}, r.notifyGroup(p)
	case model.StepFinalNotifyAll:
		return snapshot.StepResult{}, r.notifyWholeChannel(p, reason)
	case model.StepNotifyIfTime:
		return r.notifyIfTime(p)
	case model.StepNotifyIfNumAlertsInTimeWindow:
		return r.notifyIfNumAlertsInWindow(p)
	case model.StepRepeatEscalationNTimes:
		return r.repeat(p)
	case model.StepFinalResolve:
		return r.resolve(p)
	case model.StepTriggerCustomButton:
		return snapshot.StepResult{}, r.triggerWebhook(p)
	case model.StepDeclareIncident:
		return snapshot.StepResult{}, r.declareIncident(p)
	}
	return snapshot.StepResult{}, r.failure(p, model.ErrorUnspecifiedStep, nil)
}

// record returns a log record of type t for step p.
func (r *run) record(p *snapshot.Policy, t model.LogType) *model.LogRecord {
	step, order := p.Step, p.Order
	id := p.ID
	return &model.LogRecord{
		AlertGroupID:          r.g.ID,
		Type:                  t,
		EscalationPolicyID:    &id,
		EscalationPolicyStep:  &step,
		EscalationPolicyOrder: &order,
	}
}

func (r *run) write(rec *model.LogRecord) error {
	_, err := r.e.write(r.tx, rec)
	return err
}

func (r *run) failure(p *snapshot.Policy, code model.EscalationError, info model.JSONMap) error {
	r.failed = true
	rec := r.record(p, model.LogEscalationFailed)
	rec.EscalationErrorCode = &code
	rec.StepSpecificInfo = info
	return r.write(rec)
}

func (r *run) triggered(p *snapshot.Policy, reason string, author *string, info model.JSONMap) error {
	rec := r.record(p, model.LogEscalationTriggered)
	rec.Reason = reason
	rec.AuthorID = author
	rec.StepSpecificInfo = info
	return r.write(rec)
}

// notify schedules the personal notification pipeline of u after commit.
func (r *run) notify(u *model.User, reason string, important, preventPosting bool) {
	r.e.schedule(r.tx, jobs.NotifyUser{
		UserID:                 u.ID,
		AlertGroupID:           r.g.ID,
		Reason:                 reason,
		Important:              important,
		PreventPostingToThread: preventPosting,
	}, time.Time{})
}

// after runs fn once the step has committed. A returned error is recorded
// as a failure of the step, described by onErr.
func (r *run) after(fn func(ctx context.Context) error, onErr func(err error) *model.LogRecord) {
	r.tx.AfterCommit(func(ctx context.Context) {
		if err := fn(ctx); err != nil {
			r.e.log.Warn("escalation step action failed", "alert_group_id", r.g.ID, "err", err)
			r.e.fail(ctx, onErr(err))
		}
	})
}

func (r *run) wait(p *snapshot.Policy) (snapshot.StepResult, error) {
	delay := r.e.cfg.DefaultWaitDelay
	if p.WaitDelay == nil {
		if err := r.failure(p, model.ErrorWaitStepIsNotConfigured, nil); err != nil {
			return snapshot.StepResult{}, err
		}
	} else {
		delay = *p.WaitDelay
		if err := r.triggered(p, "wait", nil, nil); err != nil {
			return snapshot.StepResult{}, err
		}
	}
	eta := r.now.Add(delay)
	return snapshot.StepResult{ETA: &eta}, nil
}

// users loads the users with ids, sorted by username and id. Unknown ids are
// dropped.
func (r *run) users(ids []string) ([]model.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var users []model.User
	if err := r.tx.Where("id IN ?", ids).Order("username, id").Find(&users).Error; err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	return users, nil
}

func (r *run) notifyMultipleUsers(p *snapshot.Policy, reason string) error {
	users, err := r.users(p.NotifyToUsersQueue)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		code := model.ErrorNotifyMultipleNoRecipients
		if p.Step == model.StepNotify || p.Step == model.StepNotifyImportant {
			code = model.ErrorNotifyUserNoRecipient
		}
		return r.failure(p, code, nil)
	}
	if err := r.triggered(p, reason, nil, nil); err != nil {
		return err
	}
	for i := range users {
		u := &users[i]
		r.notify(u, reason, p.Step.IsImportant(), false)
		if err := r.triggered(p, reason, &u.ID, nil); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) notifyUsersQueue(p *snapshot.Policy, reason string) error {
	users, err := r.users(p.NotifyToUsersQueue)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		return r.failure(p, model.ErrorNotifyQueueNoRecipients, nil)
	}
	next := 0
	if p.LastNotifiedUser != nil {
		for i, u := range users {
			if u.ID == *p.LastNotifiedUser {
				next = (i + 1) % len(users)
				break
			}
		}
	}
	u := &users[next]
	id := u.ID
	p.LastNotifiedUser = &id
	r.notify(u, reason, false, false)
	return r.triggered(p, reason, &u.ID, nil)
}

func (r *run) notifySchedule(p *snapshot.Policy, reason string) error {
	if p.NotifyScheduleID == nil {
		return r.failure(p, model.ErrorScheduleDoesNotSelected, nil)
	}
	if r.e.deps.Schedules == nil {
		return r.failure(p, model.ErrorScheduleDoesNotExist, nil)
	}
	sched, users, err := r.e.deps.Schedules.OnCall(r.tx.DB, *p.NotifyScheduleID, r.now)
	switch {
	case errors.Is(err, schedule.ErrNotFound):
		return r.failure(p, model.ErrorScheduleDoesNotExist, nil)
	case errors.Is(err, schedule.ErrImportFailed):
		var info model.JSONMap
		if sched != nil {
			info = logrecord.Info("schedule_name", sched.Name)
		}
		return r.failure(p, model.ErrorICalImportFailed, info)
	case err != nil:
		return err
	}
	info := logrecord.Info("schedule_name", sched.Name)
	if len(users) == 0 {
		p.NotifyToUsersQueue = []string{}
		return r.failure(p, model.ErrorICalNoValidUsers, info)
	}

	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.ID)
	}
	p.NotifyToUsersQueue = ids

	if err := r.triggered(p, reason, nil, info); err != nil {
		return err
	}
	for i := range users {
		u := &users[i]
		r.notify(u, reason, p.Step.IsImportant(), false)
		if err := r.triggered(p, reason, &u.ID, info); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) notifyGroup(p *snapshot.Policy) error {
	p.NotifyToUsersQueue = []string{}
	if p.NotifyToGroupID == nil {
		return r.failure(p, model.ErrorNotifyGroupStepIsNotConfigured, nil)
	}
	var group model.UserGroup
	err := r.tx.Limit(1).Find(&group, "id = ?", *p.NotifyToGroupID).Error
	if err != nil {
		return fmt.Errorf("load user group: %w", err)
	}
	if group.ID == "" {
		return r.failure(p, model.ErrorUserGroupDoesNotExist, nil)
	}
	info := logrecord.Info("usergroup_handle", group.Handle)

	var members []model.User
	err = r.tx.Joins("JOIN user_group_members ON user_group_members.user_id = users.id").
		Where("user_group_members.user_group_id = ?", group.ID).
		Order("users.username, users.id").
		Find(&members).Error
	if err != nil {
		return fmt.Errorf("load user group members: %w", err)
	}
	if len(members) == 0 {
		return r.failure(p, model.ErrorUserGroupIsEmpty, info)
	}

	reason := fmt.Sprintf("Membership in @%s User Group", group.Handle)
	important := p.Step == model.StepNotifyGroupImportant
	var plan []string
	for i := range members {
		u := &members[i]
		p.NotifyToUsersQueue = append(p.NotifyToUsersQueue, u.ID)
		if !u.IsNotificationAllowed() {
			continue
		}
		plan = append(plan, u.DisplayName())
		r.notify(u, reason, important, true)
		if err := r.triggered(p, reason, &u.ID, nil); err != nil {
			return err
		}
	}
	if err := r.triggered(p, "", nil, info); err != nil {
		return err
	}

	if channel := r.chatChannel(); channel != "" && r.e.deps.Chat != nil {
		text := fmt.Sprintf("Inviting @%s User Group: %s", group.Handle, strings.Join(plan, ", "))
		r.after(func(ctx context.Context) error {
			return r.e.deps.Chat.PostToChannel(ctx, channel, text)
		}, func(err error) *model.LogRecord {
			rec := r.record(p, model.LogEscalationFailed)
			code := model.ErrorNotifyInSlack
			rec.EscalationErrorCode = &code
			rec.StepSpecificInfo = logrecord.Info("usergroup_handle", group.Handle)
			rec.Reason = err.Error()
			return rec
		})
	}
	return nil
}

// chatChannel is the chat channel the group's escalation posts to, or "".
func (r *run) chatChannel() string {
	if r.snap.Route != nil && !r.snap.Route.NotifyInSlack {
		return ""
	}
	return r.snap.SlackChannelID
}

func (r *run) notifyWholeChannel(p *snapshot.Policy, reason string) error {
	channel := r.chatChannel()
	if channel == "" || r.e.deps.Chat == nil {
		return r.failure(p, model.ErrorNotifyInSlack, nil)
	}
	if err := r.triggered(p, reason, nil, nil); err != nil {
		return err
	}
	text := fmt.Sprintf("@channel alert group #%d %q needs attention", r.g.InsideOrganizationNumber, r.g.WebTitleCache)
	r.after(func(ctx context.Context) error {
		return r.e.deps.Chat.PostToChannel(ctx, channel, text)
	}, func(err error) *model.LogRecord {
		rec := r.record(p, model.LogEscalationFailed)
		code := model.ErrorNotifyInSlack
		rec.EscalationErrorCode = &code
		rec.Reason = err.Error()
		return rec
	})
	return nil
}

func (r *run) notifyIfTime(p *snapshot.Policy) (snapshot.StepResult, error) {
	if p.FromTime == nil || p.ToTime == nil {
		return snapshot.StepResult{}, r.failure(p, model.ErrorNotifyIfTimeIsNotConfigured, nil)
	}
	eta, err := etaForTimeWindow(*p.FromTime, *p.ToTime, r.now)
	if err != nil {
		r.e.log.Warn("invalid notify-if-time window", "alert_group_id", r.g.ID, "err", err)
		return snapshot.StepResult{}, r.failure(p, model.ErrorNotifyIfTimeIsNotConfigured, nil)
	}
	rec := r.record(p, model.LogEscalationTriggered)
	rec.Reason = "notify if time"
	rec.ETA = eta
	if err := r.write(rec); err != nil {
		return snapshot.StepResult{}, err
	}
	return snapshot.StepResult{ETA: eta}, nil
}

func (r *run) notifyIfNumAlertsInWindow(p *snapshot.Policy) (snapshot.StepResult, error) {
	if p.NumAlertsInWindow == nil || p.NumMinutesInWindow == nil {
		return snapshot.StepResult{}, r.failure(p, model.ErrorNotifyIfNumAlertsInWindowStepIsNotConfigured, nil)
	}

	var seen int64
	err := r.tx.Model(&model.LogRecord{}).
		Where("alert_group_id = ? AND type = ? AND escalation_policy_id = ?", r.g.ID, model.LogEscalationTriggered, p.ID).
		Count(&seen).Error
	if err != nil {
		return snapshot.StepResult{}, fmt.Errorf("count step records: %w", err)
	}
	if seen == 0 {
		err := r.triggered(p, "continue escalation if >X alerts per Y minutes", nil, logrecord.Info(
			"num_alerts_in_window", *p.NumAlertsInWindow,
			"num_minutes_in_window", *p.NumMinutesInWindow,
		))
		if err != nil {
			return snapshot.StepResult{}, err
		}
	}

	var last model.Alert
	if err := r.tx.Where("group_id = ?", r.g.ID).Order("created_at DESC, id DESC").Limit(1).Find(&last).Error; err != nil {
		return snapshot.StepResult{}, fmt.Errorf("load last alert: %w", err)
	}
	var count int64
	if last.ID != "" {
		since := last.CreatedAt.Add(-time.Duration(*p.NumMinutesInWindow) * time.Minute)
		err := r.tx.Model(&model.Alert{}).Where("group_id = ? AND created_at >= ?", r.g.ID, since).Count(&count).Error
		if err != nil {
			return snapshot.StepResult{}, fmt.Errorf("count alerts in window: %w", err)
		}
	}
	if count <= int64(*p.NumAlertsInWindow) {
		return snapshot.StepResult{Pause: true}, nil
	}
	return snapshot.StepResult{}, nil
}

func (r *run) repeat(p *snapshot.Policy) (snapshot.StepResult, error) {
	if p.EscalationCounter >= r.e.cfg.MaxRepeat {
		return snapshot.StepResult{}, nil
	}
	if err := r.triggered(p, "repeat escalation", nil, nil); err != nil {
		return snapshot.StepResult{}, err
	}
	p.EscalationCounter++
	return snapshot.StepResult{StartFromBeginning: true}, nil
}

func (r *run) resolve(p *snapshot.Policy) (snapshot.StepResult, error) {
	if err := r.triggered(p, "final resolve", nil, nil); err != nil {
		return snapshot.StepResult{}, err
	}
	if err := r.e.groups.ResolveByLastStepTx(r.tx, r.g); err != nil {
		return snapshot.StepResult{}, err
	}
	return snapshot.StepResult{Stop: true}, nil
}

func (r *run) triggerWebhook(p *snapshot.Policy) error {
	if p.CustomWebhookID == nil || r.e.deps.Webhooks == nil {
		return r.failure(p, model.ErrorTriggerCustomButtonStepIsNotConfigured, nil)
	}
	var hook model.Webhook
	if err := r.tx.Limit(1).Find(&hook, "id = ?", *p.CustomWebhookID).Error; err != nil {
		return fmt.Errorf("load webhook: %w", err)
	}
	if hook.ID == "" {
		return r.failure(p, model.ErrorTriggerCustomButtonStepIsNotConfigured, nil)
	}
	payload, err := r.webhookPayload()
	if err != nil {
		return err
	}
	info := logrecord.Info("trigger", "escalation", "webhook_name", hook.Name)
	g := r.g
	r.tx.AfterCommit(func(ctx context.Context) {
		status, err := r.e.deps.Webhooks.Trigger(ctx, &hook, payload)
		if err != nil {
			r.e.log.Warn("outgoing webhook failed", "alert_group_id", g.ID, "webhook_id", hook.ID, "status", status, "err", err)
			rec := r.record(p, model.LogEscalationFailed)
			code := model.ErrorTriggerCustomWebhookError
			rec.EscalationErrorCode = &code
			rec.StepSpecificInfo = info
			rec.Reason = err.Error()
			r.e.fail(ctx, rec)
			return
		}
		rec := r.record(p, model.LogCustomButtonTriggered)
		rec.CustomWebhookID = &hook.ID
		rec.StepSpecificInfo = info
		if err := r.e.recorder.Write(r.e.db.WithContext(ctx), rec); err != nil {
			r.e.log.Error("failed to record webhook call", "alert_group_id", g.ID, "err", err)
		}
	})
	return nil
}

// webhookPayload describes the group and its latest alert.
func (r *run) webhookPayload() (map[string]any, error) {
	var last model.Alert
	if err := r.tx.Where("group_id = ?", r.g.ID).Order("created_at DESC, id DESC").Limit(1).Find(&last).Error; err != nil {
		return nil, fmt.Errorf("load last alert: %w", err)
	}
	alertPayload := map[string]any{}
	for k, v := range last.RawRequestData {
		alertPayload[k] = v
	}
	return map[string]any{
		"event": map[string]any{"type": "escalation", "time": r.now.UTC().Format(time.RFC3339)},
		"alert_group": map[string]any{
			"id":     r.g.ID,
			"number": r.g.InsideOrganizationNumber,
			"title":  r.g.WebTitleCache,
			"state":  r.g.State().String(),
		},
		"alert_payload": alertPayload,
	}, nil
}

func (r *run) declareIncident(p *snapshot.Policy) error {
	if r.e.deps.Incidents == nil {
		r.failed = true
		rec := r.record(p, model.LogEscalationFailed)
		code := model.ErrorDeclareIncidentFailed
		rec.EscalationErrorCode = &code
		rec.Reason = "incident declaration is not configured"
		return r.write(rec)
	}
	if err := r.triggered(p, "declare incident", nil, nil); err != nil {
		return err
	}
	g := *r.g
	r.after(func(ctx context.Context) error {
		return r.e.deps.Incidents.DeclareIncident(ctx, &g)
	}, func(err error) *model.LogRecord {
		rec := r.record(p, model.LogEscalationFailed)
		code := model.ErrorDeclareIncidentFailed
		rec.EscalationErrorCode = &code
		rec.Reason = err.Error()
		return rec
	})
	return nil
}

// etaForTimeWindow returns nil when now lies inside the daily UTC window
// [from, to), and otherwise the next time the window opens.
func etaForTimeWindow(from, to string, now time.Time) (*time.Time, error) {
	f, err := parseClock(from)
	if err != nil {
		return nil, err
	}
	t, err := parseClock(to)
	if err != nil {
		return nil, err
	}
	now = now.UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	cur := now.Sub(day)

	var eta time.Time
	switch {
	case f == t:
		return nil, nil
	case f < t:
		switch {
		case cur < f:
			eta = day.Add(f)
		case cur >= t:
			eta = day.AddDate(0, 0, 1).Add(f)
		default:
			return nil, nil
		}
	default:
		if cur >= t && cur < f {
			eta = day.Add(f)
		} else {
			return nil, nil
		}
	}
	return &eta, nil
}

// parseClock parses "15:04:05" or "15:04" into an offset from midnight.
func parseClock(s string) (time.Duration, error) {
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute + time.Duration(t.Second())*time.Second, nil
		}
	}
	return 0, fmt.Errorf("invalid time of day %q", s)
}
