package logrecord

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/d9705996/oncall/internal/model"
	"gorm.io/gorm"
)

// Entry is one rendered line of an alert group timeline.
type Entry struct {
	At       time.Time `json:"created_at"`
	Source   string    `json:"source"`
	Type     string    `json:"type"`
	AuthorID *string   `json:"author_id,omitempty"`
	Text     string    `json:"text"`
}

// Timeline sources.
const (
	SourceAlertGroup   = "alert_group"
	SourceNotification = "user_notification"
	SourceNote         = "resolution_note"
)

// hidden from the timeline but kept for auditing
var hiddenTypes = map[model.LogType]bool{
	model.LogEscalationFinished:   true,
	model.LogInvitationTriggered:  true,
	model.LogAckReminderTriggered: true,
	model.LogWiped:                true,
	model.LogDeleted:              true,
}

func visible(rec *model.LogRecord) bool {
	if hiddenTypes[rec.Type] {
		return false
	}
	if rec.EscalationPolicyStep != nil {
		switch *rec.EscalationPolicyStep {
		case model.StepWait, model.StepFinalResolve:
			return false
		}
		if rec.Type == model.LogEscalationTriggered && rec.AuthorID != nil &&
			*rec.EscalationPolicyStep != model.StepNotifyUsersQueue {
			return false
		}
	}
	if (rec.Type == model.LogAttached || rec.Type == model.LogUnattached) &&
		rec.RootAlertGroupID == nil && rec.DependentAlertGroupID == nil {
		return false
	}
	return true
}

func visibleNotification(rec *model.NotificationLogRecord) bool {
	switch rec.Type {
	case model.NotificationFinished:
		return false
	case model.NotificationTriggered:
		return rec.NotificationStep == nil || *rec.NotificationStep != model.NotificationWait
	case model.NotificationSuccess:
		return rec.NotificationErrorCode == nil || *rec.NotificationErrorCode != model.NotifyErrPostingToSlackIsDisabled
	}
	return true
}

// Timeline merges the log records, personal notification records and
// resolution notes of an alert group in creation order and renders them.
func Timeline(ctx context.Context, gdb *gorm.DB, alertGroupID string, t Target) ([]Entry, error) {
	q := gdb.WithContext(ctx)

	var recs []model.LogRecord
	if err := q.Where("alert_group_id = ?", alertGroupID).Order("created_at").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list log records: %w", err)
	}
	var nrecs []model.NotificationLogRecord
	if err := q.Where("alert_group_id = ?", alertGroupID).Order("created_at").Find(&nrecs).Error; err != nil {
		return nil, fmt.Errorf("list notification log records: %w", err)
	}
	var notes []model.ResolutionNote
	if err := q.Where("alert_group_id = ?", alertGroupID).Order("created_at").Find(&notes).Error; err != nil {
		return nil, fmt.Errorf("list resolution notes: %w", err)
	}

	userIDs := map[string]bool{}
	groupIDs := map[string]bool{}
	for i := range recs {
		if recs[i].AuthorID != nil {
			userIDs[*recs[i].AuthorID] = true
		}
		if recs[i].RootAlertGroupID != nil {
			groupIDs[*recs[i].RootAlertGroupID] = true
		}
		if recs[i].DependentAlertGroupID != nil {
			groupIDs[*recs[i].DependentAlertGroupID] = true
		}
	}
	for i := range nrecs {
		userIDs[nrecs[i].AuthorID] = true
	}
	for i := range notes {
		if notes[i].AuthorID != nil {
			userIDs[*notes[i].AuthorID] = true
		}
	}
	dir, err := LoadDirectory(ctx, gdb, keys(userIDs), keys(groupIDs))
	if err != nil {
		return nil, err
	}

	out := make([]Entry, 0, len(recs)+len(nrecs)+len(notes))
	for i := range recs {
		r := &recs[i]
		if !visible(r) {
			continue
		}
		out = append(out, Entry{At: r.CreatedAt, Source: SourceAlertGroup, Type: r.Type.String(), AuthorID: r.AuthorID, Text: Render(r, dir, t)})
	}
	for i := range nrecs {
		r := &nrecs[i]
		if !visibleNotification(r) {
			continue
		}
		author := r.AuthorID
		out = append(out, Entry{At: r.CreatedAt, Source: SourceNotification, Type: notificationTypeName(r.Type), AuthorID: &author, Text: RenderNotification(r, dir, t)})
	}
	for i := range notes {
		n := &notes[i]
		out = append(out, Entry{At: n.CreatedAt, Source: SourceNote, Type: "resolution_note", AuthorID: n.AuthorID, Text: n.Text})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

// LoadDirectory fetches the users and alert groups referenced by records.
func LoadDirectory(ctx context.Context, gdb *gorm.DB, userIDs, groupIDs []string) (*Directory, error) {
	dir := &Directory{Users: map[string]*model.User{}, Groups: map[string]GroupRef{}}
	if len(userIDs) > 0 {
		var users []model.User
		if err := gdb.WithContext(ctx).Where("id IN ?", userIDs).Find(&users).Error; err != nil {
			return nil, fmt.Errorf("load users: %w", err)
		}
		for i := range users {
			dir.Users[users[i].ID] = &users[i]
		}
	}
	if len(groupIDs) > 0 {
		var groups []model.AlertGroup
		if err := gdb.WithContext(ctx).Select("id", "inside_organization_number", "web_title_cache").
			Where("id IN ?", groupIDs).Find(&groups).Error; err != nil {
			return nil, fmt.Errorf("load alert groups: %w", err)
		}
		for _, g := range groups {
			dir.Groups[g.ID] = GroupRef{Number: g.InsideOrganizationNumber, Title: g.WebTitleCache}
		}
	}
	return dir, nil
}

func notificationTypeName(t model.NotificationLogType) string {
	switch t {
	case model.NotificationTriggered:
		return "personal_notification_triggered"
	case model.NotificationSuccess:
		return "personal_notification_success"
	case model.NotificationFailed:
		return "personal_notification_failed"
	default:
		return "personal_notification_finished"
	}
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
