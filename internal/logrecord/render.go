package logrecord

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/d9705996/oncall/internal/model"
	"github.com/dustin/go-humanize"
)

// Target selects the output flavour of a rendered line.
type Target int

// Render targets.
const (
	Plain Target = iota
	Chat
	HTML
)

// ParseTarget maps "plain", "chat" and "html" to a Target.
func ParseTarget(s string) (Target, bool) {
	switch strings.ToLower(s) {
	case "", "plain":
		return Plain, true
	case "chat", "slack":
		return Chat, true
	case "html":
		return HTML, true
	}
	return Plain, false
}

// GroupRef is the part of an alert group needed to name it in a log line.
type GroupRef struct {
	Number int64
	Title  string
}

// Name returns "#<number> <title>".
func (g GroupRef) Name() string {
	title := g.Title
	if title == "" {
		title = "Incident"
	}
	return fmt.Sprintf("#%d %s", g.Number, title)
}

// Directory resolves ids referenced by log records.
type Directory struct {
	Users  map[string]*model.User
	Groups map[string]GroupRef
}

func (d *Directory) user(id *string) *model.User {
	if d == nil || id == nil {
		return nil
	}
	return d.Users[*id]
}

func (d *Directory) group(id *string) (GroupRef, bool) {
	if d == nil || id == nil {
		return GroupRef{}, false
	}
	g, ok := d.Groups[*id]
	return g, ok
}

func userVerbal(u *model.User, t Target) string {
	if u == nil {
		return ""
	}
	name := u.DisplayName()
	switch t {
	case Chat:
		if u.SlackUserID != "" {
			return fmt.Sprintf("%s (<@%s>)", name, u.SlackUserID)
		}
	case HTML:
		return html.EscapeString(name)
	}
	return name
}

func groupName(g GroupRef, t Target) string {
	if t == HTML {
		return html.EscapeString(g.Name())
	}
	return g.Name()
}

func byAuthor(author string) string {
	if author == "" {
		return ""
	}
	return " by " + author
}

// Render returns the human-readable line for an alert group log record.
func Render(rec *model.LogRecord, dir *Directory, t Target) string {
	author := userVerbal(dir.user(rec.AuthorID), t)

	switch rec.Type {
	case model.LogRegistered:
		return "alert group registered"
	case model.LogRestricted, model.LogDirectPaging, model.LogUnpageUser:
		return rec.Reason
	case model.LogRouteAssigned:
		return renderRouteAssigned(rec)
	case model.LogAck:
		if author == "" {
			return "acknowledged by alert source"
		}
		return "acknowledged by " + author
	case model.LogUnAck:
		return "unacknowledged" + byAuthor(author)
	case model.LogAutoUnAck:
		return "unacknowledged automatically"
	case model.LogAckReminderTriggered:
		return "acknowledgement reminder sent" + strings.Replace(byAuthor(author), " by ", " to ", 1)
	case model.LogEscalationTriggered:
		return renderEscalationTriggered(rec, t)
	case model.LogEscalationFinished:
		return "escalation finished"
	case model.LogSilence:
		switch {
		case rec.SilenceDelay == nil:
			return "silenced" + byAuthor(author) + " forever"
		case *rec.SilenceDelay == 0:
			return "unsilenced" + byAuthor(author)
		default:
			return "silenced" + byAuthor(author) + " for " + NaturalDelta(*rec.SilenceDelay)
		}
	case model.LogUnSilence:
		if author == "" {
			return "alert group unsilenced"
		}
		return "unsilenced by " + author
	case model.LogAttached:
		if root, ok := dir.group(rec.RootAlertGroupID); ok {
			return "attached to " + groupName(root, t) + byAuthor(author)
		}
		if dep, ok := dir.group(rec.DependentAlertGroupID); ok {
			if author == "" {
				author = "maintenance"
			}
			return groupName(dep, t) + " has been attached to this alert by " + author
		}
		return "attached"
	case model.LogUnattached:
		if root, ok := dir.group(rec.RootAlertGroupID); ok {
			return "unattached from " + groupName(root, t) + byAuthor(author)
		}
		if dep, ok := dir.group(rec.DependentAlertGroupID); ok {
			return groupName(dep, t) + " has been unattached from this alert" + byAuthor(author)
		}
		return "unattached"
	case model.LogFailedAttachment:
		target := "another alert group"
		if root, ok := dir.group(rec.RootAlertGroupID); ok {
			target = groupName(root, t)
		}
		return "failed to attach to " + target + byAuthor(author) + " because it is already attached or resolved."
	case model.LogCustomButtonTriggered:
		name := rec.InfoString("webhook_name")
		trigger := rec.InfoString("trigger")
		if trigger == "" {
			trigger = author
		}
		if trigger == "" {
			trigger = "escalation chain"
		}
		return fmt.Sprintf("outgoing webhook `%s` triggered by %s", name, trigger)
	case model.LogResolved:
		return "alert group resolved" + byAuthor(author)
	case model.LogUnResolved:
		return "unresolved" + byAuthor(author)
	case model.LogWiped:
		return "wiped"
	case model.LogDeleted:
		return "deleted" + byAuthor(author)
	case model.LogEscalationFailed:
		return renderEscalationFailed(rec)
	}
	return rec.Type.String()
}

func renderRouteAssigned(rec *model.LogRecord) string {
	route, ok := rec.StepSpecificInfo["route"].(string)
	if !ok {
		return "alert group assigned to deleted route, skipping escalation"
	}
	out := fmt.Sprintf("alert group assigned to route %q", route)
	if chain := rec.InfoString("escalation_chain"); chain != "" {
		return out + fmt.Sprintf(" with escalation chain %q", chain)
	}
	return out + " with no escalation chain, skipping escalation"
}

func renderEscalationTriggered(rec *model.LogRecord, t Target) string {
	if rec.EscalationPolicyStep == nil {
		return "escalation triggered"
	}
	step := *rec.EscalationPolicyStep
	switch step {
	case model.StepNotifyIfTime:
		if rec.ETA == nil {
			return `triggered step "Continue escalation if time"`
		}
		if t == Chat {
			return fmt.Sprintf("escalation stopped until <!date^%d^{date} {time}|notify_if_time>", rec.ETA.Unix())
		}
		return "escalation stopped until " + rec.ETA.UTC().Format("January 02 2006 15:04:05") + " (UTC)"
	case model.StepNotifyIfNumAlertsInTimeWindow:
		alerts, okA := infoInt(rec, "num_alerts_in_window")
		minutes, okM := infoInt(rec, "num_minutes_in_window")
		if okA && okM {
			return fmt.Sprintf(`triggered step "Continue escalation if >%d alerts per %d minutes"`, alerts, minutes)
		}
		return `triggered step "Continue escalation if >X alerts per Y minutes"`
	case model.StepNotifyGroup, model.StepNotifyGroupImportant:
		important := ""
		if step == model.StepNotifyGroupImportant {
			important = " (Important)"
		}
		return fmt.Sprintf(`triggered step "Notify @%s User Group%s"`, rec.InfoString("usergroup_handle"), important)
	case model.StepNotifySchedule, model.StepNotifyScheduleImportant:
		name := rec.InfoString("schedule_name")
		if name != "" {
			name = "'" + name + "'"
		}
		important := ""
		if step == model.StepNotifyScheduleImportant {
			important = " (Important)"
		}
		return fmt.Sprintf(`triggered step "Notify on-call from Schedule %s%s"`, name, important)
	case model.StepRepeatEscalationNTimes:
		return "escalation started from the beginning"
	}
	return fmt.Sprintf("triggered step %q", step.DisplayName())
}

func renderEscalationFailed(rec *model.LogRecord) string {
	if rec.EscalationErrorCode == nil {
		return "escalation failed"
	}
	scheduleName := " "
	if n := rec.InfoString("schedule_name"); n != "" {
		scheduleName = fmt.Sprintf(" %q ", n)
	}
	switch *rec.EscalationErrorCode {
	case model.ErrorNotifyUserNoRecipient:
		return `skipped escalation step "Notify User" because no users are set`
	case model.ErrorNotifyQueueNoRecipients:
		return `skipped escalation step "Notify User (next each time)" because no users are set`
	case model.ErrorNotifyMultipleNoRecipients:
		return `skipped escalation step "Notify multiple Users" because no users are set`
	case model.ErrorScheduleDoesNotExist, model.ErrorNoScheduleInChannel:
		return `skipped escalation step "Notify Schedule" because schedule doesn't exist`
	case model.ErrorScheduleDoesNotSelected:
		return `skipped escalation step "Notify Schedule" because it is not configured`
	case model.ErrorNotifyGroupStepIsNotConfigured:
		return `skipped escalation step "Notify Group" because it is not configured`
	case model.ErrorTriggerCustomButtonStepIsNotConfigured:
		return `skipped escalation step "Trigger Outgoing Webhook" because it is not configured`
	case model.ErrorTriggerCustomWebhookError:
		out := fmt.Sprintf("skipped %s outgoing webhook `%s`", rec.InfoString("trigger"), rec.InfoString("webhook_name"))
		if rec.Reason != "" {
			out += ": " + rec.Reason
		}
		return out
	case model.ErrorDeclareIncidentFailed:
		out := `escalation step "Declare Incident" failed`
		if rec.Reason != "" {
			out += ": " + rec.Reason
		}
		return out
	case model.ErrorNotifyIfTimeIsNotConfigured:
		return `skipped escalation step "Continue escalation if time" because it is not configured`
	case model.ErrorNotifyIfNumAlertsInWindowStepIsNotConfigured:
		return `skipped escalation step "Continue escalation if >X alerts per Y minutes" because it is not configured`
	case model.ErrorICalImportFailed:
		return `escalation step "Notify Schedule"` + scheduleName + "skipped: iCal import was failed."
	case model.ErrorICalNoValidUsers:
		return `escalation step "Notify Schedule"` + scheduleName + "skipped: there are no users to notify for this schedule slot."
	case model.ErrorWaitStepIsNotConfigured:
		return `escalation step "Wait" is not configured. Default delay is 5 minutes.`
	case model.ErrorUserGroupIsEmpty:
		group := " "
		if h := rec.InfoString("usergroup_handle"); h != "" {
			group = " @" + h + " "
		}
		return `escalation step "Notify Group"` + group + "skipped: User Group is empty."
	case model.ErrorUserGroupDoesNotExist:
		return `escalation step "Notify Group" skipped: User Group does not exist.`
	case model.ErrorUnspecifiedStep:
		return "escalation step is unspecified. Skipped"
	case model.ErrorNotifyInSlack:
		if rec.EscalationPolicyStep != nil {
			switch *rec.EscalationPolicyStep {
			case model.StepFinalNotifyAll:
				return "failed to notify channel in Slack"
			case model.StepNotifyGroup, model.StepNotifyGroupImportant:
				handle := ""
				if h := rec.InfoString("usergroup_handle"); h != "" {
					handle = " @" + h
				}
				return "failed to notify User Group" + handle + " in Slack"
			}
		}
		return "failed to notify in Slack"
	}
	return "escalation failed"
}

func infoInt(rec *model.LogRecord, key string) (int, bool) {
	switch v := rec.StepSpecificInfo[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// NaturalDelta renders a duration the way people say it: "30 minutes",
// "1 hour", "2 days".
func NaturalDelta(d time.Duration) string {
	base := time.Unix(0, 0)
	return strings.TrimSpace(humanize.RelTime(base, base.Add(d), "", ""))
}

var channelLabels = map[model.NotificationChannel]string{
	model.ChannelEmail:              "email",
	model.ChannelMobilePushGeneral:  "mobile push",
	model.ChannelMobilePushCritical: "mobile push important",
	model.ChannelWebhook:            "webhook",
}

// RenderNotification returns the human-readable line for a personal
// notification log record.
func RenderNotification(rec *model.NotificationLogRecord, dir *Directory, t Target) string {
	user := userVerbal(dir.user(&rec.AuthorID), t)
	ch := rec.NotificationChannel

	switch rec.Type {
	case model.NotificationSuccess:
		switch {
		case ch == nil:
			return fmt.Sprintf("notification to %s was delivered successfully", user)
		case *ch == model.ChannelSMS:
			return fmt.Sprintf("SMS to %s was delivered successfully", user)
		case *ch == model.ChannelPhoneCall:
			return fmt.Sprintf("phone call to %s was successful", user)
		}
		return fmt.Sprintf("notification to %s was delivered successfully", user)
	case model.NotificationFailed:
		return renderNotificationFailed(rec, user)
	case model.NotificationTriggered:
		if rec.NotificationStep == nil {
			return "escalation triggered for " + user
		}
		if *rec.NotificationStep != model.NotificationNotify {
			return ""
		}
		if ch == nil {
			return fmt.Sprintf("invited %s but notification channel is unspecified", user)
		}
		switch *ch {
		case model.ChannelSlack:
			return fmt.Sprintf("invited %s in Slack", user)
		case model.ChannelSMS:
			return "sent sms to " + user
		case model.ChannelPhoneCall:
			return fmt.Sprintf("called %s by phone", user)
		case model.ChannelTelegram:
			return "sent telegram message to " + user
		}
		return fmt.Sprintf("sent %s message to %s", channelLabels[*ch], user)
	case model.NotificationFinished:
		return "notification chain finished for " + user
	}
	return ""
}

func renderNotificationFailed(rec *model.NotificationLogRecord, user string) string {
	ch := rec.NotificationChannel
	if rec.NotificationErrorCode == nil {
		return "failed to notify " + user
	}
	switch *rec.NotificationErrorCode {
	case model.NotifyErrSMSLimitExceeded:
		return fmt.Sprintf("attempt to send an SMS to %s has been failed due to a plan limit", user)
	case model.NotifyErrPhoneCallsLimitExceeded:
		return fmt.Sprintf("attempt to call to %s has been failed due to a plan limit", user)
	case model.NotifyErrMailLimitExceeded:
		return fmt.Sprintf("failed to send email to %s. Exceeded limit for mails", user)
	case model.NotifyErrPhoneNumberIsNotVerified:
		switch {
		case ch != nil && *ch == model.ChannelSMS:
			return fmt.Sprintf("failed to send an SMS to %s. Phone number is not verified", user)
		case ch != nil && *ch == model.ChannelPhoneCall:
			return fmt.Sprintf("failed to call to %s. Phone number is not verified", user)
		}
		return fmt.Sprintf("failed to notify %s. Phone number is not verified", user)
	case model.NotifyErrNotAbleToSendSMS:
		return "OnCall was not able to send an SMS to " + user
	case model.NotifyErrNotAbleToCall:
		return "OnCall was not able to call to " + user
	case model.NotifyErrPostingToSlackIsDisabled:
		return fmt.Sprintf("failed to notify %s in Slack, because the incident is not posted to Slack (reason: Slack is disabled for the route)", user)
	case model.NotifyErrPostingToTelegramIsDisabled:
		return fmt.Sprintf("failed to notify %s in Telegram, because the incident is not posted to Telegram (reason: Telegram is disabled for the route)", user)
	case model.NotifyErrTelegramIsNotLinkedToSlackAcc:
		return fmt.Sprintf("failed to send telegram message to %s, because user doesn't have a Telegram account linked", user)
	case model.NotifyErrTelegramBotIsDeleted:
		return fmt.Sprintf("failed to send telegram message to %s, because user deleted/stopped the bot", user)
	case model.NotifyErrTelegramTokenError:
		return fmt.Sprintf("failed to send telegram message to %s due to invalid Telegram token", user)
	case model.NotifyErrPhoneCallLineBusy:
		return fmt.Sprintf("phone call to %s failed, because the line was busy", user)
	case model.NotifyErrPhoneCallFailed:
		return fmt.Sprintf("phone call to %s failed, most likely because the phone number was non-existent", user)
	case model.NotifyErrPhoneCallNoAnswer:
		return fmt.Sprintf("phone call to %s ended without being answered", user)
	case model.NotifyErrSMSDeliveryFailed:
		return fmt.Sprintf("SMS %s was not delivered", user)
	case model.NotifyErrInSlack:
		return fmt.Sprintf("failed to notify %s in Slack", user)
	case model.NotifyErrInSlackTokenError:
		return fmt.Sprintf("failed to notify %s in Slack, because Slack Integration is not installed", user)
	case model.NotifyErrInSlackUserNotInSlack:
		return fmt.Sprintf("failed to notify %s in Slack, because %s is not in Slack", user, user)
	case model.NotifyErrInSlackUserNotInChannel:
		return fmt.Sprintf("failed to notify %s in Slack, because %s is not in channel", user, user)
	case model.NotifyErrInSlackChannelIsArchived:
		return fmt.Sprintf("failed to notify %s in Slack, because channel is archived", user)
	case model.NotifyErrInSlackRatelimit:
		return fmt.Sprintf("failed to notify %s in Slack due to Slack rate limit", user)
	case model.NotifyErrForbidden:
		return fmt.Sprintf("failed to notify %s, not allowed", user)
	case model.NotifyErrTelegramUserIsDeactivated:
		return fmt.Sprintf("failed to send telegram message to %s because user has been deactivated", user)
	}
	label := "disabled backend"
	if ch != nil {
		if l, ok := channelLabels[*ch]; ok {
			label = l
		} else {
			label = strings.ReplaceAll(ch.String(), "_", " ")
		}
	}
	return fmt.Sprintf("failed to notify %s by %s", user, label)
}
