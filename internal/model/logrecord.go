package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// LogType is the kind of an alert group log record.
type LogType int

// Log record types. Values are persisted.
const (
	LogAck LogType = iota
	LogUnAck
	LogInvite
	LogStopInvitation
	LogReInvite
	LogEscalationTriggered
	LogInvitationTriggered
	LogSilence
	LogAttached
	LogUnattached
	LogCustomButtonTriggered
	LogAutoUnAck
	LogFailedAttachment
	LogResolved
	LogUnResolved
	LogUnSilence
	LogEscalationFinished
	LogEscalationFailed
	LogAckReminderTriggered
	LogWiped
	LogDeleted
	LogRegistered
	LogRouteAssigned
	LogDirectPaging
	LogUnpageUser
	LogRestricted
)

var logTypeNames = [...]string{
	"ack", "un_ack", "invite", "stop_invitation", "re_invite",
	"escalation_triggered", "invitation_triggered", "silence", "attached",
	"unattached", "custom_button_triggered", "auto_un_ack", "failed_attachment",
	"resolved", "un_resolved", "un_silence", "escalation_finished",
	"escalation_failed", "ack_reminder_triggered", "wiped", "deleted",
	"registered", "route_assigned", "direct_paging", "unpage_user", "restricted",
}

// String returns the snake_case name of the type.
func (t LogType) String() string {
	if t >= 0 && int(t) < len(logTypeNames) {
		return logTypeNames[t]
	}
	return "unknown"
}

// EscalationError codes explain why an escalation step could not run.
type EscalationError int

// Escalation error codes. Values are persisted.
const (
	ErrorNotifyUserNoRecipient EscalationError = iota
	ErrorNotifyQueueNoRecipients
	ErrorNotifyMultipleNoRecipients
	ErrorScheduleDoesNotExist
	ErrorScheduleDoesNotSelected
	ErrorICalImportFailed
	ErrorICalNoValidUsers
	ErrorNoScheduleInChannel
	ErrorWaitStepIsNotConfigured
	ErrorNotifyIfTimeIsNotConfigured
	ErrorUnspecifiedStep
	ErrorNotifyGroupStepIsNotConfigured
	ErrorUserGroupIsEmpty
	ErrorUserGroupDoesNotExist
	ErrorTriggerCustomButtonStepIsNotConfigured
	ErrorNotifyInSlack
	ErrorNotifyIfNumAlertsInWindowStepIsNotConfigured
	ErrorTriggerCustomWebhookError
	ErrorDeclareIncidentFailed
)

// LogRecord is an append-only entry in an alert group's history.
type LogRecord struct {
	ID                    string  `gorm:"type:text;primaryKey"`
	AlertGroupID          string  `gorm:"type:text;not null;index"`
	Type                  LogType `gorm:"not null"`
	AuthorID              *string `gorm:"type:text"`
	EscalationPolicyID    *string `gorm:"type:text"`
	EscalationPolicyStep  *EscalationStep
	EscalationPolicyOrder *int
	Reason                string  `gorm:"type:text;not null;default:''"`
	StepSpecificInfo      JSONMap `gorm:"type:text;not null;default:'{}';serializer:json"`
	RootAlertGroupID      *string `gorm:"type:text"`
	DependentAlertGroupID *string `gorm:"type:text"`
	CustomWebhookID       *string `gorm:"type:text"`
	SilenceDelay          *time.Duration
	ETA                   *time.Time
	EscalationErrorCode   *EscalationError
	CreatedAt             time.Time `gorm:"not null;index"`
}

// BeforeCreate generates a UUID primary key if not set.
func (r *LogRecord) BeforeCreate(_ *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return nil
}

// InfoString returns a string from StepSpecificInfo, or "".
func (r *LogRecord) InfoString(key string) string {
	if r.StepSpecificInfo == nil {
		return ""
	}
	s, _ := r.StepSpecificInfo[key].(string)
	return s
}
