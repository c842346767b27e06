package model

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// NotificationChannel is a personal delivery channel.
type NotificationChannel int

// Notification channels. Values are persisted.
const (
	ChannelSlack NotificationChannel = iota
	ChannelSMS
	ChannelPhoneCall
	ChannelTelegram
	ChannelEmail
	ChannelMobilePushGeneral
	ChannelMobilePushCritical
	ChannelWebhook
)

var channelNames = [...]string{"slack", "sms", "phone_call", "telegram", "email", "mobile_push_general", "mobile_push_critical", "webhook"}

// String returns the snake_case channel name.
func (c NotificationChannel) String() string {
	if c >= 0 && int(c) < len(channelNames) {
		return channelNames[c]
	}
	return "unknown"
}

// ParseNotificationChannel maps a channel name back to its value.
func ParseNotificationChannel(name string) (NotificationChannel, bool) {
	for i, n := range channelNames {
		if n == name {
			return NotificationChannel(i), true
		}
	}
	return 0, false
}

// IsBundleable reports whether notifications on the channel may be batched.
func (c NotificationChannel) IsBundleable() bool { return c == ChannelSMS }

// NotificationStep is the kind of a user notification policy.
type NotificationStep int

// Notification steps.
const (
	NotificationWait NotificationStep = iota
	NotificationNotify
)

// UserNotificationPolicy is one step of a user's personal notification plan.
type UserNotificationPolicy struct {
	ID        string              `gorm:"type:text;primaryKey"`
	UserID    string              `gorm:"type:text;not null;index"`
	Important bool                `gorm:"not null"`
	Order     int                 `gorm:"not null"`
	Step      NotificationStep    `gorm:"not null"`
	NotifyBy  NotificationChannel `gorm:"not null"`
	WaitDelay *time.Duration
	// IsDefault marks steps generated for a user who never configured a plan.
	IsDefault bool      `gorm:"not null;default:false"`
	CreatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a UUID primary key if not set.
func (p *UserNotificationPolicy) BeforeCreate(_ *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return nil
}

// ShortVerbal is the label used in "Further notification plan".
func (p *UserNotificationPolicy) ShortVerbal() string {
	switch p.Step {
	case NotificationNotify:
		return p.NotifyBy.String()
	case NotificationWait:
		if p.WaitDelay == nil {
			return "0 min"
		}
		return formatMinutes(*p.WaitDelay)
	default:
		return "Not set"
	}
}

func formatMinutes(d time.Duration) string {
	return strconv.Itoa(int(d/time.Minute)) + " min"
}

// NotificationLogType is the kind of a personal notification log record.
type NotificationLogType int

// Notification log record types.
const (
	NotificationTriggered NotificationLogType = iota
	NotificationFinished
	NotificationSuccess
	NotificationFailed
)

// NotificationError codes explain why a personal notification failed.
type NotificationError int

// Notification error codes. Values are persisted.
const (
	NotifyErrNotAbleToSendSMS NotificationError = iota
	NotifyErrSMSLimitExceeded
	NotifyErrNotAbleToCall
	NotifyErrPhoneCallsLimitExceeded
	NotifyErrPhoneNumberIsNotVerified
	NotifyErrNotAbleToSendMail
	NotifyErrMailLimitExceeded
	NotifyErrEmailIsNotVerified
	NotifyErrTelegramIsNotLinkedToSlackAcc
	NotifyErrPhoneCallLineBusy
	NotifyErrPhoneCallFailed
	NotifyErrPhoneCallNoAnswer
	NotifyErrSMSDeliveryFailed
	NotifyErrMailDeliveryFailed
	NotifyErrTelegramBotIsDeleted
	NotifyErrPostingToSlackIsDisabled
	NotifyErrPostingToTelegramIsDisabled
	NotifyErrInSlack
	NotifyErrInSlackTokenError
	NotifyErrInSlackUserNotInSlack
	NotifyErrInSlackUserNotInChannel
	NotifyErrTelegramTokenError
	NotifyErrInSlackChannelIsArchived
	NotifyErrInSlackRatelimit
	NotifyErrMessagingBackendError
	NotifyErrForbidden
	NotifyErrTelegramUserIsDeactivated
)

// NotificationLogRecord is an append-only entry of the personal notification
// pipeline.
type NotificationLogRecord struct {
	ID                    string              `gorm:"type:text;primaryKey"`
	Type                  NotificationLogType `gorm:"not null;index"`
	AuthorID              string              `gorm:"type:text;not null;index"`
	AlertGroupID          string              `gorm:"type:text;not null;index"`
	NotificationPolicyID  *string             `gorm:"type:text"`
	NotificationStep      *NotificationStep
	NotificationChannel   *NotificationChannel
	NotificationErrorCode *NotificationError
	Reason                string    `gorm:"type:text;not null;default:''"`
	IsImportant           bool      `gorm:"not null"`
	SlackPrevent          bool      `gorm:"not null"`
	CreatedAt             time.Time `gorm:"not null;index"`
}

// BeforeCreate generates a UUID primary key if not set.
func (r *NotificationLogRecord) BeforeCreate(_ *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return nil
}

// UserHasNotification tracks the active personal notification chain of a
// user for one alert group. ActiveNotificationPolicyID is the chain token.
type UserHasNotification struct {
	ID                         string  `gorm:"type:text;primaryKey"`
	UserID                     string  `gorm:"type:text;not null;uniqueIndex:idx_user_has_notification,priority:1"`
	AlertGroupID               string  `gorm:"type:text;not null;uniqueIndex:idx_user_has_notification,priority:2"`
	ActiveNotificationPolicyID *string `gorm:"type:text"`
}

// BeforeCreate generates a UUID primary key if not set.
func (u *UserHasNotification) BeforeCreate(_ *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	return nil
}

// NotificationBundle collects notifications of one user on one bundleable
// channel so they can be delivered together.
type NotificationBundle struct {
	ID                  string              `gorm:"type:text;primaryKey"`
	UserID              string              `gorm:"type:text;not null;uniqueIndex:idx_notification_bundle,priority:1"`
	Important           bool                `gorm:"not null;uniqueIndex:idx_notification_bundle,priority:2"`
	NotificationChannel NotificationChannel `gorm:"not null;uniqueIndex:idx_notification_bundle,priority:3"`
	LastNotified        *time.Time
	NotificationTaskID  *string `gorm:"type:text"`
	ETA                 *time.Time
}

// BeforeCreate generates a UUID primary key if not set.
func (b *NotificationBundle) BeforeCreate(_ *gorm.DB) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	return nil
}

// BundledNotification is a notification waiting in a bundle.
type BundledNotification struct {
	ID                   string    `gorm:"type:text;primaryKey"`
	BundleID             string    `gorm:"type:text;not null;index"`
	AlertGroupID         string    `gorm:"type:text;not null"`
	ChannelID            string    `gorm:"type:text;not null"`
	NotificationPolicyID *string   `gorm:"type:text"`
	BundleUUID           *string   `gorm:"type:text;index"`
	CreatedAt            time.Time `gorm:"not null"`
}

// BeforeCreate generates a UUID primary key if not set.
func (n *BundledNotification) BeforeCreate(_ *gorm.DB) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	return nil
}
