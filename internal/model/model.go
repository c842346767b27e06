// Package model contains GORM model definitions shared across packages.
// All models are driver-agnostic: they work with both PostgreSQL and SQLite.
package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Organization represents a tenant in the multi-tenancy schema.
type Organization struct {
	ID                       string `gorm:"type:text;primaryKey"`
	Name                     string `gorm:"type:text;not null"`
	Slug                     string `gorm:"type:text;not null;uniqueIndex"`
	AcknowledgeRemindTimeout time.Duration
	UnacknowledgeTimeout     time.Duration
	IsResolutionNoteRequired bool `gorm:"not null"`
	DeactivatedAt            *time.Time
	CreatedAt                time.Time `gorm:"not null"`
}

// BeforeCreate generates a UUID primary key if not set.
func (o *Organization) BeforeCreate(_ *gorm.DB) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	return nil
}

// IsActive reports whether alert groups of this organization may escalate.
func (o *Organization) IsActive() bool { return o.DeactivatedAt == nil }

// StringSlice is a []string that GORM serialises as JSON for both SQLite
// and PostgreSQL (TEXT column).
type StringSlice []string

// JSONMap is a free-form JSON object stored in a TEXT column.
type JSONMap map[string]any

// Roles that may be paged or escalated to. Viewers never receive notifications.
var notifiableRoles = map[string]bool{
	"Admin":             true,
	"IncidentCommander": true,
	"Responder":         true,
}

// User is the GORM model for the users table.
type User struct {
	ID                 string      `gorm:"type:text;primaryKey"`
	OrganizationID     *string     `gorm:"type:text;index"`
	Email              string      `gorm:"type:text;not null;uniqueIndex"`
	Username           string      `gorm:"type:text;not null;default:''"`
	Name               string      `gorm:"type:text;not null;default:''"`
	PasswordHash       string      `gorm:"type:text;not null;default:''"`
	Roles              StringSlice `gorm:"type:text;not null;default:'[]';serializer:json"`
	SlackUserID        string      `gorm:"type:text;not null;default:''"`
	PhoneNumber        string      `gorm:"type:text;not null;default:''"`
	TelegramChatID     string      `gorm:"type:text;not null;default:''"`
	PersonalWebhookURL string      `gorm:"type:text;not null;default:''"`
	DeactivatedAt      *time.Time
	CreatedAt          time.Time `gorm:"not null"`
	UpdatedAt          time.Time `gorm:"not null"`
}

// BeforeCreate generates a UUID primary key if not set.
func (u *User) BeforeCreate(_ *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	return nil
}

// IsNotificationAllowed reports whether the user may be paged at all.
func (u *User) IsNotificationAllowed() bool {
	if u.DeactivatedAt != nil {
		return false
	}
	for _, r := range u.Roles {
		if notifiableRoles[r] {
			return true
		}
	}
	return false
}

// DisplayName is the name used in rendered log lines.
func (u *User) DisplayName() string {
	if u.Username != "" {
		return u.Username
	}
	if u.Name != "" {
		return u.Name
	}
	return u.Email
}

// RefreshToken is the GORM model for the refresh_tokens table.
type RefreshToken struct {
	ID        string    `gorm:"type:text;primaryKey"`
	UserID    string    `gorm:"type:text;not null;index"`
	TokenHash string    `gorm:"type:text;not null;uniqueIndex"`
	ExpiresAt time.Time `gorm:"not null"`
	RevokedAt *time.Time
	CreatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a UUID primary key if not set.
func (rt *RefreshToken) BeforeCreate(_ *gorm.DB) error {
	if rt.ID == "" {
		rt.ID = uuid.New().String()
	}
	return nil
}

// SequenceCounter holds the last issued alert group number per organization.
type SequenceCounter struct {
	OrganizationID string `gorm:"type:text;primaryKey"`
	Value          int64  `gorm:"not null"`
}

// EventOutbox stores domain events written in the same transaction as the
// state change that produced them, until the relay publishes them.
type EventOutbox struct {
	ID           string     `gorm:"type:text;primaryKey"`
	Kind         string     `gorm:"type:text;not null;index"`
	AlertGroupID string     `gorm:"type:text;not null;default:''"`
	Payload      JSONMap    `gorm:"type:text;not null;default:'{}';serializer:json"`
	PublishedAt  *time.Time `gorm:"index"`
	CreatedAt    time.Time  `gorm:"not null"`
}

// BeforeCreate generates a UUID primary key if not set.
func (e *EventOutbox) BeforeCreate(_ *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	return nil
}

// All returns every model managed by AutoMigrate.
func All() []any {
	return []any{
		&Organization{},
		&User{},
		&RefreshToken{},
		&SequenceCounter{},
		&EventOutbox{},
		&Channel{},
		&Route{},
		&EscalationChain{},
		&EscalationPolicy{},
		&AlertGroup{},
		&Alert{},
		&LogRecord{},
		&ResolutionNote{},
		&UserNotificationPolicy{},
		&NotificationLogRecord{},
		&UserHasNotification{},
		&NotificationBundle{},
		&BundledNotification{},
		&Schedule{},
		&OnCallShift{},
		&UserGroup{},
		&UserGroupMember{},
		&Webhook{},
	}
}
