package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Schedule is an on-call schedule made of recurring shifts.
type Schedule struct {
	ID             string    `gorm:"type:text;primaryKey"`
	OrganizationID string    `gorm:"type:text;not null;index"`
	Name           string    `gorm:"type:text;not null"`
	ImportError    string    `gorm:"type:text;not null;default:''"`
	CreatedAt      time.Time `gorm:"not null"`
}

// BeforeCreate generates a UUID primary key if not set.
func (s *Schedule) BeforeCreate(_ *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	return nil
}

// ShiftFrequency controls how a shift repeats.
type ShiftFrequency int

// Shift frequencies.
const (
	FrequencyOnce ShiftFrequency = iota
	FrequencyDaily
	FrequencyWeekly
)

// OnCallShift puts a user on call for Duration starting at Start, repeating
// with Frequency until Until (if set).
type OnCallShift struct {
	ID         string         `gorm:"type:text;primaryKey"`
	ScheduleID string         `gorm:"type:text;not null;index"`
	UserID     string         `gorm:"type:text;not null"`
	Start      time.Time      `gorm:"not null"`
	Duration   time.Duration  `gorm:"not null"`
	Frequency  ShiftFrequency `gorm:"not null"`
	Until      *time.Time
	Priority   int       `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null"`
}

// BeforeCreate generates a UUID primary key if not set.
func (s *OnCallShift) BeforeCreate(_ *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	return nil
}

// UserGroup is a named set of users (for example a chat user group).
type UserGroup struct {
	ID               string    `gorm:"type:text;primaryKey"`
	OrganizationID   string    `gorm:"type:text;not null;index"`
	Name             string    `gorm:"type:text;not null"`
	Handle           string    `gorm:"type:text;not null"`
	SlackUserGroupID string    `gorm:"type:text;not null;default:''"`
	CreatedAt        time.Time `gorm:"not null"`
}

// BeforeCreate generates a UUID primary key if not set.
func (g *UserGroup) BeforeCreate(_ *gorm.DB) error {
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	return nil
}

// UserGroupMember links a user to a user group.
type UserGroupMember struct {
	UserGroupID string `gorm:"type:text;primaryKey"`
	UserID      string `gorm:"type:text;primaryKey"`
}

// Webhook is an outgoing webhook that an escalation step can trigger.
type Webhook struct {
	ID             string         `gorm:"type:text;primaryKey"`
	OrganizationID string         `gorm:"type:text;not null;index"`
	Name           string         `gorm:"type:text;not null"`
	URL            string         `gorm:"type:text;not null"`
	HTTPMethod     string         `gorm:"type:text;not null;default:'POST'"`
	DataTemplate   string         `gorm:"type:text;not null;default:''"`
	DeletedAt      gorm.DeletedAt `gorm:"index"`
	CreatedAt      time.Time      `gorm:"not null"`
}

// BeforeCreate generates a UUID primary key if not set.
func (w *Webhook) BeforeCreate(_ *gorm.DB) error {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	return nil
}
