package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ActorKind records who (or what) moved an alert group into a state.
type ActorKind int

// Actor kinds. Values are persisted.
const (
	ActorSource ActorKind = iota
	ActorUser
	ActorNotYet
	ActorLastStep
	ActorArchived
	ActorWiped
	ActorDisableMaintenance
	ActorNotYetStopAutoresolve
)

// State is the externally visible status of an alert group.
type State int

// Alert group states.
const (
	StateFiring State = iota
	StateAcknowledged
	StateResolved
	StateSilenced
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateAcknowledged:
		return "acknowledged"
	case StateResolved:
		return "resolved"
	case StateSilenced:
		return "silenced"
	default:
		return "firing"
	}
}

// SkipReason explains why escalation was not started for an alert group.
type SkipReason int

// Reasons to skip escalation. Values are persisted.
const (
	SkipAccountInactive SkipReason = iota
	SkipChannelArchived
	SkipNoReason
	SkipRateLimited
	SkipChannelNotSpecified
	SkipRestrictedAction
)

// EscalationStoppedToken marks an escalation that was stopped on purpose.
const EscalationStoppedToken = "intentionally_stopped"

// AlertGroup is an incident: a set of alerts sharing a fingerprint.
//
// IsOpenForGrouping is true while the group accepts new alerts, nil once it
// has been resolved, and false for groups that never accept grouping. The
// unique index only constrains open groups because NULLs never collide.
type AlertGroup struct {
	ID                       string    `gorm:"type:text;primaryKey"`
	OrganizationID           string    `gorm:"type:text;not null;index"`
	ChannelID                string    `gorm:"type:text;not null;uniqueIndex:idx_alert_groups_grouping,priority:1"`
	RouteID                  string    `gorm:"type:text;not null;default:'';uniqueIndex:idx_alert_groups_grouping,priority:2"`
	Distinction              string    `gorm:"type:text;not null;default:'';uniqueIndex:idx_alert_groups_grouping,priority:3"`
	IsOpenForGrouping        *bool     `gorm:"uniqueIndex:idx_alert_groups_grouping,priority:4"`
	InsideOrganizationNumber int64     `gorm:"not null"`
	WebTitleCache            string    `gorm:"type:text;not null;default:''"`
	Resolved                 bool      `gorm:"not null;index"`
	ResolvedBy               ActorKind `gorm:"not null"`
	ResolvedByUserID         *string   `gorm:"type:text"`
	ResolvedAt               *time.Time
	Acknowledged             bool      `gorm:"not null"`
	AcknowledgedBy           ActorKind `gorm:"not null"`
	AcknowledgedByUserID     *string   `gorm:"type:text"`
	AcknowledgedAt           *time.Time
	Silenced                 bool    `gorm:"not null"`
	SilencedByUserID         *string `gorm:"type:text"`
	SilencedAt               *time.Time
	SilencedUntil            *time.Time
	UnsilenceTaskUUID        string `gorm:"type:text;not null;default:''"`
	WipedAt                  *time.Time
	WipedByUserID            *string   `gorm:"type:text"`
	RootAlertGroupID         *string   `gorm:"type:text;index"`
	RawEscalationSnapshot    string    `gorm:"type:text;not null;default:''"`
	ActiveEscalationID       string    `gorm:"type:text;not null;default:''"`
	IsEscalationFinished     bool      `gorm:"not null"`
	StartedAt                time.Time `gorm:"not null;index"`
	RestartedAt              *time.Time
	ResponseTime             *time.Duration
	ReasonToSkipEscalation   SkipReason `gorm:"not null"`
	MaintenanceUUID          *string    `gorm:"type:text;index"`
	IsRestricted             bool       `gorm:"not null"`
	UnackReminderID          string     `gorm:"type:text;not null;default:''"`
	CreatedAt                time.Time  `gorm:"not null"`
	UpdatedAt                time.Time  `gorm:"not null"`
}

// BeforeCreate generates a UUID primary key if not set.
func (g *AlertGroup) BeforeCreate(_ *gorm.DB) error {
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	return nil
}

// State returns the visible status with precedence
// resolved > acknowledged > silenced > firing.
func (g *AlertGroup) State() State {
	switch {
	case g.Resolved:
		return StateResolved
	case g.Acknowledged:
		return StateAcknowledged
	case g.Silenced:
		return StateSilenced
	default:
		return StateFiring
	}
}

// IsRoot reports whether the group is not attached to another group.
func (g *AlertGroup) IsRoot() bool { return g.RootAlertGroupID == nil }

// IsWiped reports whether the group's alerts were redacted.
func (g *AlertGroup) IsWiped() bool { return g.WipedAt != nil }

// IsMaintenanceIncident reports whether the group is a maintenance incident.
func (g *AlertGroup) IsMaintenanceIncident() bool { return g.MaintenanceUUID != nil }

// IsSilencedForever reports whether the group is silenced without an end.
func (g *AlertGroup) IsSilencedForever() bool { return g.Silenced && g.SilencedUntil == nil }

// IsSilencedForPeriod reports whether the group is silenced until a fixed time.
func (g *AlertGroup) IsSilencedForPeriod() bool { return g.Silenced && g.SilencedUntil != nil }

// Alert is a single received payload.
type Alert struct {
	ID                          string    `gorm:"type:text;primaryKey"`
	GroupID                     string    `gorm:"type:text;not null;index"`
	Title                       string    `gorm:"type:text;not null;default:''"`
	Message                     string    `gorm:"type:text;not null;default:''"`
	ImageURL                    string    `gorm:"type:text;not null;default:''"`
	LinkToUpstreamDetails       string    `gorm:"type:text;not null;default:''"`
	RawRequestData              JSONMap   `gorm:"type:text;not null;default:'{}';serializer:json"`
	IsResolveSignal             bool      `gorm:"not null"`
	IsAcknowledgeSignal         bool      `gorm:"not null"`
	IsTheFirstAlertInGroup      bool      `gorm:"not null"`
	Delivered                   bool      `gorm:"not null"`
	IntegrationOptimizationHash string    `gorm:"type:text;not null;default:''"`
	CreatedAt                   time.Time `gorm:"not null;index"`
}

// BeforeCreate generates a UUID primary key if not set.
func (a *Alert) BeforeCreate(_ *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	return nil
}

// ResolutionNote is free text attached to an alert group by a responder.
type ResolutionNote struct {
	ID           string         `gorm:"type:text;primaryKey"`
	AlertGroupID string         `gorm:"type:text;not null;index"`
	AuthorID     *string        `gorm:"type:text"`
	Text         string         `gorm:"type:text;not null"`
	DeletedAt    gorm.DeletedAt `gorm:"index"`
	CreatedAt    time.Time      `gorm:"not null"`
}

// BeforeCreate generates a UUID primary key if not set.
func (n *ResolutionNote) BeforeCreate(_ *gorm.DB) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	return nil
}
