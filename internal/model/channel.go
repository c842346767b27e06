package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MaintenanceMode is the maintenance state of a channel.
type MaintenanceMode int

// Maintenance modes. Debug maintenance accepts alerts but never escalates;
// full maintenance additionally attaches every new group to a single
// maintenance incident.
const (
	MaintenanceDebug MaintenanceMode = iota
	MaintenanceFull
)

// String returns the human label of the mode.
func (m MaintenanceMode) String() string {
	switch m {
	case MaintenanceDebug:
		return "Debug"
	case MaintenanceFull:
		return "Maintenance"
	default:
		return "Unknown"
	}
}

// Integration kinds with special handling.
const (
	IntegrationWebhook      = "webhook"
	IntegrationMaintenance  = "maintenance"
	IntegrationDirectPaging = "direct_paging"
)

// Channel is an integration: a source of alerts with its own templates,
// routes and maintenance state.
type Channel struct {
	ID                           string  `gorm:"type:text;primaryKey"`
	OrganizationID               string  `gorm:"type:text;not null;index"`
	TeamID                       *string `gorm:"type:text;index"`
	VerbalName                   string  `gorm:"type:text;not null;default:''"`
	Integration                  string  `gorm:"type:text;not null;default:'webhook'"`
	Token                        string  `gorm:"type:text;not null;uniqueIndex"`
	GroupingIDTemplate           string  `gorm:"type:text;not null;default:''"`
	ResolveConditionTemplate     string  `gorm:"type:text;not null;default:''"`
	AcknowledgeConditionTemplate string  `gorm:"type:text;not null;default:''"`
	TitleTemplate                string  `gorm:"type:text;not null;default:''"`
	MessageTemplate              string  `gorm:"type:text;not null;default:''"`
	AllowSourceBasedResolving    bool    `gorm:"not null"`
	SlackChannelID               string  `gorm:"type:text;not null;default:''"`
	MaintenanceMode              *MaintenanceMode
	MaintenanceUUID              *string `gorm:"type:text"`
	MaintenanceDuration          *time.Duration
	MaintenanceStartedAt         *time.Time
	MaintenanceAuthorID          *string        `gorm:"type:text"`
	DeletedAt                    gorm.DeletedAt `gorm:"index"`
	CreatedAt                    time.Time      `gorm:"not null"`
}

// BeforeCreate generates a UUID primary key and an integration token.
func (c *Channel) BeforeCreate(_ *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Token == "" {
		c.Token = uuid.New().String()
	}
	return nil
}

// InMaintenance reports whether any maintenance mode is active.
func (c *Channel) InMaintenance() bool { return c.MaintenanceMode != nil }

// InMode reports whether the given maintenance mode is active.
func (c *Channel) InMode(m MaintenanceMode) bool {
	return c.MaintenanceMode != nil && *c.MaintenanceMode == m
}

// FilteringTermType selects how a route's filtering term is evaluated.
type FilteringTermType int

// Route filtering term kinds.
const (
	FilteringRegex FilteringTermType = iota
	FilteringTemplate
)

// Route (a channel filter) selects the escalation chain for alerts of its
// channel. Routes are evaluated by ascending order; the default route last.
type Route struct {
	ID                string            `gorm:"type:text;primaryKey"`
	ChannelID         string            `gorm:"type:text;not null;index"`
	Order             int               `gorm:"not null"`
	FilteringTerm     string            `gorm:"type:text;not null;default:''"`
	FilteringTermType FilteringTermType `gorm:"not null"`
	IsDefault         bool              `gorm:"not null"`
	EscalationChainID *string           `gorm:"type:text;index"`
	SlackChannelID    string            `gorm:"type:text;not null;default:''"`
	NotifyInSlack     bool              `gorm:"not null"`
	CreatedAt         time.Time         `gorm:"not null"`
}

// BeforeCreate generates a UUID primary key if not set.
func (r *Route) BeforeCreate(_ *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return nil
}

// StrForClients is the route label used in log lines.
func (r *Route) StrForClients() string {
	if r.IsDefault {
		return "default"
	}
	if r.FilteringTermType == FilteringTemplate {
		return r.FilteringTerm
	}
	return `"` + r.FilteringTerm + `"`
}

// EscalationChain is a named, ordered list of escalation policies.
type EscalationChain struct {
	ID             string    `gorm:"type:text;primaryKey"`
	OrganizationID string    `gorm:"type:text;not null;index"`
	TeamID         *string   `gorm:"type:text"`
	Name           string    `gorm:"type:text;not null"`
	CreatedAt      time.Time `gorm:"not null"`
}

// BeforeCreate generates a UUID primary key if not set.
func (c *EscalationChain) BeforeCreate(_ *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	return nil
}

// EscalationPolicy is one step of an escalation chain.
type EscalationPolicy struct {
	ID                 string         `gorm:"type:text;primaryKey"`
	EscalationChainID  string         `gorm:"type:text;not null;index"`
	Order              int            `gorm:"not null"`
	Step               EscalationStep `gorm:"not null"`
	WaitDelay          *time.Duration
	NotifyToUsersQueue StringSlice `gorm:"type:text;not null;default:'[]';serializer:json"`
	NotifyScheduleID   *string     `gorm:"type:text"`
	NotifyToGroupID    *string     `gorm:"type:text"`
	CustomWebhookID    *string     `gorm:"type:text"`
	FromTime           *string     `gorm:"type:text"`
	ToTime             *string     `gorm:"type:text"`
	NumAlertsInWindow  *int
	NumMinutesInWindow *int
	CreatedAt          time.Time `gorm:"not null"`
}

// BeforeCreate generates a UUID primary key if not set.
func (p *EscalationPolicy) BeforeCreate(_ *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return nil
}

// EscalationStep identifies the kind of an escalation policy.
type EscalationStep int

// Escalation step kinds. Values are persisted.
const (
	StepWait EscalationStep = iota
	StepNotify
	StepFinalNotifyAll
	StepRepeatEscalationNTimes
	StepFinalResolve
	StepNotifyGroup
	StepNotifySchedule
	StepNotifyImportant
	StepNotifyGroupImportant
	StepNotifyScheduleImportant
	StepTriggerCustomButton
	StepNotifyUsersQueue
	StepNotifyIfTime
	StepNotifyMultipleUsers
	StepNotifyMultipleUsersImportant
	StepNotifyIfNumAlertsInTimeWindow
	StepDeclareIncident
)

var stepDisplayNames = map[EscalationStep]string{
	StepWait:                          "Wait",
	StepNotify:                        "Notify User",
	StepFinalNotifyAll:                "Notify Whole Channel",
	StepRepeatEscalationNTimes:        "Repeat Escalation (5 times max)",
	StepFinalResolve:                  "Resolve",
	StepNotifyGroup:                   "Notify Group",
	StepNotifySchedule:                "Notify Schedule",
	StepNotifyImportant:               "Notify User (Important)",
	StepNotifyGroupImportant:          "Notify Group (Important)",
	StepNotifyScheduleImportant:       "Notify Schedule (Important)",
	StepTriggerCustomButton:           "Trigger Outgoing Webhook",
	StepNotifyUsersQueue:              "Notify User (next each time)",
	StepNotifyIfTime:                  "Continue escalation only if time is from",
	StepNotifyMultipleUsers:           "Notify multiple Users",
	StepNotifyMultipleUsersImportant:  "Notify multiple Users (Important)",
	StepNotifyIfNumAlertsInTimeWindow: "Continue escalation if >X alerts per Y minutes",
	StepDeclareIncident:               "Declare Incident",
}

var stepPublicNames = map[EscalationStep]string{
	StepWait:                          "wait",
	StepNotify:                        "notify_one_person",
	StepFinalNotifyAll:                "notify_whole_channel",
	StepRepeatEscalationNTimes:        "repeat_escalation",
	StepFinalResolve:                  "resolve",
	StepNotifyGroup:                   "notify_user_group",
	StepNotifySchedule:                "notify_on_call_from_schedule",
	StepNotifyImportant:               "notify_one_person",
	StepNotifyGroupImportant:          "notify_user_group",
	StepNotifyScheduleImportant:       "notify_on_call_from_schedule",
	StepTriggerCustomButton:           "trigger_action",
	StepNotifyUsersQueue:              "notify_person_next_each_time",
	StepNotifyIfTime:                  "notify_if_time_from_to",
	StepNotifyMultipleUsers:           "notify_persons",
	StepNotifyMultipleUsersImportant:  "notify_persons",
	StepNotifyIfNumAlertsInTimeWindow: "notify_if_num_alerts_in_window",
	StepDeclareIncident:               "declare_incident",
}

// DisplayName returns the label shown in log lines.
func (s EscalationStep) DisplayName() string {
	if n, ok := stepDisplayNames[s]; ok {
		return n
	}
	return "Unknown"
}

// PublicName returns the stable external name of the step.
func (s EscalationStep) PublicName() string {
	return stepPublicNames[s]
}

// IsImportant reports whether the step pages with important notification policies.
func (s EscalationStep) IsImportant() bool {
	switch s {
	case StepNotifyImportant, StepNotifyGroupImportant, StepNotifyScheduleImportant, StepNotifyMultipleUsersImportant:
		return true
	}
	return false
}

// ParseStep maps a public step name (and importance) back to a step kind.
func ParseStep(name string, important bool) (EscalationStep, bool) {
	for s, n := range stepPublicNames {
		if n == name && s.IsImportant() == important {
			return s, true
		}
	}
	// steps without an important variant ignore the flag
	for s, n := range stepPublicNames {
		if n == name {
			return s, true
		}
	}
	return 0, false
}
