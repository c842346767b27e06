package escalation

import (
	"fmt"
	"time"

	"github.com/d9705996/oncall/internal/model"
)

// PolicySpec is the external form of an escalation policy, as accepted by
// the API and fixture files. Step is the public step name.
type PolicySpec struct {
	Step               string   `json:"step" yaml:"step"`
	Important          bool     `json:"important,omitempty" yaml:"important,omitempty"`
	WaitDelay          string   `json:"wait_delay,omitempty" yaml:"wait_delay,omitempty"`
	Users              []string `json:"persons_to_notify,omitempty" yaml:"users,omitempty"`
	ScheduleID         string   `json:"notify_on_call_from_schedule,omitempty" yaml:"schedule,omitempty"`
	GroupID            string   `json:"group_to_notify,omitempty" yaml:"group,omitempty"`
	WebhookID          string   `json:"action_to_trigger,omitempty" yaml:"webhook,omitempty"`
	FromTime           string   `json:"notify_if_time_from,omitempty" yaml:"from_time,omitempty"`
	ToTime             string   `json:"notify_if_time_to,omitempty" yaml:"to_time,omitempty"`
	NumAlertsInWindow  *int     `json:"num_alerts_in_window,omitempty" yaml:"num_alerts_in_window,omitempty"`
	NumMinutesInWindow *int     `json:"num_minutes_in_window,omitempty" yaml:"num_minutes_in_window,omitempty"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Policy converts the spec into an unsaved policy.
func (s PolicySpec) Policy() (*model.EscalationPolicy, error) {
	step, ok := model.ParseStep(s.Step, s.Important)
	if !ok {
		return nil, fmt.Errorf("%w: unknown step %q", ErrInvalidPolicy, s.Step)
	}
	p := &model.EscalationPolicy{
		Step:               step,
		NotifyToUsersQueue: model.StringSlice(s.Users),
		NotifyScheduleID:   optional(s.ScheduleID),
		NotifyToGroupID:    optional(s.GroupID),
		CustomWebhookID:    optional(s.WebhookID),
		FromTime:           optional(s.FromTime),
		ToTime:             optional(s.ToTime),
		NumAlertsInWindow:  s.NumAlertsInWindow,
		NumMinutesInWindow: s.NumMinutesInWindow,
	}
	if p.NotifyToUsersQueue == nil {
		p.NotifyToUsersQueue = model.StringSlice{}
	}
	if s.WaitDelay != "" {
		d, err := time.ParseDuration(s.WaitDelay)
		if err != nil {
			return nil, fmt.Errorf("%w: wait delay: %v", ErrInvalidPolicy, err)
		}
		p.WaitDelay = &d
	}
	if err := validate(p); err != nil {
		return nil, err
	}
	return p, nil
}

// SpecOf returns the external form of p.
func SpecOf(p *model.EscalationPolicy) PolicySpec {
	s := PolicySpec{
		Step:               p.Step.PublicName(),
		Important:          p.Step.IsImportant(),
		Users:              []string(p.NotifyToUsersQueue),
		NumAlertsInWindow:  p.NumAlertsInWindow,
		NumMinutesInWindow: p.NumMinutesInWindow,
	}
	if p.WaitDelay != nil {
		s.WaitDelay = p.WaitDelay.String()
	}
	for dst, src := range map[*string]*string{
		&s.ScheduleID: p.NotifyScheduleID,
		&s.GroupID:    p.NotifyToGroupID,
		&s.WebhookID:  p.CustomWebhookID,
		&s.FromTime:   p.FromTime,
		&s.ToTime:     p.ToTime,
	} {
		if src != nil {
			*dst = *src
		}
	}
	return s
}
