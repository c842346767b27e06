// Package snapshot captures the escalation chain of an alert group at the
// moment it is opened and tracks the escalation cursor over it.
//
// A snapshot is stored as JSON on the alert group. Once captured, the list of
// steps and their static parameters never change; only the runtime fields
// (cursor, eta, counters, resolved users) move.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/d9705996/oncall/internal/model"
)

// Version is the current serialisation version.
const Version = 1

// ETAGrace is how far next_step_eta may lag behind now before the
// escalation is considered stuck.
const ETAGrace = 5 * time.Minute

// ErrUnsupportedVersion is returned by Parse for snapshots written by a
// newer release.
var ErrUnsupportedVersion = errors.New("snapshot: unsupported version")

// Route is the captured route (channel filter).
type Route struct {
	ID             string `json:"id"`
	StrForClients  string `json:"str_for_clients"`
	NotifyInSlack  bool   `json:"notify_in_slack"`
	SlackChannelID string `json:"slack_channel_id,omitempty"`
}

// Chain is the captured escalation chain.
type Chain struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Policy is one captured escalation policy plus its runtime state.
type Policy struct {
	ID                 string               `json:"id"`
	Order              int                  `json:"order"`
	Step               model.EscalationStep `json:"step"`
	WaitDelay          *time.Duration       `json:"wait_delay"`
	NotifyToUsersQueue []string             `json:"notify_to_users_queue"`
	LastNotifiedUser   *string              `json:"last_notified_user"`
	FromTime           *string              `json:"from_time"`
	ToTime             *string              `json:"to_time"`
	NumAlertsInWindow  *int                 `json:"num_alerts_in_window"`
	NumMinutesInWindow *int                 `json:"num_minutes_in_window"`
	CustomWebhookID    *string              `json:"custom_webhook"`
	NotifyScheduleID   *string              `json:"notify_schedule"`
	NotifyToGroupID    *string              `json:"notify_to_group"`
	EscalationCounter  int                  `json:"escalation_counter"`
	PassedLastTime     *time.Time           `json:"passed_last_time"`
	PauseEscalation    bool                 `json:"pause_escalation"`
}

// Snapshot is the escalation state of one alert group.
type Snapshot struct {
	Version                         int        `json:"version"`
	Route                           *Route     `json:"channel_filter_snapshot"`
	Chain                           *Chain     `json:"escalation_chain_snapshot"`
	Policies                        []Policy   `json:"escalation_policies_snapshots"`
	LastActiveEscalationPolicyOrder *int       `json:"last_active_escalation_policy_order"`
	NextStepETA                     *time.Time `json:"next_step_eta"`
	PauseEscalation                 bool       `json:"pause_escalation"`
	StopEscalation                  bool       `json:"stop_escalation"`
	SlackChannelID                  string     `json:"slack_channel_id,omitempty"`
}

// Build captures route, chain and the chain's policies. It returns nil when
// there is no route or no chain: such groups are never escalated.
// policies must already be sorted by order.
func Build(route *model.Route, chain *model.EscalationChain, policies []model.EscalationPolicy, slackChannelID string) *Snapshot {
	if route == nil || chain == nil {
		return nil
	}
	if route.SlackChannelID != "" {
		slackChannelID = route.SlackChannelID
	}
	s := &Snapshot{
		Version: Version,
		Route: &Route{
			ID:             route.ID,
			StrForClients:  route.StrForClients(),
			NotifyInSlack:  route.NotifyInSlack,
			SlackChannelID: route.SlackChannelID,
		},
		Chain:          &Chain{ID: chain.ID, Name: chain.Name},
		Policies:       make([]Policy, 0, len(policies)),
		SlackChannelID: slackChannelID,
	}
	for _, p := range policies {
		queue := append([]string(nil), p.NotifyToUsersQueue...)
		if queue == nil {
			queue = []string{}
		}
		s.Policies = append(s.Policies, Policy{
			ID:                 p.ID,
			Order:              p.Order,
			Step:               p.Step,
			WaitDelay:          copyPtr(p.WaitDelay),
			NotifyToUsersQueue: queue,
			FromTime:           copyPtr(p.FromTime),
			ToTime:             copyPtr(p.ToTime),
			NumAlertsInWindow:  copyPtr(p.NumAlertsInWindow),
			NumMinutesInWindow: copyPtr(p.NumMinutesInWindow),
			CustomWebhookID:    copyPtr(p.CustomWebhookID),
			NotifyScheduleID:   copyPtr(p.NotifyScheduleID),
			NotifyToGroupID:    copyPtr(p.NotifyToGroupID),
		})
	}
	return s
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Parse decodes a stored snapshot. An empty string yields nil.
func Parse(raw string) (*Snapshot, error) {
	if raw == "" {
		return nil, nil
	}
	var s Snapshot
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("decode escalation snapshot: %w", err)
	}
	if s.Version > Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, s.Version)
	}
	return &s, nil
}

// Encode serialises s. A nil snapshot encodes to "".
func (s *Snapshot) Encode() (string, error) {
	if s == nil {
		return "", nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode escalation snapshot: %w", err)
	}
	return string(b), nil
}

// MustEncode is Encode for snapshots known to be serialisable.
func (s *Snapshot) MustEncode() string {
	out, err := s.Encode()
	if err != nil {
		panic(err)
	}
	return out
}

// NextActivePolicyOrder is the index of the policy that runs next.
func (s *Snapshot) NextActivePolicyOrder() int {
	if s.LastActiveEscalationPolicyOrder == nil {
		return 0
	}
	return *s.LastActiveEscalationPolicyOrder + 1
}

// NextActivePolicy returns the policy that runs next, or nil at the end of
// the chain.
func (s *Snapshot) NextActivePolicy() *Policy {
	i := s.NextActivePolicyOrder()
	if i >= len(s.Policies) {
		return nil
	}
	return &s.Policies[i]
}

// ExecutedPolicies returns the policies already run in the current pass.
func (s *Snapshot) ExecutedPolicies() []Policy {
	if s.LastActiveEscalationPolicyOrder == nil {
		return nil
	}
	return s.Policies[:*s.LastActiveEscalationPolicyOrder+1]
}

// NextStepETAIsValid reports whether next_step_eta is later than
// now - ETAGrace. ok is false when no eta has been recorded.
func (s *Snapshot) NextStepETAIsValid(now time.Time) (valid, ok bool) {
	if s.NextStepETA == nil {
		return false, false
	}
	return s.NextStepETA.After(now.Add(-ETAGrace)), true
}

// StepResult is what executing one policy tells the cursor.
type StepResult struct {
	ETA                *time.Time
	Stop               bool
	StartFromBeginning bool
	Pause              bool
}

// StepFunc executes one policy. It may mutate the policy's runtime fields.
type StepFunc func(p *Policy, reason string) (StepResult, error)

// ExecuteActualStep runs the policy at the cursor through exec and moves the
// cursor. It reports finished=true, with StopEscalation set, when the chain
// is exhausted; the caller records that. Steps that return no eta continue
// after defaultDelay.
func (s *Snapshot) ExecuteActualStep(now time.Time, defaultDelay time.Duration, exec StepFunc) (finished bool, err error) {
	idx := s.NextActivePolicyOrder()
	if idx >= len(s.Policies) {
		s.StopEscalation = true
		return true, nil
	}
	p := &s.Policies[idx]

	reason := "escalation"
	if s.Route != nil {
		reason = fmt.Sprintf("lifecycle rule for %s route", s.Route.StrForClients)
	}
	res, err := exec(p, reason)
	if err != nil {
		return false, err
	}
	passed := now
	p.PassedLastTime = &passed

	eta := res.ETA
	if eta == nil {
		t := now.Add(defaultDelay)
		eta = &t
	}
	s.NextStepETA = eta
	s.StopEscalation = res.Stop
	s.PauseEscalation = res.Pause

	switch {
	case res.Pause:
		// stay on the same policy; it is re-evaluated on resume
	case res.StartFromBeginning:
		s.LastActiveEscalationPolicyOrder = nil
	default:
		s.LastActiveEscalationPolicyOrder = &idx
	}
	return false, nil
}
