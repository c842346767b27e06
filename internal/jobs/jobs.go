// Package jobs defines the background job contracts shared by the services
// that schedule work and the worker that executes it.
//
// Every argument type satisfies river.JobArgs through its Kind method.
// Services depend only on the Enqueuer interface; scheduling always happens
// after the surrounding transaction commits.
package jobs

import (
	"context"
	"sync"
	"time"
)

// Args is a job payload.
type Args interface {
	Kind() string
}

// Enqueuer schedules a job to run at (or after) at. A zero at means now.
type Enqueuer interface {
	Enqueue(ctx context.Context, args Args, at time.Time) error
}

// EscalateAlertGroup executes the next due escalation step of a group.
// The job is a no-op unless Token still equals the group's active
// escalation id.
type EscalateAlertGroup struct {
	AlertGroupID string `json:"alert_group_id"`
	Token        string `json:"token"`
}

// Kind implements river.JobArgs.
func (EscalateAlertGroup) Kind() string { return "escalate_alert_group" }

// NotifyUser walks one user's personal notification policy for a group.
type NotifyUser struct {
	UserID                 string  `json:"user_id"`
	AlertGroupID           string  `json:"alert_group_id"`
	PreviousPolicyID       *string `json:"previous_policy_id,omitempty"`
	Reason                 string  `json:"reason,omitempty"`
	Important              bool    `json:"important"`
	NotifyEvenAcknowledged bool    `json:"notify_even_acknowledged"`
	NotifyAnyway           bool    `json:"notify_anyway"`
	PreventPostingToThread bool    `json:"prevent_posting_to_thread"`
	Token                  string  `json:"token,omitempty"`
}

// Kind implements river.JobArgs.
func (NotifyUser) Kind() string { return "notify_user" }

// PerformNotification delivers the notification described by a triggered
// notification log record.
type PerformNotification struct {
	LogRecordID string `json:"log_record_id"`
}

// Kind implements river.JobArgs.
func (PerformNotification) Kind() string { return "perform_notification" }

// SendBundledNotification flushes a notification bundle.
type SendBundledNotification struct {
	BundleID string `json:"bundle_id"`
	Token    string `json:"token"`
}

// Kind implements river.JobArgs.
func (SendBundledNotification) Kind() string { return "send_bundled_notification" }

// UnsilenceAlertGroup ends a timed silence.
type UnsilenceAlertGroup struct {
	AlertGroupID string `json:"alert_group_id"`
	Token        string `json:"token"`
}

// Kind implements river.JobArgs.
func (UnsilenceAlertGroup) Kind() string { return "unsilence_alert_group" }

// AcknowledgeReminder reminds the acknowledging user of an acknowledged
// group. With Unacknowledge set it is the follow-up that un-acknowledges the
// group when the reminder went unanswered.
type AcknowledgeReminder struct {
	AlertGroupID  string `json:"alert_group_id"`
	Token         string `json:"token"`
	Unacknowledge bool   `json:"unacknowledge,omitempty"`
}

// Kind implements river.JobArgs.
func (AcknowledgeReminder) Kind() string { return "ack_reminder" }

// DisableMaintenance ends a channel's maintenance when its duration elapses.
type DisableMaintenance struct {
	ChannelID       string `json:"channel_id"`
	MaintenanceUUID string `json:"maintenance_uuid"`
}

// Kind implements river.JobArgs.
func (DisableMaintenance) Kind() string { return "disable_maintenance" }

// AuditEscalations is the periodic escalation liveness check.
type AuditEscalations struct{}

// Kind implements river.JobArgs.
func (AuditEscalations) Kind() string { return "audit_escalations" }

// RelayEvents publishes pending outbox events.
type RelayEvents struct{}

// Kind implements river.JobArgs.
func (RelayEvents) Kind() string { return "relay_events" }

// Recorder is an Enqueuer that keeps every scheduled job in memory.
// Tests use it to assert what a service scheduled and to run jobs by hand.
type Recorder struct {
	mu   sync.Mutex
	Jobs []Scheduled
}

// Scheduled is a job captured by Recorder.
type Scheduled struct {
	Args Args
	At   time.Time
}

// Enqueue implements Enqueuer.
func (r *Recorder) Enqueue(_ context.Context, args Args, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Jobs = append(r.Jobs, Scheduled{Args: args, At: at})
	return nil
}

// OfKind returns the captured jobs of the given kind, oldest first.
func (r *Recorder) OfKind(kind string) []Scheduled {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Scheduled
	for _, j := range r.Jobs {
		if j.Args.Kind() == kind {
			out = append(out, j)
		}
	}
	return out
}

// Last returns the most recent job of kind, or false.
func (r *Recorder) Last(kind string) (Scheduled, bool) {
	all := r.OfKind(kind)
	if len(all) == 0 {
		return Scheduled{}, false
	}
	return all[len(all)-1], true
}

// Reset drops all captured jobs.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.Jobs = nil
	r.mu.Unlock()
}
