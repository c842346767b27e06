package alertgroup

import (
	"time"

	"github.com/d9705996/oncall/internal/model"
)

// The flag primitives below only touch the in-memory group and are
// idempotent; callers save the group and write the log records.

func responseTime(g *model.AlertGroup) *time.Duration {
	var first *time.Time
	for _, ts := range []*time.Time{g.AcknowledgedAt, g.ResolvedAt, g.SilencedAt, g.WipedAt} {
		if ts != nil && (first == nil || ts.Before(*first)) {
			first = ts
		}
	}
	if first == nil {
		return nil
	}
	d := first.Sub(g.StartedAt)
	return &d
}

func setResponseTime(g *model.AlertGroup) {
	if g.ResponseTime == nil {
		g.ResponseTime = responseTime(g)
	}
}

func acknowledge(g *model.AlertGroup, by model.ActorKind, userID *string, now time.Time) {
	if g.Acknowledged {
		return
	}
	g.Acknowledged = true
	g.AcknowledgedAt = &now
	g.AcknowledgedBy = by
	g.AcknowledgedByUserID = userID
	setResponseTime(g)
}

func unacknowledge(g *model.AlertGroup, now time.Time) {
	unSilence(g, now)
	if !g.Acknowledged {
		return
	}
	g.Acknowledged = false
	g.AcknowledgedAt = nil
	g.AcknowledgedBy = model.ActorNotYet
	g.AcknowledgedByUserID = nil
}

func resolve(g *model.AlertGroup, by model.ActorKind, userID *string, now time.Time) {
	if g.Resolved {
		return
	}
	g.Resolved = true
	g.ResolvedAt = &now
	g.ResolvedBy = by
	g.ResolvedByUserID = userID
	g.IsOpenForGrouping = nil
	setResponseTime(g)
}

// unresolve does not reopen the group for grouping: later alerts with the
// same fingerprint start a new group.
func unresolve(g *model.AlertGroup, now time.Time) {
	unacknowledge(g, now)
	if !g.Resolved {
		return
	}
	g.Resolved = false
	g.ResolvedAt = nil
	g.ResolvedBy = model.ActorNotYet
	g.ResolvedByUserID = nil
}

func silence(g *model.AlertGroup, userID *string, until *time.Time, now time.Time) {
	if g.Silenced {
		return
	}
	g.Silenced = true
	g.SilencedAt = &now
	g.SilencedUntil = until
	g.SilencedByUserID = userID
	setResponseTime(g)
}

func unSilence(g *model.AlertGroup, now time.Time) {
	g.Silenced = false
	g.SilencedAt = nil
	g.SilencedUntil = nil
	g.SilencedByUserID = nil
	g.UnsilenceTaskUUID = ""
	g.RestartedAt = &now
}
