package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/d9705996/oncall/internal/db"
	"github.com/d9705996/oncall/internal/model"
)

// DefaultPolicies returns the plan used for users who never configured one.
// Its steps are marked IsDefault.
func DefaultPolicies(userID string, important bool) []model.UserNotificationPolicy {
	if important {
		return []model.UserNotificationPolicy{
			{UserID: userID, Important: true, Order: 0, Step: model.NotificationNotify, NotifyBy: model.ChannelPhoneCall, IsDefault: true},
		}
	}
	wait := 15 * time.Minute
	return []model.UserNotificationPolicy{
		{UserID: userID, Order: 0, Step: model.NotificationNotify, NotifyBy: model.ChannelSlack, IsDefault: true},
		{UserID: userID, Order: 1, Step: model.NotificationWait, WaitDelay: &wait, IsDefault: true},
		{UserID: userID, Order: 2, Step: model.NotificationNotify, NotifyBy: model.ChannelPhoneCall, IsDefault: true},
	}
}

// ensurePolicies returns the user's plan, creating the default one on first
// use so that every step has an id the next job can refer to.
func ensurePolicies(tx *db.Tx, userID string, important bool) ([]model.UserNotificationPolicy, error) {
	var out []model.UserNotificationPolicy
	err := tx.Where("user_id = ? AND important = ?", userID, important).Order(`"order"`).Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("load notification policies: %w", err)
	}
	if len(out) > 0 {
		return out, nil
	}
	out = DefaultPolicies(userID, important)
	if err := tx.Create(&out).Error; err != nil {
		return nil, fmt.Errorf("create default notification policies: %w", err)
	}
	return out, nil
}

// nextPolicy returns the policy after prevID. found is false when prevID is
// no longer part of the plan; a nil policy means the plan is exhausted.
func nextPolicy(policies []model.UserNotificationPolicy, prevID string) (p *model.UserNotificationPolicy, found bool) {
	for i := range policies {
		if policies[i].ID != prevID {
			continue
		}
		if i+1 < len(policies) {
			return &policies[i+1], true
		}
		return nil, true
	}
	return nil, false
}

// furtherPlan lists the distinct channels of the remaining notify steps.
func furtherPlan(rest []model.UserNotificationPolicy) string {
	var labels []string
	seen := map[model.NotificationChannel]bool{}
	for i := range rest {
		p := &rest[i]
		if p.Step != model.NotificationNotify || seen[p.NotifyBy] {
			continue
		}
		seen[p.NotifyBy] = true
		labels = append(labels, p.ShortVerbal())
	}
	return strings.Join(labels, ", ")
}
