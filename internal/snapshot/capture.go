package snapshot

import (
	"errors"
	"fmt"

	"github.com/d9705996/oncall/internal/model"
	"gorm.io/gorm"
)

// Capture loads route routeID with its chain and policies and builds a
// snapshot. A missing route or chain yields nil.
func Capture(gdb *gorm.DB, routeID, slackChannelID string) (*Snapshot, *model.Route, *model.EscalationChain, error) {
	if routeID == "" {
		return nil, nil, nil, nil
	}
	var route model.Route
	if err := gdb.First(&route, "id = ?", routeID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, nil, nil
		}
		return nil, nil, nil, fmt.Errorf("load route: %w", err)
	}
	if route.EscalationChainID == nil {
		return nil, &route, nil, nil
	}
	var chain model.EscalationChain
	if err := gdb.First(&chain, "id = ?", *route.EscalationChainID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &route, nil, nil
		}
		return nil, nil, nil, fmt.Errorf("load escalation chain: %w", err)
	}
	var policies []model.EscalationPolicy
	if err := gdb.Where("escalation_chain_id = ?", chain.ID).Order(`"order"`).Find(&policies).Error; err != nil {
		return nil, nil, nil, fmt.Errorf("load escalation policies: %w", err)
	}
	return Build(&route, &chain, policies, slackChannelID), &route, &chain, nil
}
