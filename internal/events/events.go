// Package events implements the transactional outbox for alert group domain
// events and the publishers the relay forwards them to.
//
// Producers call Emit inside the transaction that changed state; the
// relay_events job later publishes pending rows and marks them published.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/d9705996/oncall/internal/model"
	"gorm.io/gorm"
)

// Event kinds.
const (
	KindAlertGroupCreated = "alert_group_created"
	KindActionTriggered   = "action_triggered"
	KindAlertCreated      = "alert_created"
)

// Message is an event as it leaves the process.
type Message struct {
	ID           string         `json:"id"`
	Kind         string         `json:"kind"`
	AlertGroupID string         `json:"alert_group_id"`
	Payload      map[string]any `json:"payload"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Encode returns the JSON wire form of m.
func (m Message) Encode() ([]byte, error) { return json.Marshal(m) }

// Emit stores an event in the outbox using gdb, normally a transaction.
func Emit(gdb *gorm.DB, now time.Time, kind, alertGroupID string, payload model.JSONMap) error {
	if payload == nil {
		payload = model.JSONMap{}
	}
	row := &model.EventOutbox{Kind: kind, AlertGroupID: alertGroupID, Payload: payload, CreatedAt: now}
	if err := gdb.Create(row).Error; err != nil {
		return fmt.Errorf("store %s event: %w", kind, err)
	}
	return nil
}

// ActionTriggered stores one action_triggered event for the log record and
// one for each direct dependent of the group.
func ActionTriggered(gdb *gorm.DB, now time.Time, alertGroupID, logRecordID string, dependents []string) error {
	if err := Emit(gdb, now, KindActionTriggered, alertGroupID, model.JSONMap{"log_record_id": logRecordID}); err != nil {
		return err
	}
	for i, dep := range dependents {
		at := now.Add(time.Duration(i+1) * time.Microsecond)
		if err := Emit(gdb, at, KindActionTriggered, dep, model.JSONMap{"log_record_id": logRecordID, "root_alert_group_id": alertGroupID}); err != nil {
			return err
		}
	}
	return nil
}

// Publisher delivers messages to an external system.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}
