package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/d9705996/oncall/internal/model"
	"gorm.io/gorm"
)

// DefaultBatchSize bounds the events published per relay run.
const DefaultBatchSize = 200

// Relay moves pending outbox rows to a Publisher.
type Relay struct {
	db  *gorm.DB
	pub Publisher
	log *slog.Logger
	now   func() time.Time
	batch int
}

// NewRelay returns a Relay.
func NewRelay(gdb *gorm.DB, pub Publisher, log *slog.Logger, now func() time.Time) *Relay {
	if now == nil {
		now = time.Now
	}
	return &Relay{db: gdb, pub: pub, log: log, now: now, batch: DefaultBatchSize}
}

// Run publishes up to one batch of pending events in creation order and
// returns how many were published. It stops at the first publish failure so
// ordering is kept; the remaining rows are retried on the next run.
func (r *Relay) Run(ctx context.Context) (int, error) {
	var rows []model.EventOutbox
	if err := r.db.WithContext(ctx).Where("published_at IS NULL").
		Order("created_at, id").Limit(r.batch).Find(&rows).Error; err != nil {
		return 0, fmt.Errorf("list pending events: %w", err)
	}

	published := 0
	for i := range rows {
		row := &rows[i]
		msg := Message{ID: row.ID, Kind: row.Kind, AlertGroupID: row.AlertGroupID, Payload: row.Payload, CreatedAt: row.CreatedAt}
		if err := r.pub.Publish(ctx, msg); err != nil {
			return published, fmt.Errorf("publish event %s: %w", row.ID, err)
		}
		if err := r.db.WithContext(ctx).Model(&model.EventOutbox{}).
			Where("id = ?", row.ID).Update("published_at", r.now()).Error; err != nil {
			return published, fmt.Errorf("mark event published: %w", err)
		}
		published++
	}
	if published > 0 {
		r.log.Debug("relayed events", "count", published)
	}
	return published, nil
}
