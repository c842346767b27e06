// Package logrecord writes and renders the append-only history of alert
// groups: alert group log records and personal notification log records.
package logrecord

import (
	"fmt"
	"sync"
	"time"

	"github.com/d9705996/oncall/internal/model"
	"gorm.io/gorm"
)

// Recorder appends log records. Timestamps issued by one Recorder strictly
// increase, so records written in the same transaction keep their order.
type Recorder struct {
	now func() time.Time

	mu   sync.Mutex
	last time.Time
}

// NewRecorder returns a Recorder using now as its clock.
func NewRecorder(now func() time.Time) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{now: now}
}

func (r *Recorder) stamp() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.now().UTC().Truncate(time.Microsecond)
	if !t.After(r.last) {
		t = r.last.Add(time.Microsecond)
	}
	r.last = t
	return t
}

// Write inserts rec using gdb, which is normally a transaction handle.
func (r *Recorder) Write(gdb *gorm.DB, rec *model.LogRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.stamp()
	}
	if rec.StepSpecificInfo == nil {
		rec.StepSpecificInfo = model.JSONMap{}
	}
	if err := gdb.Create(rec).Error; err != nil {
		return fmt.Errorf("write %s log record: %w", rec.Type, err)
	}
	return nil
}

// WriteNotification inserts a personal notification log record.
func (r *Recorder) WriteNotification(gdb *gorm.DB, rec *model.NotificationLogRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.stamp()
	}
	if err := gdb.Create(rec).Error; err != nil {
		return fmt.Errorf("write notification log record: %w", err)
	}
	return nil
}

// Info builds step-specific info from key/value pairs.
func Info(kv ...any) model.JSONMap {
	m := model.JSONMap{}
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		m[k] = kv[i+1]
	}
	return m
}
