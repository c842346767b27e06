// Package sequence issues per-organization alert group numbers.
package sequence

import (
	"context"
	"errors"
	"fmt"

	"github.com/d9705996/oncall/internal/db"
	"github.com/d9705996/oncall/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrConcurrentUpdate is returned when another writer advanced the counter
// between our read and our conditional update. Callers retry the whole
// operation that needed the number.
var ErrConcurrentUpdate = errors.New("sequence: concurrent update")

// Counter hands out monotonically increasing numbers per organization
// using an optimistic compare-and-set, without holding a row lock.
type Counter struct {
	db *gorm.DB
}

// New returns a Counter backed by gdb.
func New(gdb *gorm.DB) *Counter {
	return &Counter{db: gdb}
}

// Next returns the next number for organizationID. It runs in its own
// short transaction, independent of any caller transaction.
func (c *Counter) Next(ctx context.Context, organizationID string) (int64, error) {
	var next int64
	err := db.Transaction(ctx, c.db, func(tx *db.Tx) error {
		n, err := NextTx(tx, organizationID)
		next = n
		return err
	})
	return next, err
}

// NextTx is Next within an existing transaction.
func NextTx(tx *db.Tx, organizationID string) (int64, error) {
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.SequenceCounter{OrganizationID: organizationID, Value: 0}).Error; err != nil {
		return 0, fmt.Errorf("ensure counter: %w", err)
	}

	var current model.SequenceCounter
	if err := tx.First(&current, "organization_id = ?", organizationID).Error; err != nil {
		return 0, fmt.Errorf("read counter: %w", err)
	}

	res := tx.Model(&model.SequenceCounter{}).
		Where("organization_id = ? AND value = ?", organizationID, current.Value).
		Update("value", gorm.Expr("value + 1"))
	if res.Error != nil {
		return 0, fmt.Errorf("advance counter: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return 0, ErrConcurrentUpdate
	}
	return current.Value + 1, nil
}
