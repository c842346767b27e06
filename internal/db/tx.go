package db

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Tx is a unit of work: a GORM transaction plus callbacks that run only
// once the transaction has committed. Jobs are always scheduled through
// AfterCommit so a worker never observes uncommitted state.
type Tx struct {
	*gorm.DB
	afterCommit []func(context.Context)
}

// AfterCommit registers fn to run after a successful commit. Callbacks run
// in registration order and are dropped on rollback.
func (t *Tx) AfterCommit(fn func(ctx context.Context)) {
	t.afterCommit = append(t.afterCommit, fn)
}

// Context returns the context the transaction was started with.
func (t *Tx) Context() context.Context {
	if t.Statement != nil && t.Statement.Context != nil {
		return t.Statement.Context
	}
	return context.Background()
}

// Transaction runs fn in a database transaction and then, if it committed,
// the callbacks registered with AfterCommit.
func Transaction(ctx context.Context, gdb *gorm.DB, fn func(tx *Tx) error) error {
	var hooks []func(context.Context)
	err := gdb.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		tx := &Tx{DB: gtx}
		if err := fn(tx); err != nil {
			return err
		}
		hooks = tx.afterCommit
		return nil
	})
	if err != nil {
		return err
	}
	for _, h := range hooks {
		h(ctx)
	}
	return nil
}

// ForUpdate adds a row lock to q on databases that support it. SQLite
// serialises writers on its own and rejects the clause.
func ForUpdate(q *gorm.DB) *gorm.DB {
	if q.Dialector != nil && q.Dialector.Name() == "postgres" {
		return q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return q
}

// IsUniqueViolation reports whether err was caused by a unique constraint.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
