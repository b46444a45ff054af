package service

import (
	"context"
	"database/sql"

	"xpos/internal/repository"
	"xpos/internal/worker"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DeviceContext is the identity bound into a device token. AccountID and
// BranchID come from registration, never from a request body.
type DeviceContext struct {
	DeviceID  uuid.UUID
	AccountID uuid.UUID
	BranchID  uuid.UUID
}

// FiscalNotifier is satisfied by *worker.Dispatcher.
type FiscalNotifier interface {
	EnqueueFiscal(ctx context.Context, n worker.FiscalNotice) error
}

// LaneRunner is satisfied by *worker.LanePool.
type LaneRunner interface {
	WithLane(ctx context.Context, ref repository.LaneRef, fn func(ctx context.Context) error) error
}

// runTx executes fn inside a GORM transaction when db is available,
// or calls fn(nil) directly when db is nil (unit test mode).
func runTx(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	if db == nil {
		return fn(nil)
	}
	return db.WithContext(ctx).Transaction(fn)
}

// runSnapshot is runTx in a read-only REPEATABLE READ transaction: every
// query inside sees the same snapshot, and now() is the snapshot's clock.
func runSnapshot(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	if db == nil {
		return fn(nil)
	}
	return db.WithContext(ctx).Transaction(fn, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
}
