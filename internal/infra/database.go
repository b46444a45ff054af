package infra

import (
	"fmt"

	"xpos/internal/model"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase opens the postgres connection through gorm (pgx underneath),
// migrates the tables and applies the DDL gorm tags cannot express.
func NewDatabase(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)

	if err := RunMigrations(db); err != nil {
		return nil, err
	}
	return db, nil
}

// RunMigrations creates or updates every table, then the schema patches.
// Integration tests call it against a fresh container.
func RunMigrations(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&model.Device{},
		&model.Product{},
		&model.Customer{},
		&model.Sale{},
		&model.SaleItem{},
		&model.SalePayment{},
		&model.FiscalConfig{},
		&model.FiscalJob{},
	); err != nil {
		return fmt.Errorf("AutoMigrate: %w", err)
	}
	if err := applySchemaPatches(db); err != nil {
		return fmt.Errorf("schema patches: %w", err)
	}
	return nil
}

// applySchemaPatches runs idempotent DDL: the sale number sequence and the
// partial indexes behind the one-active-config and one-live-job invariants.
func applySchemaPatches(db *gorm.DB) error {
	patches := []struct{ descr, sql string }{
		{"sales number sequence",
			`CREATE SEQUENCE IF NOT EXISTS sales_number_seq START 1`},
		{"one active fiscal config per account and purpose", `
CREATE UNIQUE INDEX IF NOT EXISTS idx_fiscal_configs_active
    ON fiscal_configs (account_id, purpose)
    WHERE is_active`},
		{"one live fiscal job per idempotency key", `
CREATE UNIQUE INDEX IF NOT EXISTS idx_fiscal_jobs_live_key
    ON fiscal_jobs (idempotency_key)
    WHERE idempotency_key IS NOT NULL AND dead_lettered_at IS NULL`},
		{"retry sweeper scan", `
CREATE INDEX IF NOT EXISTS idx_fiscal_jobs_retry_due
    ON fiscal_jobs (next_retry_at)
    WHERE status = 'failed' AND dead_lettered_at IS NULL`},
		{"sale_id only on receipt jobs", `
DO $$ BEGIN
  IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'chk_fiscal_jobs_sale_receipt') THEN
    ALTER TABLE fiscal_jobs ADD CONSTRAINT chk_fiscal_jobs_sale_receipt
      CHECK ((operation_type = 'sale_receipt') = (sale_id IS NOT NULL));
  END IF;
END $$`},
	}
	for _, p := range patches {
		if err := db.Exec(p.sql).Error; err != nil {
			return fmt.Errorf("patch %q: %w", p.descr, err)
		}
	}
	return nil
}
