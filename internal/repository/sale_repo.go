package repository

import (
	"context"
	"time"

	"xpos/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// FiscalUpdate is the set of fiscal mirror fields written onto a sale.
type FiscalUpdate struct {
	Status           string
	JobID            *uuid.UUID
	FiscalNumber     *string
	FiscalDocumentID *string
	Error            *string
	FiscalizedAt     *time.Time
}

type SaleRepository interface {
	FindByDeviceLocalID(ctx context.Context, tx *gorm.DB, deviceID uuid.UUID, localID int64) (*model.Sale, error)
	FindByID(ctx context.Context, id int64) (*model.Sale, error)
	Create(ctx context.Context, tx *gorm.DB, s *model.Sale) error
	NextSaleSequence(ctx context.Context, tx *gorm.DB) (int64, error)
	ChangedForDevice(ctx context.Context, tx *gorm.DB, deviceID uuid.UUID, since time.Time) ([]model.Sale, error)
	UpdateFiscal(ctx context.Context, tx *gorm.DB, saleID int64, u FiscalUpdate) error
	// DBNow is now() of the given transaction: the snapshot's clock.
	DBNow(ctx context.Context, tx *gorm.DB) (time.Time, error)
	// RepairFiscalState re-derives sale fiscal fields from terminal receipt
	// jobs. deviceID narrows the repair; nil repairs every sale.
	RepairFiscalState(ctx context.Context, deviceID *uuid.UUID) (int64, error)
	DB() *gorm.DB // exposes the DB for transaction creation in service layer
}

type saleRepo struct{ db *gorm.DB }

func NewSaleRepository(db *gorm.DB) SaleRepository { return &saleRepo{db: db} }

func (r *saleRepo) DB() *gorm.DB { return r.db }

func (r *saleRepo) FindByDeviceLocalID(ctx context.Context, tx *gorm.DB, deviceID uuid.UUID, localID int64) (*model.Sale, error) {
	var s model.Sale
	err := conn(r.db, tx).WithContext(ctx).
		Where("device_id = ? AND local_id = ?", deviceID, localID).
		First(&s).Error
	return &s, err
}

func (r *saleRepo) FindByID(ctx context.Context, id int64) (*model.Sale, error) {
	var s model.Sale
	err := r.db.WithContext(ctx).Preload("Items").Preload("Payments").First(&s, id).Error
	return &s, err
}

func (r *saleRepo) Create(ctx context.Context, tx *gorm.DB, s *model.Sale) error {
	return conn(r.db, tx).WithContext(ctx).Create(s).Error
}

func (r *saleRepo) NextSaleSequence(ctx context.Context, tx *gorm.DB) (int64, error) {
	var n int64
	err := conn(r.db, tx).WithContext(ctx).Raw("SELECT nextval('sales_number_seq')").Scan(&n).Error
	return n, err
}

func (r *saleRepo) ChangedForDevice(ctx context.Context, tx *gorm.DB, deviceID uuid.UUID, since time.Time) ([]model.Sale, error) {
	var out []model.Sale
	err := conn(r.db, tx).WithContext(ctx).
		Where("device_id = ? AND updated_at > ?", deviceID, since).
		Order("updated_at, id").
		Find(&out).Error
	return out, err
}

func (r *saleRepo) UpdateFiscal(ctx context.Context, tx *gorm.DB, saleID int64, u FiscalUpdate) error {
	return conn(r.db, tx).WithContext(ctx).Model(&model.Sale{}).Where("id = ?", saleID).
		Updates(map[string]any{
			"fiscal_status":      u.Status,
			"fiscal_job_id":      u.JobID,
			"fiscal_number":      u.FiscalNumber,
			"fiscal_document_id": u.FiscalDocumentID,
			"fiscal_error":       u.Error,
			"fiscalized_at":      u.FiscalizedAt,
		}).Error
}

func (r *saleRepo) DBNow(ctx context.Context, tx *gorm.DB) (time.Time, error) {
	var now time.Time
	err := conn(r.db, tx).WithContext(ctx).Raw("SELECT now()").Scan(&now).Error
	return now, err
}

const repairCompletedSQL = `
UPDATE sales s SET
    fiscal_status      = 'completed',
    fiscal_number      = j.result_payload->>'fiscal_number',
    fiscal_document_id = j.result_payload->>'fiscal_document_id',
    fiscal_job_id      = j.id,
    fiscal_error       = NULL,
    fiscalized_at      = j.completed_at,
    updated_at         = now()
FROM fiscal_jobs j
WHERE j.sale_id = s.id
  AND j.operation_type = 'sale_receipt'
  AND j.status = 'completed'
  AND s.fiscal_status <> 'completed'`

const repairDeadSQL = `
UPDATE sales s SET
    fiscal_status = 'failed',
    fiscal_job_id = j.id,
    fiscal_error  = j.last_error,
    updated_at    = now()
FROM fiscal_jobs j
WHERE j.sale_id = s.id
  AND j.operation_type = 'sale_receipt'
  AND j.status = 'failed'
  AND j.dead_lettered_at IS NOT NULL
  AND s.fiscal_status = 'pending'
  AND NOT EXISTS (
      SELECT 1 FROM fiscal_jobs k
      WHERE k.sale_id = s.id AND k.operation_type = 'sale_receipt' AND k.dead_lettered_at IS NULL)`

func (r *saleRepo) RepairFiscalState(ctx context.Context, deviceID *uuid.UUID) (int64, error) {
	var total int64
	for _, stmt := range []string{repairCompletedSQL, repairDeadSQL} {
		q, args := stmt, []any{}
		if deviceID != nil {
			q += " AND s.device_id = ?"
			args = append(args, *deviceID)
		}
		res := r.db.WithContext(ctx).Exec(q, args...)
		if res.Error != nil {
			return total, res.Error
		}
		total += res.RowsAffected
	}
	return total, nil
}
