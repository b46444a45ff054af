package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Fiscal job operation types.
const (
	OpSaleReceipt    = "sale_receipt"
	OpShiftOpen      = "shift_open"
	OpShiftClose     = "shift_close"
	OpPeriodicReport = "periodic_report"
	OpControlTape    = "control_tape"
)

// Fiscal job states. Transitions only move forward, except failed -> pending
// when a retry is scheduled or an operator requeues a dead-lettered job.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// FiscalJob is one requested fiscal operation against one printer.
// FiscalConfigID is the serialization lane: jobs sharing it never overlap.
type FiscalJob struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	AccountID      uuid.UUID  `gorm:"type:uuid;not null;index"`
	FiscalConfigID uuid.UUID  `gorm:"type:uuid;not null;index:idx_fiscal_jobs_lane,priority:1"`
	SaleID         *int64     `gorm:"index"`
	OperationType  string     `gorm:"type:varchar(30);not null"`
	Status         string     `gorm:"type:varchar(20);not null;default:'pending';index:idx_fiscal_jobs_lane,priority:2"`
	Provider       string     `gorm:"type:varchar(20);not null"`
	IdempotencyKey *string    `gorm:"type:varchar(200);index"`
	RequestPayload datatypes.JSON
	ResultPayload  datatypes.JSON

	RetryCount     int        `gorm:"not null;default:0"`
	MaxRetries     int        `gorm:"not null;default:5"`
	NextRetryAt    *time.Time `gorm:"index"`
	LastError      *string
	ErrorKind      *string    `gorm:"type:varchar(40)"`
	DeadLetteredAt *time.Time `gorm:"index"`

	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time `gorm:"index:idx_fiscal_jobs_lane,priority:3"`
	UpdatedAt   time.Time
}

// IsDeadLettered reports a terminal failure that needs an operator.
func (j *FiscalJob) IsDeadLettered() bool {
	return j.Status == JobFailed && j.DeadLetteredAt != nil
}

// ReceiptIdempotencyKey is the (account, sale, operation) key of a sale receipt.
func ReceiptIdempotencyKey(accountID uuid.UUID, saleID int64) string {
	return fmt.Sprintf("%s:%d:%s", accountID, saleID, OpSaleReceipt)
}

// FiscalResult is the shape stored in FiscalJob.ResultPayload.
type FiscalResult struct {
	FiscalNumber     string         `json:"fiscal_number,omitempty"`
	FiscalDocumentID string         `json:"fiscal_document_id,omitempty"`
	Error            string         `json:"error,omitempty"`
	ResponseData     map[string]any `json:"response_data,omitempty"`
}

// FiscalRequest is the shape stored in FiscalJob.RequestPayload for
// non-receipt operations.
type FiscalRequest struct {
	StartDate *time.Time     `json:"start_date,omitempty"`
	EndDate   *time.Time     `json:"end_date,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
}
