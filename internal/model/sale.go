package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Sale fiscal states.
const (
	FiscalNone      = "none"
	FiscalPending   = "pending"
	FiscalCompleted = "completed"
	FiscalFailed    = "failed"
)

// Sale is the server-authoritative record of a kiosk sale. ID is the
// server_sale_id; (DeviceID, LocalID) is the upload idempotency key.
type Sale struct {
	ID            int64      `gorm:"primaryKey;autoIncrement"`
	AccountID     uuid.UUID  `gorm:"type:uuid;not null;index"`
	BranchID      uuid.UUID  `gorm:"type:uuid;not null"`
	DeviceID      uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:idx_sales_device_local,priority:1;index:idx_sales_device_updated,priority:1"`
	LocalID       int64      `gorm:"not null;uniqueIndex:idx_sales_device_local,priority:2"`
	SaleNumber    string     `gorm:"type:varchar(32);uniqueIndex;not null"`
	CustomerID    *uuid.UUID `gorm:"type:uuid"`
	CustomerEmail *string    `gorm:"type:varchar(160)"`

	Subtotal       decimal.Decimal `gorm:"type:decimal(12,2);not null"`
	DiscountAmount decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0"`
	TaxAmount      decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0"`
	Total          decimal.Decimal `gorm:"type:decimal(12,2);not null"`
	SoldAt         time.Time       `gorm:"not null"`

	// FiscalStatus: none | pending | completed | failed
	FiscalStatus     string     `gorm:"type:varchar(20);not null;default:'none'"`
	FiscalNumber     *string    `gorm:"type:varchar(64)"`
	FiscalDocumentID *string    `gorm:"type:varchar(128)"`
	FiscalJobID      *uuid.UUID `gorm:"type:uuid"`
	FiscalError      *string
	FiscalizedAt     *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time `gorm:"index:idx_sales_device_updated,priority:2"`

	Items    []SaleItem    `gorm:"foreignKey:SaleID;constraint:OnDelete:CASCADE"`
	Payments []SalePayment `gorm:"foreignKey:SaleID;constraint:OnDelete:CASCADE"`
}

type SaleItem struct {
	ID             uuid.UUID       `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	SaleID         int64           `gorm:"index;not null"`
	ProductID      *uuid.UUID      `gorm:"type:uuid"`
	Name           string          `gorm:"not null"`
	Quantity       decimal.Decimal `gorm:"type:decimal(12,3);not null"`
	UnitPrice      decimal.Decimal `gorm:"type:decimal(12,2);not null"`
	DiscountAmount decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0"`
	TaxRate        decimal.Decimal `gorm:"type:decimal(5,2);not null;default:0"`
	Total          decimal.Decimal `gorm:"type:decimal(12,2);not null"`
}

// SalePayment Method: cash | card | other
type SalePayment struct {
	ID     uuid.UUID       `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	SaleID int64           `gorm:"index;not null"`
	Method string          `gorm:"type:varchar(20);not null"`
	Amount decimal.Decimal `gorm:"type:decimal(12,2);not null"`
}
