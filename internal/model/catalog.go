package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Product is the authoritative catalog row. Soft deletes double as the
// tombstones handed to kiosks in catalog deltas.
type Product struct {
	ID         uuid.UUID       `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	AccountID  uuid.UUID       `gorm:"type:uuid;not null;index:idx_products_delta,priority:1"`
	SKU        string          `gorm:"type:varchar(64)"`
	Barcode    *string         `gorm:"type:varchar(64)"`
	Name       string          `gorm:"not null"`
	Price      decimal.Decimal `gorm:"type:decimal(12,2);not null"`
	TaxRate    decimal.Decimal `gorm:"type:decimal(5,2);not null;default:0"`
	Unit       string          `gorm:"type:varchar(20);not null;default:'pcs'"`
	Attributes datatypes.JSONMap
	Active     bool `gorm:"not null;default:true"`
	CreatedAt  time.Time
	UpdatedAt  time.Time      `gorm:"index:idx_products_delta,priority:2"`
	DeletedAt  gorm.DeletedAt `gorm:"index"`
}

// Customer is reference data synced to kiosks the same way as products.
type Customer struct {
	ID              uuid.UUID       `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	AccountID       uuid.UUID       `gorm:"type:uuid;not null;index:idx_customers_delta,priority:1"`
	Name            string          `gorm:"not null"`
	Phone           *string         `gorm:"type:varchar(32)"`
	Email           *string         `gorm:"type:varchar(160)"`
	TaxID           *string         `gorm:"type:varchar(32)"`
	DiscountPercent decimal.Decimal `gorm:"type:decimal(5,2);not null;default:0"`
	CreatedAt       time.Time
	UpdatedAt       time.Time      `gorm:"index:idx_customers_delta,priority:2"`
	DeletedAt       gorm.DeletedAt `gorm:"index"`
}
