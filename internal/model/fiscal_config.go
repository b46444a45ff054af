package model

import (
	"time"

	"xpos/internal/fiscal"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Fiscal config purposes.
const (
	PurposeReceipt = "receipt"
	PurposeReport  = "report"
)

// FiscalConfig is the connection and credential set of one fiscal printer.
// Which credential fields are meaningful depends on Provider. A partial
// unique index keeps at most one active row per (account, purpose).
type FiscalConfig struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	AccountID uuid.UUID `gorm:"type:uuid;not null;index"`
	Purpose   string    `gorm:"type:varchar(20);not null;default:'receipt'"`
	Provider  string    `gorm:"type:varchar(20);not null"`
	IPAddress string    `gorm:"type:varchar(64);not null"`
	Port      int       `gorm:"not null"`

	OperatorCode string `gorm:"type:varchar(64)"`
	Username     string `gorm:"type:varchar(120)"`
	Password     string `gorm:"type:varchar(255)"`
	SecurityKey  string `gorm:"type:varchar(255)"`
	MerchantID   string `gorm:"type:varchar(120)"`

	DefaultTaxRate decimal.Decimal `gorm:"type:decimal(5,2);not null;default:18"`
	ShiftMaxHours  int             `gorm:"not null;default:24"`
	// ServerMediated routes receipts through the server job queue instead of
	// the kiosk's local printer connection.
	ServerMediated bool `gorm:"not null;default:true"`
	IsActive       bool `gorm:"not null;default:true"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ToFiscal is the wire-level view handed to the provider layer.
func (c *FiscalConfig) ToFiscal() fiscal.Config {
	return fiscal.Config{
		ID:             c.ID.String(),
		Provider:       c.Provider,
		IPAddress:      c.IPAddress,
		Port:           c.Port,
		OperatorCode:   c.OperatorCode,
		Username:       c.Username,
		Password:       c.Password,
		SecurityKey:    c.SecurityKey,
		MerchantID:     c.MerchantID,
		DefaultTaxRate: c.DefaultTaxRate,
		ShiftMaxHours:  c.ShiftMaxHours,
		IsActive:       c.IsActive,
	}
}
