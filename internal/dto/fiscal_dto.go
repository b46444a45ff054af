package dto

import (
	"time"

	"xpos/internal/fiscal"

	"github.com/shopspring/decimal"
)

// ─── Jobs ────────────────────────────────────────────────────────────────────

type FiscalJobRequest struct {
	OperationType  string         `json:"operation_type"  validate:"required,oneof=sale_receipt shift_open shift_close periodic_report control_tape"`
	SaleID         *int64         `json:"sale_id"         validate:"required_if=OperationType sale_receipt"`
	IdempotencyKey *string        `json:"idempotency_key" validate:"omitempty,max=200"`
	StartDate      *time.Time     `json:"start_date"      validate:"required_if=OperationType periodic_report"`
	EndDate        *time.Time     `json:"end_date"        validate:"required_if=OperationType periodic_report"`
	Payload        map[string]any `json:"request_payload,omitempty"`
}

// FiscalJobResult is the outcome shape polled by clients.
type FiscalJobResult struct {
	FiscalNumber     string         `json:"fiscalNumber,omitempty"`
	FiscalDocumentID string         `json:"fiscalDocumentId,omitempty"`
	Error            string         `json:"error,omitempty"`
	ResponseData     map[string]any `json:"responseData,omitempty"`
}

type FiscalJobResponse struct {
	ID             string           `json:"id"`
	AccountID      string           `json:"account_id"`
	FiscalConfigID string           `json:"fiscal_config_id"`
	SaleID         *int64           `json:"sale_id,omitempty"`
	OperationType  string           `json:"operation_type"`
	Status         string           `json:"status"`
	Provider       string           `json:"provider"`
	RetryCount     int              `json:"retry_count"`
	MaxRetries     int              `json:"max_retries"`
	NextRetryAt    *time.Time       `json:"next_retry_at,omitempty"`
	LastError      *string          `json:"last_error,omitempty"`
	ErrorKind      *string          `json:"error_kind,omitempty"`
	DeadLettered   bool             `json:"dead_lettered"`
	Duplicate      bool             `json:"duplicate,omitempty"`
	Result         *FiscalJobResult `json:"result,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
}

// FiscalJobFilter is bound from the query string of GET /v1/fiscal/jobs.
type FiscalJobFilter struct {
	Status string `form:"status" validate:"omitempty,oneof=pending processing completed failed"`
	Dead   bool   `form:"dead"`
	Page   int    `form:"page,default=1"   validate:"min=1"`
	Limit  int    `form:"limit,default=50" validate:"min=1,max=200"`
}

type FiscalJobListResponse struct {
	Data  []FiscalJobResponse `json:"data"`
	Total int64               `json:"total"`
	Page  int                 `json:"page"`
	Limit int                 `json:"limit"`
}

type DLQSizeResponse struct {
	Queue string `json:"queue"`
	Size  int64  `json:"size"`
}

// ─── Config ──────────────────────────────────────────────────────────────────

// FiscalConfigResponse is what a kiosk fetches to drive its own printer.
// Only the credential fields the provider uses are non-empty.
type FiscalConfigResponse struct {
	ID             string          `json:"id"`
	Purpose        string          `json:"purpose"`
	Provider       string          `json:"provider"`
	IPAddress      string          `json:"ip_address"`
	Port           int             `json:"port"`
	OperatorCode   string          `json:"operator_code,omitempty"`
	Username       string          `json:"username,omitempty"`
	Password       string          `json:"password,omitempty"`
	SecurityKey    string          `json:"security_key,omitempty"`
	MerchantID     string          `json:"merchant_id,omitempty"`
	DefaultTaxRate decimal.Decimal `json:"default_tax_rate"`
	ShiftMaxHours  int             `json:"shift_max_hours"`
	ServerMediated bool            `json:"server_mediated"`
	IsActive       bool            `json:"is_active"`
}

func (r FiscalConfigResponse) ToFiscal() fiscal.Config {
	return fiscal.Config{
		ID:             r.ID,
		Provider:       r.Provider,
		IPAddress:      r.IPAddress,
		Port:           r.Port,
		OperatorCode:   r.OperatorCode,
		Username:       r.Username,
		Password:       r.Password,
		SecurityKey:    r.SecurityKey,
		MerchantID:     r.MerchantID,
		DefaultTaxRate: r.DefaultTaxRate,
		ShiftMaxHours:  r.ShiftMaxHours,
		IsActive:       r.IsActive,
	}
}
