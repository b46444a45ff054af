package dto

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Delta entity types.
const (
	EntityProducts  = "products"
	EntityCustomers = "customers"
	EntitySales     = "sales"
)

// Upload item statuses.
const (
	UploadCreated   = "created"
	UploadDuplicate = "duplicate"
)

// ─── Delta pull ──────────────────────────────────────────────────────────────

// DeltaQuery is bound from the query string of GET /v1/sync/delta.
type DeltaQuery struct {
	EntityType string `form:"entity_type" validate:"required,oneof=products customers sales"`
	Since      string `form:"since"` // RFC3339Nano; empty = everything
}

type DeltaResponse struct {
	EntityType    string            `json:"entity_type"`
	Records       []json.RawMessage `json:"records"`
	DeletedIDs    []string          `json:"deleted_ids"`
	SyncTimestamp time.Time         `json:"sync_timestamp"`
	TotalRecords  int               `json:"total_records"`
}

type ProductRecord struct {
	ID         string          `json:"id"`
	SKU        string          `json:"sku,omitempty"`
	Barcode    *string         `json:"barcode,omitempty"`
	Name       string          `json:"name"`
	Price      decimal.Decimal `json:"price"`
	TaxRate    decimal.Decimal `json:"tax_rate"`
	Unit       string          `json:"unit"`
	Attributes map[string]any  `json:"attributes,omitempty"`
	Active     bool            `json:"active"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

type CustomerRecord struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Phone           *string         `json:"phone,omitempty"`
	Email           *string         `json:"email,omitempty"`
	TaxID           *string         `json:"tax_id,omitempty"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// SaleRecord mirrors the server's view of one of the device's own sales,
// mainly to surface fiscal results.
type SaleRecord struct {
	ID               string     `json:"id"`
	LocalID          int64      `json:"local_id"`
	ServerSaleID     int64      `json:"server_sale_id"`
	SaleNumber       string     `json:"sale_number"`
	FiscalStatus     string     `json:"fiscal_status"`
	FiscalNumber     *string    `json:"fiscal_number,omitempty"`
	FiscalDocumentID *string    `json:"fiscal_document_id,omitempty"`
	FiscalError      *string    `json:"fiscal_error,omitempty"`
	FiscalizedAt     *time.Time `json:"fiscalized_at,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// ─── Sale upload ─────────────────────────────────────────────────────────────

type SaleItemPayload struct {
	ProductID      *string         `json:"product_id,omitempty"`
	Name           string          `json:"name"`
	Quantity       decimal.Decimal `json:"quantity"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	TaxRate        decimal.Decimal `json:"tax_rate"`
	Total          decimal.Decimal `json:"total"`
}

type SalePaymentPayload struct {
	Method string          `json:"method"` // cash | card | other
	Amount decimal.Decimal `json:"amount"`
}

// SaleUpload is one queued sale. (device_id, local_id) is its idempotency
// key; device_id comes from the token, never from the body.
type SaleUpload struct {
	LocalID        int64                `json:"local_id"`
	AccountID      string               `json:"account_id,omitempty"`
	CustomerID     *string              `json:"customer_id,omitempty"`
	CustomerEmail  *string              `json:"customer_email,omitempty"`
	Items          []SaleItemPayload    `json:"items"`
	Payments       []SalePaymentPayload `json:"payments"`
	Subtotal       decimal.Decimal      `json:"subtotal"`
	DiscountAmount decimal.Decimal      `json:"discount_amount"`
	TaxAmount      decimal.Decimal      `json:"tax_amount"`
	Total          decimal.Decimal      `json:"total"`
	SoldAt         time.Time            `json:"sold_at"`
	// Set when the kiosk already printed the receipt on its own printer.
	FiscalNumber     *string `json:"fiscal_number,omitempty"`
	FiscalDocumentID *string `json:"fiscal_document_id,omitempty"`
}

// SaleBatchRequest only checks the envelope; each sale is validated on its
// own so one bad sale does not reject the batch.
type SaleBatchRequest struct {
	Sales []SaleUpload `json:"sales" validate:"required,min=1,max=500"`
}

type SaleUploadResult struct {
	LocalID         int64  `json:"local_id"`
	ServerSaleID    int64  `json:"server_sale_id"`
	SaleNumber      string `json:"sale_number"`
	Status          string `json:"status"` // created | duplicate
	QueuedForFiscal bool   `json:"queued_for_fiscal"`
	FiscalStatus    string `json:"fiscal_status"`
}

type SaleUploadFailure struct {
	LocalID int64             `json:"local_id"`
	Error   string            `json:"error"`
	Detail  string            `json:"detail"`
	Fields  map[string]string `json:"fields,omitempty"`
}

type SaleBatchResponse struct {
	Results []SaleUploadResult  `json:"results"`
	Failed  []SaleUploadFailure `json:"failed"`
}
