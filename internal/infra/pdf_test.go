package infra

import (
	"os"
	"testing"
	"time"

	"xpos/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateReceiptCopyPDF(t *testing.T) {
	fiscalNo := "FP0001042"
	sale := &model.Sale{
		ID:           1042,
		SaleNumber:   "0A1B2C3D-000007",
		Total:        decimal.RequireFromString("49.99"),
		SoldAt:       time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		FiscalNumber: &fiscalNo,
		Items: []model.SaleItem{
			{Name: "Çay 200q", Quantity: decimal.NewFromInt(1), UnitPrice: decimal.RequireFromString("49.99"), Total: decimal.RequireFromString("49.99")},
		},
		Payments: []model.SalePayment{{Method: "card", Amount: decimal.RequireFromString("49.99")}},
	}

	path, err := GenerateReceiptCopyPDF(sale, "xPOS", t.TempDir())
	require.NoError(t, err)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, len(b) > 4 && string(b[:4]) == "%PDF")
	assert.Contains(t, path, "receipt_0A1B2C3D-000007.pdf")
}
