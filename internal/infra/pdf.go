package infra

// pdf.go renders the customer copy of a fiscalized sale on receipt-sized
// paper: header, sale number, fiscal number, item table, totals, payments.
// Files land in storagePath/receipt_{sale_number}.pdf.

import (
	"fmt"
	"os"
	"path/filepath"

	"xpos/internal/model"

	"github.com/go-pdf/fpdf"
)

// GenerateReceiptCopyPDF writes the receipt copy of sale and returns its path.
func GenerateReceiptCopyPDF(sale *model.Sale, businessName, storagePath string) (string, error) {
	if err := os.MkdirAll(storagePath, 0o755); err != nil {
		return "", fmt.Errorf("pdf: create storage dir: %w", err)
	}
	filePath := filepath.Join(storagePath, fmt.Sprintf("receipt_%s.pdf", sale.SaleNumber))

	// 80mm roll; height grows with the item count.
	height := 70.0 + 5*float64(len(sale.Items)) + 4*float64(len(sale.Payments))
	pdf := fpdf.NewCustom(&fpdf.InitType{
		OrientationStr: "P",
		UnitStr:        "mm",
		Size:           fpdf.SizeType{Wd: 80, Ht: height},
	})
	pdf.SetMargins(4, 4, 4)
	pdf.SetAutoPageBreak(false, 4)
	pdf.AddPage()
	tr := pdf.UnicodeTranslatorFromDescriptor("cp1252")

	pageW, _ := pdf.GetPageSize()
	contentW := pageW - 8

	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(contentW, 7, tr(businessName), "", 1, "C", false, 0, "")
	pdf.SetFont("Helvetica", "", 7)
	pdf.CellFormat(contentW, 4, "Customer copy", "", 1, "C", false, 0, "")
	pdf.Ln(2)

	pdf.SetFont("Helvetica", "B", 8)
	pdf.CellFormat(contentW, 5, "Sale "+sale.SaleNumber, "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 7)
	pdf.CellFormat(contentW, 4, sale.SoldAt.Format("02.01.2006 15:04"), "", 1, "L", false, 0, "")
	if sale.FiscalNumber != nil {
		pdf.CellFormat(contentW, 4, "Fiscal No: "+*sale.FiscalNumber, "", 1, "L", false, 0, "")
	}
	if sale.FiscalDocumentID != nil {
		pdf.CellFormat(contentW, 4, "Document: "+*sale.FiscalDocumentID, "", 1, "L", false, 0, "")
	}
	pdf.Ln(1)
	pdf.Line(4, pdf.GetY(), pageW-4, pdf.GetY())
	pdf.Ln(1)

	col1, col2, col3 := contentW*0.52, contentW*0.18, contentW*0.30
	pdf.SetFont("Helvetica", "B", 7)
	pdf.CellFormat(col1, 5, "Item", "B", 0, "L", false, 0, "")
	pdf.CellFormat(col2, 5, "Qty", "B", 0, "C", false, 0, "")
	pdf.CellFormat(col3, 5, "Total", "B", 1, "R", false, 0, "")

	pdf.SetFont("Helvetica", "", 7)
	for _, it := range sale.Items {
		name := []rune(it.Name)
		if len(name) > 26 {
			name = append(name[:25], '.')
		}
		pdf.CellFormat(col1, 5, tr(string(name)), "", 0, "L", false, 0, "")
		pdf.CellFormat(col2, 5, it.Quantity.String(), "", 0, "C", false, 0, "")
		pdf.CellFormat(col3, 5, it.Total.StringFixed(2), "", 1, "R", false, 0, "")
	}

	pdf.Ln(1)
	pdf.Line(4, pdf.GetY(), pageW-4, pdf.GetY())
	pdf.Ln(1)

	if !sale.DiscountAmount.IsZero() {
		pdf.CellFormat(col1+col2, 4, "Discount", "", 0, "L", false, 0, "")
		pdf.CellFormat(col3, 4, "-"+sale.DiscountAmount.StringFixed(2), "", 1, "R", false, 0, "")
	}
	if !sale.TaxAmount.IsZero() {
		pdf.CellFormat(col1+col2, 4, "VAT", "", 0, "L", false, 0, "")
		pdf.CellFormat(col3, 4, sale.TaxAmount.StringFixed(2), "", 1, "R", false, 0, "")
	}
	pdf.SetFont("Helvetica", "B", 9)
	pdf.CellFormat(col1+col2, 6, "TOTAL", "", 0, "L", false, 0, "")
	pdf.CellFormat(col3, 6, sale.Total.StringFixed(2), "", 1, "R", false, 0, "")

	pdf.SetFont("Helvetica", "", 7)
	for _, p := range sale.Payments {
		pdf.CellFormat(col1+col2, 4, "Paid ("+p.Method+")", "", 0, "L", false, 0, "")
		pdf.CellFormat(col3, 4, p.Amount.StringFixed(2), "", 1, "R", false, 0, "")
	}

	if err := pdf.OutputFileAndClose(filePath); err != nil {
		return "", fmt.Errorf("pdf: write file: %w", err)
	}
	return filePath, nil
}
