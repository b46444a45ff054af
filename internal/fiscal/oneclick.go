package fiscal

import (
	"context"
	"encoding/json"
	"time"

	"xpos/internal/apierror"
)

// OneClick identifies the till by merchant id; there is no secret.
type oneClickProvider struct{ t *transport }

type oneClickRequest struct {
	MerchantID string `json:"merchantId"`
	Payload    any    `json:"payload,omitempty"`
}

type oneClickResponse struct {
	Status       string          `json:"status"`
	ErrorCode    string          `json:"errorCode"`
	ErrorMessage string          `json:"errorMessage"`
	Data         json.RawMessage `json:"data"`
}

type oneClickPosition struct {
	Title    string  `json:"title"`
	Count    float64 `json:"count"`
	Price    float64 `json:"price"`
	Discount float64 `json:"discount"`
	TaxRate  float64 `json:"taxRate"`
	Amount   float64 `json:"amount"`
}

type oneClickDoc struct {
	ExternalID string             `json:"externalId"`
	Positions  []oneClickPosition `json:"positions"`
	Cash       float64            `json:"cash"`
	Card       float64            `json:"card"`
	Total      float64            `json:"total"`
}

func (p *oneClickProvider) Name() string { return OneClick }

func (p *oneClickProvider) Validate(cfg Config) error {
	return requireFields(OneClick, cfg, map[string]string{"merchant_id": cfg.MerchantID})
}

func (p *oneClickProvider) call(ctx context.Context, cfg Config, op string, payload, out any) (json.RawMessage, error) {
	var resp oneClickResponse
	req := oneClickRequest{MerchantID: cfg.MerchantID, Payload: payload}
	if _, err := p.t.postJSON(ctx, cfg.BaseURL()+"/oneclick/api/"+op, nil, req, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "ok" {
		return nil, vendorError(OneClick, resp.ErrorCode, resp.ErrorMessage)
	}
	if out != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return nil, apierror.Wrap(apierror.KindProtocol, err, "oneclick: malformed data")
		}
	}
	return resp.Data, nil
}

func (p *oneClickProvider) PrintSaleReceipt(ctx context.Context, cfg Config, r Receipt) (*ReceiptResult, error) {
	doc := oneClickDoc{
		ExternalID: r.Reference,
		Cash:       r.CashPaid().InexactFloat64(),
		Card:       r.CardPaid().InexactFloat64(),
		Total:      r.Total.InexactFloat64(),
	}
	for _, l := range r.Lines {
		doc.Positions = append(doc.Positions, oneClickPosition{
			Title:    printable(l.Name),
			Count:    l.Quantity.InexactFloat64(),
			Price:    l.UnitPrice.InexactFloat64(),
			Discount: l.Discount.InexactFloat64(),
			TaxRate:  l.TaxRate.InexactFloat64(),
			Amount:   l.Total.InexactFloat64(),
		})
	}
	var out struct {
		FiscalID  string `json:"fiscalId"`
		DocNumber string `json:"docNumber"`
	}
	raw, err := p.call(ctx, cfg, "sale", doc, &out)
	if err != nil {
		return nil, err
	}
	if out.DocNumber == "" {
		return nil, apierror.Protocol("oneclick: response carries no fiscal number")
	}
	return &ReceiptResult{FiscalNumber: out.DocNumber, FiscalDocumentID: out.FiscalID, Raw: raw}, nil
}

func (p *oneClickProvider) OpenShift(ctx context.Context, cfg Config) error {
	_, err := p.call(ctx, cfg, "shift/open", nil, nil)
	return err
}

func (p *oneClickProvider) CloseShift(ctx context.Context, cfg Config) (*ShiftSummary, error) {
	var out struct {
		ShiftNo  json.Number `json:"shiftNo"`
		DocCount int         `json:"docCount"`
		Turnover json.Number `json:"turnover"`
	}
	raw, err := p.call(ctx, cfg, "shift/close", nil, &out)
	if err != nil {
		return nil, err
	}
	return &ShiftSummary{ShiftNumber: out.ShiftNo.String(), ReceiptCount: out.DocCount, Total: decimalOf(out.Turnover), Raw: raw}, nil
}

func (p *oneClickProvider) GetShiftStatus(ctx context.Context, cfg Config) (*ShiftStatus, error) {
	var out struct {
		IsOpen   bool   `json:"isOpen"`
		OpenedAt string `json:"openedAt"`
	}
	if _, err := p.call(ctx, cfg, "shift/status", nil, &out); err != nil {
		return nil, err
	}
	opened, err := parseVendorTime(out.OpenedAt)
	if err != nil {
		return nil, err
	}
	return ShiftStatusFrom(out.IsOpen, opened, cfg.maxShift(), p.t.now()), nil
}

func (p *oneClickProvider) GetPeriodicReport(ctx context.Context, cfg Config, start, end time.Time) (*Report, error) {
	payload := map[string]string{"dateFrom": start.Format(time.RFC3339), "dateTo": end.Format(time.RFC3339)}
	raw, err := p.call(ctx, cfg, "report/period", payload, nil)
	if err != nil {
		return nil, err
	}
	return &Report{Start: start, End: end, Raw: raw}, nil
}

func (p *oneClickProvider) GetControlTape(ctx context.Context, cfg Config) (*ControlTape, error) {
	raw, err := p.call(ctx, cfg, "report/tape", nil, nil)
	if err != nil {
		return nil, err
	}
	return &ControlTape{Raw: raw}, nil
}
