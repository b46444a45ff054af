package fiscal

import (
	"context"
	"encoding/json"
	"time"

	"xpos/internal/apierror"
)

// Caspos devices expose a single JSON endpoint; the operation travels in the
// body together with the username/password pair.
type casposProvider struct{ t *transport }

type casposRequest struct {
	Operation string `json:"operation"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	Data      any    `json:"data,omitempty"`
}

type casposResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type casposItem struct {
	Name       string  `json:"name"`
	Quantity   float64 `json:"quantity"`
	Price      float64 `json:"price"`
	Discount   float64 `json:"discount"`
	VatPercent float64 `json:"vatPercent"`
	Sum        float64 `json:"sum"`
}

type casposSale struct {
	DocumentType string       `json:"documentType"`
	Reference    string       `json:"reference"`
	Items        []casposItem `json:"items"`
	CashSum      float64      `json:"cashSum"`
	CashlessSum  float64      `json:"cashlessSum"`
	Sum          float64      `json:"sum"`
}

func (p *casposProvider) Name() string { return Caspos }

func (p *casposProvider) Validate(cfg Config) error {
	return requireFields(Caspos, cfg, map[string]string{
		"username": cfg.Username,
		"password": cfg.Password,
	})
}

func (p *casposProvider) call(ctx context.Context, cfg Config, op string, data, out any) (json.RawMessage, error) {
	req := casposRequest{Operation: op, Username: cfg.Username, Password: cfg.Password, Data: data}
	var resp casposResponse
	if _, err := p.t.postJSON(ctx, cfg.BaseURL()+"/api/v2", nil, req, &resp); err != nil {
		return nil, err
	}
	if resp.Code != 0 {
		return nil, vendorError(Caspos, resp.Code, resp.Message)
	}
	if out != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return nil, apierror.Wrap(apierror.KindProtocol, err, "caspos: malformed data")
		}
	}
	return resp.Data, nil
}

func (p *casposProvider) PrintSaleReceipt(ctx context.Context, cfg Config, r Receipt) (*ReceiptResult, error) {
	sale := casposSale{
		DocumentType: "sale",
		Reference:    r.Reference,
		CashSum:      r.CashPaid().InexactFloat64(),
		CashlessSum:  r.CardPaid().InexactFloat64(),
		Sum:          r.Total.InexactFloat64(),
	}
	for _, l := range r.Lines {
		sale.Items = append(sale.Items, casposItem{
			Name:       printable(l.Name),
			Quantity:   l.Quantity.InexactFloat64(),
			Price:      l.UnitPrice.InexactFloat64(),
			Discount:   l.Discount.InexactFloat64(),
			VatPercent: l.TaxRate.InexactFloat64(),
			Sum:        l.Total.InexactFloat64(),
		})
	}
	var out struct {
		DocumentID   string `json:"documentId"`
		FiscalNumber string `json:"fiscalNumber"`
	}
	raw, err := p.call(ctx, cfg, "createDocument", sale, &out)
	if err != nil {
		return nil, err
	}
	if out.FiscalNumber == "" {
		return nil, apierror.Protocol("caspos: response carries no fiscal number")
	}
	return &ReceiptResult{FiscalNumber: out.FiscalNumber, FiscalDocumentID: out.DocumentID, Raw: raw}, nil
}

func (p *casposProvider) OpenShift(ctx context.Context, cfg Config) error {
	_, err := p.call(ctx, cfg, "openShift", nil, nil)
	return err
}

func (p *casposProvider) CloseShift(ctx context.Context, cfg Config) (*ShiftSummary, error) {
	var out struct {
		ShiftNumber  json.Number `json:"shiftNumber"`
		ReceiptCount int         `json:"receiptCount"`
		TotalSum     json.Number `json:"totalSum"`
	}
	raw, err := p.call(ctx, cfg, "closeShift", nil, &out)
	if err != nil {
		return nil, err
	}
	return &ShiftSummary{ShiftNumber: out.ShiftNumber.String(), ReceiptCount: out.ReceiptCount, Total: decimalOf(out.TotalSum), Raw: raw}, nil
}

func (p *casposProvider) GetShiftStatus(ctx context.Context, cfg Config) (*ShiftStatus, error) {
	var out struct {
		ShiftOpen     bool   `json:"shiftOpen"`
		ShiftOpenTime string `json:"shiftOpenTime"`
	}
	if _, err := p.call(ctx, cfg, "getShiftStatus", nil, &out); err != nil {
		return nil, err
	}
	opened, err := parseVendorTime(out.ShiftOpenTime)
	if err != nil {
		return nil, err
	}
	return ShiftStatusFrom(out.ShiftOpen, opened, cfg.maxShift(), p.t.now()), nil
}

func (p *casposProvider) GetPeriodicReport(ctx context.Context, cfg Config, start, end time.Time) (*Report, error) {
	data := map[string]string{"from": start.Format("2006-01-02"), "to": end.Format("2006-01-02")}
	raw, err := p.call(ctx, cfg, "periodicReport", data, nil)
	if err != nil {
		return nil, err
	}
	return &Report{Start: start, End: end, Raw: raw}, nil
}

func (p *casposProvider) GetControlTape(ctx context.Context, cfg Config) (*ControlTape, error) {
	raw, err := p.call(ctx, cfg, "controlTape", nil, nil)
	if err != nil {
		return nil, err
	}
	return &ControlTape{Raw: raw}, nil
}
