package fiscal

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"xpos/internal/apierror"
)

// NBA devices use REST-style paths and authenticate with a static security
// key header. Amounts travel as fixed two-decimal strings.
type nbaProvider struct{ t *transport }

const nbaKeyHeader = "X-Security-Key"

type nbaEnvelope struct {
	Success bool `json:"success"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Result json.RawMessage `json:"result"`
}

type nbaLine struct {
	Name     string `json:"name"`
	Qty      string `json:"qty"`
	Price    string `json:"price"`
	Discount string `json:"discount"`
	Vat      string `json:"vat"`
	Total    string `json:"total"`
}

type nbaReceipt struct {
	Reference string    `json:"reference"`
	Lines     []nbaLine `json:"lines"`
	Payments  struct {
		Cash string `json:"cash"`
		Card string `json:"card"`
	} `json:"payments"`
	Total string `json:"total"`
}

func (p *nbaProvider) Name() string { return NBA }

func (p *nbaProvider) Validate(cfg Config) error {
	return requireFields(NBA, cfg, map[string]string{"security_key": cfg.SecurityKey})
}

func (p *nbaProvider) headers(cfg Config) map[string]string {
	return map[string]string{nbaKeyHeader: cfg.SecurityKey}
}

func (p *nbaProvider) unwrap(raw json.RawMessage, out any) (json.RawMessage, error) {
	var env nbaEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, apierror.Wrap(apierror.KindProtocol, err, "nba: malformed response")
	}
	if !env.Success {
		code, msg := "unknown", "request rejected"
		if env.Error != nil {
			code, msg = env.Error.Code, env.Error.Message
		}
		return nil, vendorError(NBA, code, msg)
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return nil, apierror.Wrap(apierror.KindProtocol, err, "nba: malformed result")
		}
	}
	return env.Result, nil
}

func (p *nbaProvider) post(ctx context.Context, cfg Config, path string, body, out any) (json.RawMessage, error) {
	raw, err := p.t.postJSON(ctx, cfg.BaseURL()+path, p.headers(cfg), body, nil)
	if err != nil {
		return nil, err
	}
	return p.unwrap(raw, out)
}

func (p *nbaProvider) get(ctx context.Context, cfg Config, path string, out any) (json.RawMessage, error) {
	raw, err := p.t.getJSON(ctx, cfg.BaseURL()+path, p.headers(cfg), nil)
	if err != nil {
		return nil, err
	}
	return p.unwrap(raw, out)
}

func (p *nbaProvider) PrintSaleReceipt(ctx context.Context, cfg Config, r Receipt) (*ReceiptResult, error) {
	body := nbaReceipt{Reference: r.Reference, Total: r.Total.StringFixed(2)}
	body.Payments.Cash = r.CashPaid().StringFixed(2)
	body.Payments.Card = r.CardPaid().StringFixed(2)
	for _, l := range r.Lines {
		body.Lines = append(body.Lines, nbaLine{
			Name:     printable(l.Name),
			Qty:      l.Quantity.StringFixed(3),
			Price:    l.UnitPrice.StringFixed(2),
			Discount: l.Discount.StringFixed(2),
			Vat:      l.TaxRate.StringFixed(2),
			Total:    l.Total.StringFixed(2),
		})
	}
	var out struct {
		FiscalNumber string `json:"fiscalNumber"`
		DocumentID   string `json:"documentId"`
	}
	raw, err := p.post(ctx, cfg, "/api/fiscal/receipt", body, &out)
	if err != nil {
		return nil, err
	}
	if out.FiscalNumber == "" {
		return nil, apierror.Protocol("nba: response carries no fiscal number")
	}
	return &ReceiptResult{FiscalNumber: out.FiscalNumber, FiscalDocumentID: out.DocumentID, Raw: raw}, nil
}

func (p *nbaProvider) OpenShift(ctx context.Context, cfg Config) error {
	_, err := p.post(ctx, cfg, "/api/fiscal/shift/open", struct{}{}, nil)
	return err
}

func (p *nbaProvider) CloseShift(ctx context.Context, cfg Config) (*ShiftSummary, error) {
	var out struct {
		Number   json.Number `json:"number"`
		Receipts int         `json:"receipts"`
		Total    json.Number `json:"total"`
	}
	raw, err := p.post(ctx, cfg, "/api/fiscal/shift/close", struct{}{}, &out)
	if err != nil {
		return nil, err
	}
	return &ShiftSummary{ShiftNumber: out.Number.String(), ReceiptCount: out.Receipts, Total: decimalOf(out.Total), Raw: raw}, nil
}

func (p *nbaProvider) GetShiftStatus(ctx context.Context, cfg Config) (*ShiftStatus, error) {
	var out struct {
		Open     bool   `json:"open"`
		OpenedAt string `json:"openedAt"`
	}
	if _, err := p.get(ctx, cfg, "/api/fiscal/shift", &out); err != nil {
		return nil, err
	}
	opened, err := parseVendorTime(out.OpenedAt)
	if err != nil {
		return nil, err
	}
	return ShiftStatusFrom(out.Open, opened, cfg.maxShift(), p.t.now()), nil
}

func (p *nbaProvider) GetPeriodicReport(ctx context.Context, cfg Config, start, end time.Time) (*Report, error) {
	q := url.Values{}
	q.Set("from", start.Format("2006-01-02"))
	q.Set("to", end.Format("2006-01-02"))
	raw, err := p.get(ctx, cfg, "/api/fiscal/report?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return &Report{Start: start, End: end, Raw: raw}, nil
}

func (p *nbaProvider) GetControlTape(ctx context.Context, cfg Config) (*ControlTape, error) {
	raw, err := p.get(ctx, cfg, "/api/fiscal/tape", nil)
	if err != nil {
		return nil, err
	}
	return &ControlTape{Raw: raw}, nil
}
