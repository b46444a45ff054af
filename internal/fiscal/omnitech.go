package fiscal

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"xpos/internal/apierror"
)

// Omnitech requires a login exchanging username/password for an access
// token; every operation then carries the token in its body.
type omnitechProvider struct {
	t *transport

	mu     sync.Mutex
	tokens map[string]string // base URL + username -> access token
}

const omnitechTokenExpired = 401

type omnitechEnvelope struct {
	Code        int             `json:"code"`
	Message     string          `json:"message"`
	AccessToken string          `json:"access_token,omitempty"`
	Data        json.RawMessage `json:"data"`
}

type omnitechItem struct {
	ItemName       string  `json:"itemName"`
	ItemQuantity   float64 `json:"itemQuantity"`
	ItemPrice      float64 `json:"itemPrice"`
	ItemSum        float64 `json:"itemSum"`
	ItemVatPercent float64 `json:"itemVatPercent"`
	Discount       float64 `json:"discount"`
}

type omnitechSale struct {
	Reference   string         `json:"reference"`
	Items       []omnitechItem `json:"items"`
	CashSum     float64        `json:"cashSum"`
	CashlessSum float64        `json:"cashlessSum"`
	Sum         float64        `json:"sum"`
}

func (p *omnitechProvider) Name() string { return Omnitech }

func (p *omnitechProvider) Validate(cfg Config) error {
	return requireFields(Omnitech, cfg, map[string]string{
		"username": cfg.Username,
		"password": cfg.Password,
	})
}

func (p *omnitechProvider) tokenKey(cfg Config) string { return cfg.BaseURL() + "|" + cfg.Username }

func (p *omnitechProvider) login(ctx context.Context, cfg Config) (string, error) {
	p.mu.Lock()
	tok, ok := p.tokens[p.tokenKey(cfg)]
	p.mu.Unlock()
	if ok {
		return tok, nil
	}

	var resp omnitechEnvelope
	body := map[string]string{"username": cfg.Username, "password": cfg.Password}
	if _, err := p.t.postJSON(ctx, cfg.BaseURL()+"/v2/login", nil, body, &resp); err != nil {
		return "", err
	}
	if resp.Code != 0 || resp.AccessToken == "" {
		return "", vendorError(Omnitech, resp.Code, "login failed: "+resp.Message)
	}

	p.mu.Lock()
	if p.tokens == nil {
		p.tokens = map[string]string{}
	}
	p.tokens[p.tokenKey(cfg)] = resp.AccessToken
	p.mu.Unlock()
	return resp.AccessToken, nil
}

func (p *omnitechProvider) forget(cfg Config) {
	p.mu.Lock()
	delete(p.tokens, p.tokenKey(cfg))
	p.mu.Unlock()
}

// call runs op, logging in first and once more if the token has expired.
func (p *omnitechProvider) call(ctx context.Context, cfg Config, op string, params, out any) (json.RawMessage, error) {
	for attempt := 0; attempt < 2; attempt++ {
		tok, err := p.login(ctx, cfg)
		if err != nil {
			return nil, err
		}
		body := map[string]any{"access_token": tok, "operation": op}
		if params != nil {
			body["parameters"] = params
		}
		var resp omnitechEnvelope
		if _, err := p.t.postJSON(ctx, cfg.BaseURL()+"/v2", nil, body, &resp); err != nil {
			return nil, err
		}
		if resp.Code == omnitechTokenExpired && attempt == 0 {
			p.forget(cfg)
			continue
		}
		if resp.Code != 0 {
			return nil, vendorError(Omnitech, resp.Code, resp.Message)
		}
		if out != nil && len(resp.Data) > 0 {
			if err := json.Unmarshal(resp.Data, out); err != nil {
				return nil, apierror.Wrap(apierror.KindProtocol, err, "omnitech: malformed data")
			}
		}
		return resp.Data, nil
	}
	return nil, vendorError(Omnitech, omnitechTokenExpired, "access token rejected after re-login")
}

func (p *omnitechProvider) PrintSaleReceipt(ctx context.Context, cfg Config, r Receipt) (*ReceiptResult, error) {
	sale := omnitechSale{
		Reference:   r.Reference,
		CashSum:     r.CashPaid().InexactFloat64(),
		CashlessSum: r.CardPaid().InexactFloat64(),
		Sum:         r.Total.InexactFloat64(),
	}
	for _, l := range r.Lines {
		sale.Items = append(sale.Items, omnitechItem{
			ItemName:       printable(l.Name),
			ItemQuantity:   l.Quantity.InexactFloat64(),
			ItemPrice:      l.UnitPrice.InexactFloat64(),
			ItemSum:        l.Total.InexactFloat64(),
			ItemVatPercent: l.TaxRate.InexactFloat64(),
			Discount:       l.Discount.InexactFloat64(),
		})
	}
	var out struct {
		DocumentID      string `json:"document_id"`
		ShortDocumentID string `json:"short_document_id"`
	}
	raw, err := p.call(ctx, cfg, "sale", sale, &out)
	if err != nil {
		return nil, err
	}
	if out.ShortDocumentID == "" {
		return nil, apierror.Protocol("omnitech: response carries no fiscal number")
	}
	return &ReceiptResult{FiscalNumber: out.ShortDocumentID, FiscalDocumentID: out.DocumentID, Raw: raw}, nil
}

func (p *omnitechProvider) OpenShift(ctx context.Context, cfg Config) error {
	_, err := p.call(ctx, cfg, "openShift", nil, nil)
	return err
}

func (p *omnitechProvider) CloseShift(ctx context.Context, cfg Config) (*ShiftSummary, error) {
	var out struct {
		ShiftNumber  json.Number `json:"shift_number"`
		ReceiptCount int         `json:"receipt_count"`
		Total        json.Number `json:"total"`
	}
	raw, err := p.call(ctx, cfg, "closeShift", nil, &out)
	if err != nil {
		return nil, err
	}
	return &ShiftSummary{ShiftNumber: out.ShiftNumber.String(), ReceiptCount: out.ReceiptCount, Total: decimalOf(out.Total), Raw: raw}, nil
}

func (p *omnitechProvider) GetShiftStatus(ctx context.Context, cfg Config) (*ShiftStatus, error) {
	var out struct {
		ShiftOpen     bool   `json:"shift_open"`
		ShiftOpenTime string `json:"shift_open_time"`
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

func (p *omnitechProvider) GetPeriodicReport(ctx context.Context, cfg Config, start, end time.Time) (*Report, error) {
	params := map[string]string{"from": start.Format("2006-01-02 15:04:05"), "to": end.Format("2006-01-02 15:04:05")}
	raw, err := p.call(ctx, cfg, "periodicReport", params, nil)
	if err != nil {
		return nil, err
	}
	return &Report{Start: start, End: end, Raw: raw}, nil
}

func (p *omnitechProvider) GetControlTape(ctx context.Context, cfg Config) (*ControlTape, error) {
	raw, err := p.call(ctx, cfg, "controlTape", nil, nil)
	if err != nil {
		return nil, err
	}
	return &ControlTape{Raw: raw}, nil
}
