package fiscal

import (
	"context"
	"encoding/json"
	"time"

	"xpos/internal/apierror"
)

// AzSmart authenticates each command with the cashier's operator code and
// PIN (stored as the config password) and counts money in qəpik.
type azSmartProvider struct{ t *transport }

type azSmartOperator struct {
	Code string `json:"code"`
	Pin  string `json:"pin"`
}

type azSmartCommand struct {
	Operator azSmartOperator `json:"operator"`
	Command  string          `json:"command"`
	Payload  any             `json:"payload,omitempty"`
}

type azSmartResponse struct {
	Result    int             `json:"result"`
	ErrorText string          `json:"error_text"`
	Data      json.RawMessage `json:"data"`
}

type azSmartGood struct {
	Name     string `json:"name"`
	Qty      int64  `json:"qty"` // thousandths
	Price    int64  `json:"price"`
	Discount int64  `json:"discount"`
	VatRate  int64  `json:"vat_rate"` // hundredths of a percent
	Sum      int64  `json:"sum"`
}

type azSmartCheck struct {
	Reference string        `json:"reference"`
	Goods     []azSmartGood `json:"goods"`
	Cash      int64         `json:"cash"`
	Cashless  int64         `json:"cashless"`
	Total     int64         `json:"total"`
}

func (p *azSmartProvider) Name() string { return AzSmart }

func (p *azSmartProvider) Validate(cfg Config) error {
	return requireFields(AzSmart, cfg, map[string]string{
		"operator_code": cfg.OperatorCode,
		"password":      cfg.Password,
	})
}

func (p *azSmartProvider) call(ctx context.Context, cfg Config, command string, payload, out any) (json.RawMessage, error) {
	req := azSmartCommand{
		Operator: azSmartOperator{Code: cfg.OperatorCode, Pin: cfg.Password},
		Command:  command,
		Payload:  payload,
	}
	var resp azSmartResponse
	if _, err := p.t.postJSON(ctx, cfg.BaseURL()+"/azsmart/command", nil, req, &resp); err != nil {
		return nil, err
	}
	if resp.Result != 0 {
		return nil, vendorError(AzSmart, resp.Result, resp.ErrorText)
	}
	if out != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return nil, apierror.Wrap(apierror.KindProtocol, err, "azsmart: malformed data")
		}
	}
	return resp.Data, nil
}

func (p *azSmartProvider) PrintSaleReceipt(ctx context.Context, cfg Config, r Receipt) (*ReceiptResult, error) {
	check := azSmartCheck{
		Reference: r.Reference,
		Cash:      minorUnits(r.CashPaid()),
		Cashless:  minorUnits(r.CardPaid()),
		Total:     minorUnits(r.Total),
	}
	for _, l := range r.Lines {
		check.Goods = append(check.Goods, azSmartGood{
			Name:     printable(l.Name),
			Qty:      l.Quantity.Shift(3).Round(0).IntPart(),
			Price:    minorUnits(l.UnitPrice),
			Discount: minorUnits(l.Discount),
			VatRate:  minorUnits(l.TaxRate),
			Sum:      minorUnits(l.Total),
		})
	}
	var out struct {
		FiscalSign string `json:"fiscal_sign"`
		DocID      string `json:"doc_id"`
	}
	raw, err := p.call(ctx, cfg, "PRINT_CHECK", check, &out)
	if err != nil {
		return nil, err
	}
	if out.FiscalSign == "" {
		return nil, apierror.Protocol("azsmart: response carries no fiscal sign")
	}
	return &ReceiptResult{FiscalNumber: out.FiscalSign, FiscalDocumentID: out.DocID, Raw: raw}, nil
}

func (p *azSmartProvider) OpenShift(ctx context.Context, cfg Config) error {
	_, err := p.call(ctx, cfg, "OPEN_SHIFT", nil, nil)
	return err
}

func (p *azSmartProvider) CloseShift(ctx context.Context, cfg Config) (*ShiftSummary, error) {
	var out struct {
		ShiftNo    json.Number `json:"shift_no"`
		CheckCount int         `json:"check_count"`
		TotalQ     int64       `json:"total"`
	}
	raw, err := p.call(ctx, cfg, "CLOSE_SHIFT", nil, &out)
	if err != nil {
		return nil, err
	}
	return &ShiftSummary{
		ShiftNumber:  out.ShiftNo.String(),
		ReceiptCount: out.CheckCount,
		Total:        decimalFromMinor(out.TotalQ),
		Raw:          raw,
	}, nil
}

func (p *azSmartProvider) GetShiftStatus(ctx context.Context, cfg Config) (*ShiftStatus, error) {
	var out struct {
		Opened   bool   `json:"opened"`
		OpenTime string `json:"open_time"`
	}
	if _, err := p.call(ctx, cfg, "SHIFT_STATUS", nil, &out); err != nil {
		return nil, err
	}
	opened, err := parseVendorTime(out.OpenTime)
	if err != nil {
		return nil, err
	}
	return ShiftStatusFrom(out.Opened, opened, cfg.maxShift(), p.t.now()), nil
}

func (p *azSmartProvider) GetPeriodicReport(ctx context.Context, cfg Config, start, end time.Time) (*Report, error) {
	payload := map[string]string{"from": start.Format("02.01.2006"), "to": end.Format("02.01.2006")}
	raw, err := p.call(ctx, cfg, "PERIODIC_REPORT", payload, nil)
	if err != nil {
		return nil, err
	}
	return &Report{Start: start, End: end, Raw: raw}, nil
}

func (p *azSmartProvider) GetControlTape(ctx context.Context, cfg Config) (*ControlTape, error) {
	raw, err := p.call(ctx, cfg, "CONTROL_TAPE", nil, nil)
	if err != nil {
		return nil, err
	}
	return &ControlTape{Raw: raw}, nil
}
