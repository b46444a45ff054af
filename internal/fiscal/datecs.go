package fiscal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"xpos/internal/apierror"

	"github.com/shopspring/decimal"
)

// Datecs devices take numbered command lines over an HTTP bridge, one
// command per line, in windows-1251. Every command answers one line:
// "OK[,fields...]" or "ERR,<code>,<message>".
type datecsProvider struct{ t *transport }

const (
	datecsOpenReceipt  = 48
	datecsSale         = 49
	datecsTotal        = 53
	datecsCloseReceipt = 56
	datecsOpenShift    = 61
	datecsZReport      = 69
	datecsShiftStatus  = 90
	datecsPeriodReport = 94
	datecsControlTape  = 119
)

func (p *datecsProvider) Name() string { return Datecs }

func (p *datecsProvider) Validate(cfg Config) error {
	if err := requireFields(Datecs, cfg, map[string]string{
		"operator_code": cfg.OperatorCode,
		"password":      cfg.Password,
	}); err != nil {
		return err
	}
	if _, err := strconv.Atoi(cfg.OperatorCode); err != nil {
		e := apierror.Configuration("datecs: operator code must be numeric")
		e.Fields = map[string]string{"operator_code": "numeric"}
		return e
	}
	return nil
}

// taxGroup maps a VAT rate onto the printer's programmed groups.
func taxGroup(rate decimal.Decimal) string {
	switch {
	case rate.Equal(decimal.NewFromInt(18)):
		return "A"
	case rate.IsZero():
		return "B"
	default:
		return "C"
	}
}

func datecsLine(code int, args ...string) string {
	if len(args) == 0 {
		return strconv.Itoa(code)
	}
	return strconv.Itoa(code) + "," + strings.Join(args, ",")
}

// receiptFrame builds the full command batch for one sale.
func (p *datecsProvider) receiptFrame(cfg Config, r Receipt) string {
	lines := []string{datecsLine(datecsOpenReceipt, cfg.OperatorCode, cfg.Password, "1")}
	for _, l := range r.Lines {
		item := fmt.Sprintf("%s\t%s%s*%s", printable(l.Name), taxGroup(l.TaxRate), l.UnitPrice.StringFixed(2), l.Quantity.StringFixed(3))
		if l.Discount.IsPositive() {
			item += ";-" + l.Discount.StringFixed(2)
		}
		lines = append(lines, datecsLine(datecsSale, item))
	}
	if cash := r.CashPaid(); cash.IsPositive() {
		lines = append(lines, datecsLine(datecsTotal, "\tP"+cash.StringFixed(2)))
	}
	if card := r.CardPaid(); card.IsPositive() {
		lines = append(lines, datecsLine(datecsTotal, "\tD"+card.StringFixed(2)))
	}
	lines = append(lines, datecsLine(datecsCloseReceipt))
	return strings.Join(lines, "\n") + "\n"
}

// exec sends a command batch and returns the fields of each answer line.
func (p *datecsProvider) exec(ctx context.Context, cfg Config, frame string) ([][]string, string, error) {
	body, err := encodeCP1251(frame)
	if err != nil {
		return nil, "", apierror.Wrap(apierror.KindValidation, err, "datecs: encode command")
	}
	raw, err := p.t.do(ctx, http.MethodPost, cfg.BaseURL()+"/cmd", nil, "text/plain; charset=windows-1251", body)
	if err != nil {
		return nil, "", err
	}
	text, err := decodeCP1251(raw)
	if err != nil {
		return nil, "", apierror.Wrap(apierror.KindProtocol, err, "datecs: decode response")
	}
	var answers [][]string
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		fields := strings.Split(strings.TrimSpace(line), ",")
		switch fields[0] {
		case "OK":
			answers = append(answers, fields[1:])
		case "ERR":
			code, msg := "?", ""
			if len(fields) > 1 {
				code = fields[1]
			}
			if len(fields) > 2 {
				msg = strings.Join(fields[2:], ",")
			}
			return nil, text, vendorError(Datecs, code, msg)
		default:
			return nil, text, apierror.Protocol(fmt.Sprintf("datecs: unexpected answer %q", excerpt([]byte(line))))
		}
	}
	if len(answers) != strings.Count(strings.TrimRight(frame, "\n"), "\n")+1 {
		return nil, text, apierror.Protocol("datecs: answer count does not match command count")
	}
	return answers, text, nil
}

// rawText keeps the printer's answer as a JSON string for result payloads.
func rawText(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func (p *datecsProvider) PrintSaleReceipt(ctx context.Context, cfg Config, r Receipt) (*ReceiptResult, error) {
	answers, text, err := p.exec(ctx, cfg, p.receiptFrame(cfg, r))
	if err != nil {
		return nil, err
	}
	closing := answers[len(answers)-1]
	if len(closing) < 2 || closing[1] == "" {
		return nil, apierror.Protocol("datecs: close receipt returned no fiscal number")
	}
	return &ReceiptResult{FiscalNumber: closing[1], FiscalDocumentID: closing[0], Raw: rawText(text)}, nil
}

func (p *datecsProvider) OpenShift(ctx context.Context, cfg Config) error {
	_, _, err := p.exec(ctx, cfg, datecsLine(datecsOpenShift, cfg.OperatorCode, cfg.Password)+"\n")
	return err
}

func (p *datecsProvider) CloseShift(ctx context.Context, cfg Config) (*ShiftSummary, error) {
	answers, text, err := p.exec(ctx, cfg, datecsLine(datecsZReport, "0")+"\n")
	if err != nil {
		return nil, err
	}
	f := answers[0]
	sum := &ShiftSummary{Raw: rawText(text)}
	if len(f) > 0 {
		sum.ShiftNumber = f[0]
	}
	if len(f) > 1 {
		sum.ReceiptCount, _ = strconv.Atoi(f[1])
	}
	if len(f) > 2 {
		sum.Total, _ = decimal.NewFromString(f[2])
	}
	return sum, nil
}

func (p *datecsProvider) GetShiftStatus(ctx context.Context, cfg Config) (*ShiftStatus, error) {
	answers, _, err := p.exec(ctx, cfg, datecsLine(datecsShiftStatus)+"\n")
	if err != nil {
		return nil, err
	}
	f := answers[0]
	if len(f) < 1 {
		return nil, apierror.Protocol("datecs: empty shift status")
	}
	open := f[0] == "1"
	var opened *time.Time
	if open && len(f) > 1 {
		if opened, err = parseVendorTime(f[1]); err != nil {
			return nil, err
		}
	}
	return ShiftStatusFrom(open, opened, cfg.maxShift(), p.t.now()), nil
}

func (p *datecsProvider) GetPeriodicReport(ctx context.Context, cfg Config, start, end time.Time) (*Report, error) {
	_, text, err := p.exec(ctx, cfg, datecsLine(datecsPeriodReport, start.Format("020106"), end.Format("020106"))+"\n")
	if err != nil {
		return nil, err
	}
	return &Report{Start: start, End: end, Raw: rawText(text)}, nil
}

func (p *datecsProvider) GetControlTape(ctx context.Context, cfg Config) (*ControlTape, error) {
	_, text, err := p.exec(ctx, cfg, datecsLine(datecsControlTape)+"\n")
	if err != nil {
		return nil, err
	}
	return &ControlTape{Raw: rawText(text)}, nil
}
