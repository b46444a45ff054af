// Package fiscal implements the vendor fiscal-printer protocols behind one
// capability surface. Callers depend on Provider only; credential field
// mapping and wire formats stay inside each vendor implementation.
package fiscal

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"xpos/internal/apierror"

	"github.com/shopspring/decimal"
)

// Provider names as stored in FiscalConfig.Provider.
const (
	Caspos   = "caspos"
	Omnitech = "omnitech"
	NBA      = "nba"
	OneClick = "oneclick"
	AzSmart  = "azsmart"
	Datecs   = "datecs"
)

// Providers lists every supported vendor.
var Providers = []string{Caspos, Omnitech, NBA, OneClick, AzSmart, Datecs}

const defaultShiftMaxHours = 24

// Config is the wire-level view of a printer's connection and credentials.
type Config struct {
	ID             string
	Provider       string
	IPAddress      string
	Port           int
	OperatorCode   string
	Username       string
	Password       string
	SecurityKey    string
	MerchantID     string
	DefaultTaxRate decimal.Decimal
	ShiftMaxHours  int
	IsActive       bool
}

// BaseURL is the printer's HTTP root on the LAN.
func (c Config) BaseURL() string {
	return "http://" + net.JoinHostPort(c.IPAddress, strconv.Itoa(c.Port))
}

func (c Config) maxShift() time.Duration {
	h := c.ShiftMaxHours
	if h <= 0 {
		h = defaultShiftMaxHours
	}
	return time.Duration(h) * time.Hour
}

type ReceiptLine struct {
	Name      string
	Quantity  decimal.Decimal
	UnitPrice decimal.Decimal
	Discount  decimal.Decimal
	TaxRate   decimal.Decimal
	Total     decimal.Decimal
}

type Payment struct {
	Method string // cash | card | other
	Amount decimal.Decimal
}

// Receipt is the vendor-neutral sale handed to PrintSaleReceipt.
type Receipt struct {
	Reference string // sale number or local reference, printed on the document
	Lines     []ReceiptLine
	Payments  []Payment
	Subtotal  decimal.Decimal
	Discount  decimal.Decimal
	Tax       decimal.Decimal
	Total     decimal.Decimal
	SoldAt    time.Time
}

// CashPaid and CardPaid sum payments by method; everything not card is cash.
func (r Receipt) CashPaid() decimal.Decimal {
	sum := decimal.Zero
	for _, p := range r.Payments {
		if p.Method != "card" {
			sum = sum.Add(p.Amount)
		}
	}
	return sum
}

func (r Receipt) CardPaid() decimal.Decimal {
	sum := decimal.Zero
	for _, p := range r.Payments {
		if p.Method == "card" {
			sum = sum.Add(p.Amount)
		}
	}
	return sum
}

type ReceiptResult struct {
	FiscalNumber     string          `json:"fiscal_number"`
	FiscalDocumentID string          `json:"fiscal_document_id"`
	Raw              json.RawMessage `json:"raw,omitempty"`
}

type ShiftStatus struct {
	IsOpen        bool       `json:"is_open"`
	OpenedAt      *time.Time `json:"opened_at,omitempty"`
	DurationHours float64    `json:"duration_hours"`
	IsExpired     bool       `json:"is_expired"`
}

type ShiftSummary struct {
	ShiftNumber  string          `json:"shift_number,omitempty"`
	ReceiptCount int             `json:"receipt_count"`
	Total        decimal.Decimal `json:"total"`
	Raw          json.RawMessage `json:"raw,omitempty"`
}

type Report struct {
	Start time.Time       `json:"start"`
	End   time.Time       `json:"end"`
	Raw   json.RawMessage `json:"raw,omitempty"`
}

type ControlTape struct {
	Raw json.RawMessage `json:"raw,omitempty"`
}

// Provider is the capability surface every vendor implements. Each call is
// one bounded request/response against the printer; failures surface as
// *apierror.Error of kind connectivity, protocol or configuration.
type Provider interface {
	Name() string
	// Validate checks the vendor's own required credential subset.
	Validate(cfg Config) error
	PrintSaleReceipt(ctx context.Context, cfg Config, r Receipt) (*ReceiptResult, error)
	OpenShift(ctx context.Context, cfg Config) error
	CloseShift(ctx context.Context, cfg Config) (*ShiftSummary, error)
	GetShiftStatus(ctx context.Context, cfg Config) (*ShiftStatus, error)
	GetPeriodicReport(ctx context.Context, cfg Config, start, end time.Time) (*Report, error)
	GetControlTape(ctx context.Context, cfg Config) (*ControlTape, error)
}

// Option tweaks the shared transport of a provider.
type Option func(*transport)

func WithHTTPClient(c *http.Client) Option {
	return func(t *transport) { t.client = c }
}

func WithTimeout(d time.Duration) Option {
	return func(t *transport) { t.timeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(t *transport) { t.now = now }
}

// New returns the implementation registered for provider.
func New(provider string, opts ...Option) (Provider, error) {
	t := newTransport(opts...)
	switch strings.ToLower(provider) {
	case Caspos:
		return &casposProvider{t: t}, nil
	case Omnitech:
		return &omnitechProvider{t: t}, nil
	case NBA:
		return &nbaProvider{t: t}, nil
	case OneClick:
		return &oneClickProvider{t: t}, nil
	case AzSmart:
		return &azSmartProvider{t: t}, nil
	case Datecs:
		return &datecsProvider{t: t}, nil
	}
	return nil, apierror.Configuration(fmt.Sprintf("unsupported fiscal provider %q", provider))
}

// Prepare resolves the provider for cfg and checks it is usable: present,
// active and carrying the credentials its vendor needs. No network call is
// made when this fails.
func Prepare(cfg *Config, opts ...Option) (Provider, error) {
	if cfg == nil {
		return nil, apierror.Configuration("no fiscal configuration")
	}
	if !cfg.IsActive {
		return nil, apierror.Configuration("fiscal configuration is inactive")
	}
	p, err := New(cfg.Provider, opts...)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(*cfg); err != nil {
		return nil, err
	}
	return p, nil
}

// credentialFields names the credential fields each vendor reads.
var credentialFields = map[string][]string{
	Caspos:   {"username", "password"},
	Omnitech: {"username", "password"},
	NBA:      {"security_key"},
	OneClick: {"merchant_id"},
	AzSmart:  {"operator_code", "password"},
	Datecs:   {"operator_code", "password"},
}

// Redact blanks the credential fields cfg's vendor does not use, so a
// config handed to a terminal carries nothing beyond what it needs.
func Redact(cfg Config) Config {
	keep := map[string]bool{}
	for _, f := range credentialFields[strings.ToLower(cfg.Provider)] {
		keep[f] = true
	}
	if !keep["operator_code"] {
		cfg.OperatorCode = ""
	}
	if !keep["username"] {
		cfg.Username = ""
	}
	if !keep["password"] {
		cfg.Password = ""
	}
	if !keep["security_key"] {
		cfg.SecurityKey = ""
	}
	if !keep["merchant_id"] {
		cfg.MerchantID = ""
	}
	return cfg
}

// requireFields validates the address plus the named credential fields.
func requireFields(provider string, cfg Config, fields map[string]string) error {
	missing := map[string]string{}
	if cfg.IPAddress == "" {
		missing["ip_address"] = "required"
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		missing["port"] = "invalid"
	}
	for name, value := range fields {
		if strings.TrimSpace(value) == "" {
			missing[name] = "required"
		}
	}
	if len(missing) == 0 {
		return nil
	}
	e := apierror.Configuration(provider + ": incomplete fiscal configuration")
	e.Fields = missing
	return e
}

func decimalOf(n json.Number) decimal.Decimal {
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return decimal.Zero
	}
	return d
}

// minorUnits converts an amount to qəpik for vendors that count in integers.
func minorUnits(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

func decimalFromMinor(q int64) decimal.Decimal {
	return decimal.New(q, -2)
}
