// Package localfiscal drives a fiscal printer directly from the kiosk, using
// the printer config the sync engine cached from the server. Sales printed
// here carry their fiscal number up with the next push, so the server does
// not print them again.
package localfiscal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"xpos/internal/apierror"
	"xpos/internal/dto"
	"xpos/internal/fiscal"
	"xpos/internal/localstore"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Store is the part of the kiosk store the adapter uses.
type Store interface {
	FiscalConfig(ctx context.Context) (*dto.FiscalConfigResponse, error)
	ClaimLocalPrint(ctx context.Context, localID int64) (*localstore.QueuedSale, error)
	ReleaseLocalPrint(ctx context.Context, localID int64) error
	MarkFiscalizedLocally(ctx context.Context, localID int64, fiscalNumber, documentID string, at time.Time) error
}

// Adapter serializes printer access: a printer handles one document at a
// time.
type Adapter struct {
	store Store
	opts  []fiscal.Option
	now   func() time.Time

	mu sync.Mutex
}

func New(store Store, opts ...fiscal.Option) *Adapter {
	return &Adapter{store: store, opts: opts, now: time.Now}
}

// WithClock is for tests.
func (a *Adapter) WithClock(now func() time.Time) *Adapter {
	a.now = now
	return a
}

// provider loads the cached config and resolves its vendor. Nothing is
// sent to the printer when the config is missing, inactive or incomplete.
func (a *Adapter) provider(ctx context.Context) (fiscal.Provider, fiscal.Config, error) {
	resp, err := a.store.FiscalConfig(ctx)
	if errors.Is(err, localstore.ErrNotFound) {
		return nil, fiscal.Config{}, apierror.Configuration("no fiscal printer configured for this kiosk; sync first")
	}
	if err != nil {
		return nil, fiscal.Config{}, err
	}
	if resp.ServerMediated {
		return nil, fiscal.Config{}, apierror.Configuration("fiscal printer is server mediated; submit a fiscal job instead")
	}
	cfg := resp.ToFiscal()
	p, err := fiscal.Prepare(&cfg, a.opts...)
	if err != nil {
		return nil, fiscal.Config{}, err
	}
	return p, cfg, nil
}

// PrintSale prints the receipt of a queued sale and records the fiscal
// number against it. The sale is claimed before the printer is touched, so
// a concurrent push cannot upload it while the receipt is out. An expired
// shift fails with a shift-expired error; the operator closes the shift and
// prints again.
func (a *Adapter) PrintSale(ctx context.Context, localID int64) (*fiscal.ReceiptResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, cfg, err := a.provider(ctx)
	if err != nil {
		return nil, err
	}
	sale, err := a.store.ClaimLocalPrint(ctx, localID)
	if errors.Is(err, localstore.ErrNotFound) {
		return nil, apierror.NotFound(fmt.Sprintf("sale %d not found", localID))
	}
	if err != nil {
		return nil, err
	}
	logger := log.With().Int64("local_id", localID).Str("provider", cfg.Provider).Logger()

	if _, err := fiscal.EnsureShift(ctx, p, cfg); err != nil {
		a.release(logger, localID)
		return nil, err
	}
	res, err := p.PrintSaleReceipt(ctx, cfg, receiptFromQueued(sale))
	if err != nil {
		logger.Warn().Err(err).Msg("localfiscal: print failed")
		// A lost answer may still have issued the document; the claim then
		// holds the sale until PrintClaimTTL.
		if apierror.KindOf(err) != apierror.KindConnectivity {
			a.release(logger, localID)
		}
		return nil, err
	}
	// The receipt is out of the printer; losing the record now would print
	// it twice, so the write is not cancellable.
	if err := a.store.MarkFiscalizedLocally(context.WithoutCancel(ctx), localID, res.FiscalNumber, res.FiscalDocumentID, a.now()); err != nil {
		logger.Error().Err(err).Str("fiscal_number", res.FiscalNumber).Msg("localfiscal: printed but not recorded")
		return res, err
	}
	logger.Info().Str("fiscal_number", res.FiscalNumber).Msg("localfiscal: receipt printed")
	return res, nil
}

func (a *Adapter) release(logger zerolog.Logger, localID int64) {
	if err := a.store.ReleaseLocalPrint(context.Background(), localID); err != nil {
		logger.Error().Err(err).Msg("localfiscal: print claim not released")
	}
}

func (a *Adapter) OpenShift(ctx context.Context) (*fiscal.ShiftStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, cfg, err := a.provider(ctx)
	if err != nil {
		return nil, err
	}
	st, err := p.GetShiftStatus(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if st.IsOpen {
		return st, nil
	}
	if err := p.OpenShift(ctx, cfg); err != nil {
		return nil, err
	}
	return p.GetShiftStatus(ctx, cfg)
}

func (a *Adapter) CloseShift(ctx context.Context) (*fiscal.ShiftSummary, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, cfg, err := a.provider(ctx)
	if err != nil {
		return nil, err
	}
	return p.CloseShift(ctx, cfg)
}

func (a *Adapter) ShiftStatus(ctx context.Context) (*fiscal.ShiftStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, cfg, err := a.provider(ctx)
	if err != nil {
		return nil, err
	}
	return p.GetShiftStatus(ctx, cfg)
}

func (a *Adapter) PeriodicReport(ctx context.Context, start, end time.Time) (*fiscal.Report, error) {
	if end.Before(start) {
		return nil, apierror.Validation("report end is before start", map[string]string{"end": "after start"})
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	p, cfg, err := a.provider(ctx)
	if err != nil {
		return nil, err
	}
	return p.GetPeriodicReport(ctx, cfg, start, end)
}

func (a *Adapter) ControlTape(ctx context.Context) (*fiscal.ControlTape, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, cfg, err := a.provider(ctx)
	if err != nil {
		return nil, err
	}
	return p.GetControlTape(ctx, cfg)
}

// receiptFromQueued uses the local id as reference; the server number is
// not known before the push.
func receiptFromQueued(s *localstore.QueuedSale) fiscal.Receipt {
	r := fiscal.Receipt{
		Reference: fmt.Sprintf("L%08d", s.LocalID),
		Subtotal:  s.Subtotal,
		Discount:  s.DiscountAmount,
		Tax:       s.TaxAmount,
		Total:     s.Total,
		SoldAt:    s.SoldAt,
	}
	for _, it := range s.Items {
		r.Lines = append(r.Lines, fiscal.ReceiptLine{
			Name:      it.Name,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
			Discount:  it.DiscountAmount,
			TaxRate:   it.TaxRate,
			Total:     it.Total,
		})
	}
	for _, p := range s.Payments {
		r.Payments = append(r.Payments, fiscal.Payment{Method: p.Method, Amount: p.Amount})
	}
	return r
}
