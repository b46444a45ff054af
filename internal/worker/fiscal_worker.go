package worker

// fiscal_worker.go
// Runs claimed fiscal jobs against the lane's printer. One call of
// ProcessNext handles one job end to end:
//  1. claim the lane's oldest due pending job
//  2. idempotency: a completed job with the same key is copied, not reprinted
//  3. load the active FiscalConfig and resolve its provider
//  4. sale receipts: make sure a valid shift is open
//  5. call the printer under the printer timeout, through the lane's breaker
//  6. record the outcome on the job and, for receipts, on the sale
//  7. receipts: PDF copy and optional email

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"xpos/internal/apierror"
	"xpos/internal/fiscal"
	"xpos/internal/infra"
	"xpos/internal/model"
	"xpos/internal/repository"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultPrinterTimeout = 20 * time.Second
	defaultRetryBase      = 10 * time.Second
	defaultRetryCap       = 10 * time.Minute
	persistTimeout        = 10 * time.Second
	persistAttempts       = 3
)

// ProviderFactory resolves a ready-to-use provider for cfg, failing with a
// configuration error when cfg is unusable.
type ProviderFactory func(cfg fiscal.Config) (fiscal.Provider, error)

// FiscalWorkerConfig holds all dependencies of the fiscal worker.
type FiscalWorkerConfig struct {
	Jobs       repository.FiscalJobRepository
	Sales      repository.SaleRepository
	Configs    repository.FiscalConfigRepository
	Providers  ProviderFactory
	Breakers   *infra.BreakerSet
	Dispatcher *Dispatcher // email jobs; nil disables them
	DLQ        Queue       // nil disables the DLQ feed

	PrinterTimeout time.Duration
	RetryBase      time.Duration
	RetryCap       time.Duration

	PDFPath      string // empty disables receipt copies
	BusinessName string

	Now func() time.Time
}

type FiscalWorker struct {
	cfg FiscalWorkerConfig
}

func NewFiscalWorker(cfg FiscalWorkerConfig) *FiscalWorker {
	if cfg.PrinterTimeout <= 0 {
		cfg.PrinterTimeout = defaultPrinterTimeout
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = defaultRetryCap
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Breakers == nil {
		cfg.Breakers = infra.NewBreakerSet(infra.DefaultBreakerConfig())
	}
	if cfg.Providers == nil {
		timeout := cfg.PrinterTimeout
		cfg.Providers = func(c fiscal.Config) (fiscal.Provider, error) {
			return fiscal.Prepare(&c, fiscal.WithTimeout(timeout))
		}
	}
	return &FiscalWorker{cfg: cfg}
}

// ProcessNext claims and runs the lane's next job. It reports false when
// there was nothing to claim.
func (w *FiscalWorker) ProcessNext(ctx context.Context, lane repository.LaneRef) (bool, error) {
	job, err := w.cfg.Jobs.ClaimNext(ctx, lane, w.cfg.Now())
	if err != nil {
		return false, fmt.Errorf("claim next job: %w", err)
	}
	if job == nil {
		return false, nil
	}
	w.process(ctx, job)
	return true, nil
}

func (w *FiscalWorker) process(ctx context.Context, job *model.FiscalJob) {
	lane := repository.LaneRef{AccountID: job.AccountID, FiscalConfigID: job.FiscalConfigID}
	logger := log.With().
		Str("job_id", job.ID.String()).
		Str("lane", LaneKey(lane)).
		Str("provider", job.Provider).
		Str("operation", job.OperationType).
		Logger()
	logger.Info().Int("retry_count", job.RetryCount).Msg("fiscal_worker: job claimed")

	if job.IdempotencyKey != nil {
		prior, err := w.cfg.Jobs.FindCompletedByKey(ctx, *job.IdempotencyKey, job.ID)
		switch {
		case err == nil:
			var res model.FiscalResult
			if err := json.Unmarshal(prior.ResultPayload, &res); err != nil {
				w.fail(ctx, job, apierror.Wrap(apierror.KindProtocol, err, "decode result of job "+prior.ID.String()), logger)
				return
			}
			if job.OperationType == model.OpSaleReceipt && res.FiscalNumber == "" {
				w.fail(ctx, job, apierror.Protocol("job "+prior.ID.String()+" completed without a fiscal number"), logger)
				return
			}
			logger.Info().Str("prior_job_id", prior.ID.String()).Msg("fiscal_worker: already fiscalized, copying result")
			w.complete(ctx, job, nil, &res, logger)
			return
		case !repository.IsNotFound(err):
			w.fail(ctx, job, apierror.Wrap(apierror.KindConnectivity, err, "idempotency lookup"), logger)
			return
		}
	}

	row, err := w.cfg.Configs.FindByID(ctx, job.FiscalConfigID)
	if err != nil {
		if repository.IsNotFound(err) {
			w.fail(ctx, job, apierror.Configuration("fiscal configuration no longer exists"), logger)
		} else {
			w.fail(ctx, job, apierror.Wrap(apierror.KindConnectivity, err, "load fiscal configuration"), logger)
		}
		return
	}
	if row.AccountID != job.AccountID {
		w.fail(ctx, job, apierror.Configuration("fiscal configuration belongs to another account"), logger)
		return
	}
	cfg := row.ToFiscal()
	provider, err := w.cfg.Providers(cfg)
	if err != nil {
		w.fail(ctx, job, err, logger)
		return
	}

	var sale *model.Sale
	if job.OperationType == model.OpSaleReceipt {
		if job.SaleID == nil {
			w.fail(ctx, job, apierror.Validation("sale receipt job without sale", nil), logger)
			return
		}
		sale, err = w.cfg.Sales.FindByID(ctx, *job.SaleID)
		if err != nil {
			if repository.IsNotFound(err) {
				w.fail(ctx, job, apierror.Validation(fmt.Sprintf("sale %d not found", *job.SaleID), nil), logger)
			} else {
				w.fail(ctx, job, apierror.Wrap(apierror.KindConnectivity, err, "load sale"), logger)
			}
			return
		}
	}

	// The printer call outlives a shutdown signal; it is bounded by its own timeout.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.PrinterTimeout)
	defer cancel()

	var result *model.FiscalResult
	err = w.cfg.Breakers.Get(LaneKey(lane)).Execute(func() error {
		var err error
		result, err = w.dispatch(callCtx, provider, cfg, job, sale)
		return err
	})
	if errors.Is(err, infra.ErrBreakerOpen) {
		err = apierror.Connectivity(err, "printer unavailable")
	}
	if err != nil {
		w.fail(ctx, job, err, logger)
		return
	}
	w.complete(ctx, job, sale, result, logger)
}

func (w *FiscalWorker) dispatch(ctx context.Context, p fiscal.Provider, cfg fiscal.Config, job *model.FiscalJob, sale *model.Sale) (*model.FiscalResult, error) {
	switch job.OperationType {
	case model.OpSaleReceipt:
		if _, err := fiscal.EnsureShift(ctx, p, cfg); err != nil {
			return nil, err
		}
		res, err := p.PrintSaleReceipt(ctx, cfg, receiptFromSale(sale))
		if err != nil {
			return nil, err
		}
		if res.FiscalNumber == "" {
			return nil, apierror.Protocol("printer returned no fiscal number")
		}
		return &model.FiscalResult{
			FiscalNumber:     res.FiscalNumber,
			FiscalDocumentID: res.FiscalDocumentID,
			ResponseData:     rawData(res.Raw),
		}, nil

	case model.OpShiftOpen:
		if err := p.OpenShift(ctx, cfg); err != nil {
			return nil, err
		}
		st, err := p.GetShiftStatus(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &model.FiscalResult{ResponseData: asData(st)}, nil

	case model.OpShiftClose:
		sum, err := p.CloseShift(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &model.FiscalResult{FiscalDocumentID: sum.ShiftNumber, ResponseData: asData(sum)}, nil

	case model.OpPeriodicReport:
		var req model.FiscalRequest
		if len(job.RequestPayload) > 0 {
			if err := json.Unmarshal(job.RequestPayload, &req); err != nil {
				return nil, apierror.Validation("malformed report request", nil)
			}
		}
		if req.StartDate == nil || req.EndDate == nil {
			return nil, apierror.Validation("periodic report needs start_date and end_date", nil)
		}
		rep, err := p.GetPeriodicReport(ctx, cfg, *req.StartDate, *req.EndDate)
		if err != nil {
			return nil, err
		}
		return &model.FiscalResult{ResponseData: asData(rep)}, nil

	case model.OpControlTape:
		tape, err := p.GetControlTape(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &model.FiscalResult{ResponseData: asData(tape)}, nil
	}
	return nil, apierror.Validation(fmt.Sprintf("unknown operation %q", job.OperationType), nil)
}

func (w *FiscalWorker) complete(ctx context.Context, job *model.FiscalJob, sale *model.Sale, res *model.FiscalResult, logger zerolog.Logger) {
	now := w.cfg.Now()
	job.Status = model.JobCompleted
	job.CompletedAt = &now
	job.NextRetryAt = nil
	job.LastError = nil
	job.ErrorKind = nil
	job.ResultPayload = marshalJSON(res)

	err := w.persist(ctx, func(ctx context.Context, tx *gorm.DB) error {
		if err := w.cfg.Jobs.Update(ctx, tx, job); err != nil {
			return err
		}
		if job.OperationType != model.OpSaleReceipt || job.SaleID == nil {
			return nil
		}
		return w.cfg.Sales.UpdateFiscal(ctx, tx, *job.SaleID, repository.FiscalUpdate{
			Status:           model.FiscalCompleted,
			JobID:            &job.ID,
			FiscalNumber:     nonEmpty(res.FiscalNumber),
			FiscalDocumentID: nonEmpty(res.FiscalDocumentID),
			FiscalizedAt:     &now,
		})
	})
	if err != nil {
		// The sweeper fails the stuck processing row; the sales delta repairs the sale.
		logger.Error().Err(err).Msg("fiscal_worker: failed to record completion")
		return
	}
	logger.Info().Str("fiscal_number", res.FiscalNumber).Msg("fiscal_worker: job completed")

	if sale != nil {
		sale.FiscalStatus = model.FiscalCompleted
		sale.FiscalNumber = nonEmpty(res.FiscalNumber)
		sale.FiscalDocumentID = nonEmpty(res.FiscalDocumentID)
		sale.FiscalizedAt = &now
		w.afterReceipt(ctx, sale, logger)
	}
}

// FailStale records a processing job abandoned by a crashed or hung worker.
func (w *FiscalWorker) FailStale(ctx context.Context, job *model.FiscalJob) {
	logger := log.With().Str("job_id", job.ID.String()).Str("provider", job.Provider).Logger()
	w.fail(ctx, job, apierror.Connectivity(nil, "processing timed out"), logger)
}

func (w *FiscalWorker) fail(ctx context.Context, job *model.FiscalJob, cause error, logger zerolog.Logger) {
	now := w.cfg.Now()
	job.RetryCount++
	job.Status = model.JobFailed
	kind := apierror.KindOf(cause)
	msg := cause.Error()
	retryable := apierror.IsRetryable(cause)

	if retryable && job.RetryCount < job.MaxRetries {
		next := now.Add(w.backoff(job.RetryCount))
		job.NextRetryAt = &next
		job.LastError = &msg
		k := string(kind)
		job.ErrorKind = &k
		if err := w.persist(ctx, func(ctx context.Context, tx *gorm.DB) error {
			return w.cfg.Jobs.Update(ctx, tx, job)
		}); err != nil {
			logger.Error().Err(err).Msg("fiscal_worker: failed to record retry")
			return
		}
		logger.Warn().
			Err(cause).
			Int("retry_count", job.RetryCount).
			Time("next_retry_at", next).
			Msg("fiscal_worker: attempt failed, retry scheduled")
		return
	}

	if retryable {
		cause = apierror.ExhaustedRetries(cause, job.RetryCount)
		kind = apierror.KindExhaustedRetries
		msg = cause.Error()
	}
	k := string(kind)
	job.ErrorKind = &k
	job.LastError = &msg
	job.NextRetryAt = nil
	job.DeadLetteredAt = &now

	err := w.persist(ctx, func(ctx context.Context, tx *gorm.DB) error {
		if err := w.cfg.Jobs.Update(ctx, tx, job); err != nil {
			return err
		}
		if job.OperationType != model.OpSaleReceipt || job.SaleID == nil {
			return nil
		}
		return w.cfg.Sales.UpdateFiscal(ctx, tx, *job.SaleID, repository.FiscalUpdate{
			Status: model.FiscalFailed,
			JobID:  &job.ID,
			Error:  &msg,
		})
	})
	if err != nil {
		logger.Error().Err(err).Msg("fiscal_worker: failed to record dead letter")
		return
	}
	logger.Error().Err(cause).Int("retry_count", job.RetryCount).Msg("fiscal_worker: job dead-lettered")

	payload, _ := json.Marshal(FiscalNotice{
		JobID:          job.ID.String(),
		AccountID:      job.AccountID.String(),
		FiscalConfigID: job.FiscalConfigID.String(),
	})
	SendToDLQ(context.WithoutCancel(ctx), w.cfg.DLQ, DeadLetter{
		Queue:     QueueFiscal,
		JobType:   jobTypeFiscal,
		JobID:     job.ID.String(),
		Provider:  job.Provider,
		Operation: job.OperationType,
		ErrorKind: k,
		Reason:    msg,
		Attempts:  job.RetryCount,
		Payload:   payload,
		FailedAt:  now,
	})
}

// backoff is base·2^(n−1), capped.
func (w *FiscalWorker) backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	f := float64(w.cfg.RetryBase) * math.Pow(2, float64(n-1))
	if f > float64(w.cfg.RetryCap) {
		return w.cfg.RetryCap
	}
	return time.Duration(f)
}

// persist writes outcome rows on a context detached from shutdown, so a
// cancelled pool never leaves a job half recorded.
func (w *FiscalWorker) persist(ctx context.Context, fn func(ctx context.Context, tx *gorm.DB) error) error {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	return withRetry(dctx, persistAttempts, func(attempt int) error {
		return runTx(dctx, w.cfg.Jobs.DB(), func(tx *gorm.DB) error {
			return fn(dctx, tx)
		})
	})
}

func (w *FiscalWorker) afterReceipt(ctx context.Context, sale *model.Sale, logger zerolog.Logger) {
	if w.cfg.PDFPath == "" {
		return
	}
	pdfPath, err := infra.GenerateReceiptCopyPDF(sale, w.cfg.BusinessName, w.cfg.PDFPath)
	if err != nil {
		logger.Warn().Err(err).Msg("fiscal_worker: receipt copy PDF failed")
		return
	}
	logger.Info().Str("pdf", pdfPath).Msg("fiscal_worker: receipt copy generated")

	if sale.CustomerEmail == nil || *sale.CustomerEmail == "" || w.cfg.Dispatcher == nil {
		return
	}
	fiscalNumber := ""
	if sale.FiscalNumber != nil {
		fiscalNumber = *sale.FiscalNumber
	}
	emailJob := EmailJobPayload{
		ToEmail:    *sale.CustomerEmail,
		Subject:    fmt.Sprintf("%s receipt %s", w.cfg.BusinessName, sale.SaleNumber),
		Body:       fmt.Sprintf("Your fiscal receipt %s is attached.\nTotal: %s", fiscalNumber, sale.Total.StringFixed(2)),
		PDFPath:    pdfPath,
		SaleNumber: sale.SaleNumber,
	}
	if err := w.cfg.Dispatcher.EnqueueEmail(context.WithoutCancel(ctx), emailJob); err != nil {
		logger.Warn().Err(err).Msg("fiscal_worker: failed to enqueue email")
		return
	}
	logger.Info().Str("email", *sale.CustomerEmail).Msg("fiscal_worker: email job enqueued")
}

// withRetry calls fn up to maxAttempts times with exponential backoff.
// Backoff schedule: attempt 1 = immediate, 2 = 1s, 3 = 2s.
// Returns nil if any attempt succeeds; last error otherwise.
func withRetry(ctx context.Context, maxAttempts int, fn func(attempt int) error) error {
	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		if i > 0 {
			wait := time.Duration(1<<uint(i-1)) * time.Second
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		if err := fn(i); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

func runTx(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	if db == nil {
		return fn(nil)
	}
	return db.WithContext(ctx).Transaction(fn)
}

func receiptFromSale(s *model.Sale) fiscal.Receipt {
	r := fiscal.Receipt{
		Reference: s.SaleNumber,
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

func marshalJSON(v any) datatypes.JSON {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}

// asData flattens a provider result into the job's response data.
func asData(v any) map[string]any {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}

func rawData(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err == nil {
		return m
	}
	return map[string]any{"raw": string(raw)}
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
