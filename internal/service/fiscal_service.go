package service

import (
	"context"
	"encoding/json"
	"fmt"

	"xpos/internal/apierror"
	"xpos/internal/config"
	"xpos/internal/dto"
	"xpos/internal/fiscal"
	"xpos/internal/model"
	"xpos/internal/repository"
	"xpos/internal/worker"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

type FiscalService interface {
	// Submit queues a fiscal operation on the printer serving its purpose.
	// A live job with the same idempotency key is returned instead of a new one.
	Submit(ctx context.Context, dev DeviceContext, req dto.FiscalJobRequest) (*dto.FiscalJobResponse, error)
	GetJob(ctx context.Context, dev DeviceContext, id uuid.UUID) (*dto.FiscalJobResponse, error)
	ListJobs(ctx context.Context, dev DeviceContext, filter dto.FiscalJobFilter) (*dto.FiscalJobListResponse, error)
	// RetryJob puts a dead-lettered job back in its lane with a fresh retry budget.
	RetryJob(ctx context.Context, dev DeviceContext, id uuid.UUID) (*dto.FiscalJobResponse, error)
	ActiveConfig(ctx context.Context, dev DeviceContext, purpose string) (*dto.FiscalConfigResponse, error)
	// ShiftStatus asks the receipt printer directly, inside its lane.
	ShiftStatus(ctx context.Context, dev DeviceContext) (*fiscal.ShiftStatus, error)
	DLQSize(ctx context.Context) (*dto.DLQSizeResponse, error)
}

type fiscalService struct {
	jobs      repository.FiscalJobRepository
	sales     repository.SaleRepository
	configs   repository.FiscalConfigRepository
	notifier  FiscalNotifier
	lanes     LaneRunner
	queue     worker.Queue
	providers worker.ProviderFactory
	cfg       *config.Config
}

func NewFiscalService(
	jobs repository.FiscalJobRepository,
	sales repository.SaleRepository,
	configs repository.FiscalConfigRepository,
	notifier FiscalNotifier,
	lanes LaneRunner,
	queue worker.Queue,
	providers worker.ProviderFactory,
	cfg *config.Config,
) FiscalService {
	if providers == nil {
		timeout := cfg.PrinterTimeout()
		providers = func(c fiscal.Config) (fiscal.Provider, error) {
			return fiscal.Prepare(&c, fiscal.WithTimeout(timeout))
		}
	}
	return &fiscalService{
		jobs:      jobs,
		sales:     sales,
		configs:   configs,
		notifier:  notifier,
		lanes:     lanes,
		queue:     queue,
		providers: providers,
		cfg:       cfg,
	}
}

// purposeOf maps an operation to the printer that serves it.
func purposeOf(op string) string {
	switch op {
	case model.OpPeriodicReport, model.OpControlTape:
		return model.PurposeReport
	}
	return model.PurposeReceipt
}

// resolveConfig finds the active config for purpose. Report operations fall
// back to the receipt printer when no dedicated report printer exists.
func (s *fiscalService) resolveConfig(ctx context.Context, accountID uuid.UUID, purpose string) (*model.FiscalConfig, error) {
	c, err := s.configs.FindActive(ctx, accountID, purpose)
	if err == nil {
		return c, nil
	}
	if !repository.IsNotFound(err) {
		return nil, err
	}
	if purpose == model.PurposeReport {
		return s.resolveConfig(ctx, accountID, model.PurposeReceipt)
	}
	return nil, apierror.Configuration(fmt.Sprintf("no active fiscal configuration for %s", purpose))
}

func (s *fiscalService) Submit(ctx context.Context, dev DeviceContext, req dto.FiscalJobRequest) (*dto.FiscalJobResponse, error) {
	row, err := s.resolveConfig(ctx, dev.AccountID, purposeOf(req.OperationType))
	if err != nil {
		return nil, err
	}
	// Fail fast on credentials the vendor needs; nothing is queued.
	if _, err := s.providers(row.ToFiscal()); err != nil {
		return nil, err
	}

	job := &model.FiscalJob{
		ID:             uuid.New(),
		AccountID:      dev.AccountID,
		FiscalConfigID: row.ID,
		OperationType:  req.OperationType,
		Status:         model.JobPending,
		Provider:       row.Provider,
		MaxRetries:     s.cfg.FiscalMaxRetries,
	}

	switch req.OperationType {
	case model.OpSaleReceipt:
		sale, err := s.sales.FindByID(ctx, *req.SaleID)
		if err != nil {
			if repository.IsNotFound(err) {
				return nil, apierror.NotFound("sale not found")
			}
			return nil, err
		}
		if sale.AccountID != dev.AccountID {
			return nil, apierror.NotFound("sale not found")
		}
		if sale.FiscalStatus == model.FiscalCompleted && sale.FiscalJobID == nil {
			return nil, apierror.Validation("sale was already fiscalized on the terminal", map[string]string{"sale_id": "already fiscalized"})
		}
		key := model.ReceiptIdempotencyKey(dev.AccountID, sale.ID)
		job.SaleID = &sale.ID
		job.IdempotencyKey = &key
	default:
		if req.IdempotencyKey != nil && *req.IdempotencyKey != "" {
			key := fmt.Sprintf("%s:%s", dev.AccountID, *req.IdempotencyKey)
			job.IdempotencyKey = &key
		}
		payload := model.FiscalRequest{StartDate: req.StartDate, EndDate: req.EndDate, Params: req.Payload}
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		job.RequestPayload = b
	}

	var existing *model.FiscalJob
	err = runTx(ctx, s.jobs.DB(), func(tx *gorm.DB) error {
		if job.IdempotencyKey != nil {
			found, err := s.jobs.FindLiveByKey(ctx, tx, *job.IdempotencyKey)
			if err == nil {
				existing = found
				return nil
			}
			if !repository.IsNotFound(err) {
				return err
			}
		}
		if err := s.jobs.Create(ctx, tx, job); err != nil {
			return err
		}
		if job.SaleID == nil {
			return nil
		}
		return s.sales.UpdateFiscal(ctx, tx, *job.SaleID, repository.FiscalUpdate{
			Status: model.FiscalPending,
			JobID:  &job.ID,
		})
	})
	if err != nil && repository.IsUniqueViolation(err) && job.IdempotencyKey != nil {
		existing, err = s.jobs.FindLiveByKey(ctx, nil, *job.IdempotencyKey)
	}
	if err != nil {
		return nil, err
	}
	if existing != nil {
		resp := jobResponse(existing)
		resp.Duplicate = true
		return &resp, nil
	}

	log.Info().
		Str("job_id", job.ID.String()).
		Str("lane", worker.LaneKey(laneOf(job))).
		Str("operation", job.OperationType).
		Msg("fiscal job queued")
	s.notify(ctx, job)
	resp := jobResponse(job)
	return &resp, nil
}

func (s *fiscalService) GetJob(ctx context.Context, dev DeviceContext, id uuid.UUID) (*dto.FiscalJobResponse, error) {
	j, err := s.ownJob(ctx, dev, id)
	if err != nil {
		return nil, err
	}
	resp := jobResponse(j)
	return &resp, nil
}

func (s *fiscalService) ListJobs(ctx context.Context, dev DeviceContext, filter dto.FiscalJobFilter) (*dto.FiscalJobListResponse, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.Limit < 1 {
		filter.Limit = 50
	}
	jobs, total, err := s.jobs.List(ctx, dev.AccountID, filter)
	if err != nil {
		return nil, err
	}
	out := &dto.FiscalJobListResponse{
		Data:  make([]dto.FiscalJobResponse, len(jobs)),
		Total: total,
		Page:  filter.Page,
		Limit: filter.Limit,
	}
	for i := range jobs {
		out.Data[i] = jobResponse(&jobs[i])
	}
	return out, nil
}

func (s *fiscalService) RetryJob(ctx context.Context, dev DeviceContext, id uuid.UUID) (*dto.FiscalJobResponse, error) {
	j, err := s.ownJob(ctx, dev, id)
	if err != nil {
		return nil, err
	}
	if !j.IsDeadLettered() {
		return nil, apierror.Validation("only dead-lettered jobs can be retried", map[string]string{"status": j.Status})
	}

	j.Status = model.JobPending
	j.RetryCount = 0
	j.NextRetryAt = nil
	j.LastError = nil
	j.ErrorKind = nil
	j.DeadLetteredAt = nil
	j.StartedAt = nil
	if s.cfg.FiscalMaxRetries > 0 {
		j.MaxRetries = s.cfg.FiscalMaxRetries
	}

	err = runTx(ctx, s.jobs.DB(), func(tx *gorm.DB) error {
		if err := s.jobs.Update(ctx, tx, j); err != nil {
			return err
		}
		if j.OperationType != model.OpSaleReceipt || j.SaleID == nil {
			return nil
		}
		return s.sales.UpdateFiscal(ctx, tx, *j.SaleID, repository.FiscalUpdate{
			Status: model.FiscalPending,
			JobID:  &j.ID,
		})
	})
	if err != nil {
		if repository.IsUniqueViolation(err) {
			return nil, apierror.Duplicate("another live job already holds this idempotency key")
		}
		return nil, err
	}
	log.Info().Str("job_id", j.ID.String()).Msg("dead-lettered fiscal job requeued by operator")
	s.notify(ctx, j)
	resp := jobResponse(j)
	return &resp, nil
}

func (s *fiscalService) ActiveConfig(ctx context.Context, dev DeviceContext, purpose string) (*dto.FiscalConfigResponse, error) {
	if purpose == "" {
		purpose = model.PurposeReceipt
	}
	if purpose != model.PurposeReceipt && purpose != model.PurposeReport {
		return nil, apierror.Validation("unknown purpose", map[string]string{"purpose": "must be receipt or report"})
	}
	row, err := s.configs.FindActive(ctx, dev.AccountID, purpose)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, apierror.Configuration(fmt.Sprintf("no active fiscal configuration for %s", purpose))
		}
		return nil, err
	}
	c := fiscal.Redact(row.ToFiscal())
	return &dto.FiscalConfigResponse{
		ID:             c.ID,
		Purpose:        row.Purpose,
		Provider:       c.Provider,
		IPAddress:      c.IPAddress,
		Port:           c.Port,
		OperatorCode:   c.OperatorCode,
		Username:       c.Username,
		Password:       c.Password,
		SecurityKey:    c.SecurityKey,
		MerchantID:     c.MerchantID,
		DefaultTaxRate: c.DefaultTaxRate,
		ShiftMaxHours:  c.ShiftMaxHours,
		ServerMediated: row.ServerMediated,
		IsActive:       c.IsActive,
	}, nil
}

func (s *fiscalService) ShiftStatus(ctx context.Context, dev DeviceContext) (*fiscal.ShiftStatus, error) {
	row, err := s.resolveConfig(ctx, dev.AccountID, model.PurposeReceipt)
	if err != nil {
		return nil, err
	}
	cfg := row.ToFiscal()
	p, err := s.providers(cfg)
	if err != nil {
		return nil, err
	}

	var st *fiscal.ShiftStatus
	call := func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.PrinterTimeout())
		defer cancel()
		var err error
		st, err = p.GetShiftStatus(callCtx, cfg)
		return err
	}
	if s.lanes == nil {
		err = call(ctx)
	} else {
		err = s.lanes.WithLane(ctx, repository.LaneRef{AccountID: row.AccountID, FiscalConfigID: row.ID}, call)
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (s *fiscalService) DLQSize(ctx context.Context) (*dto.DLQSizeResponse, error) {
	if s.queue == nil {
		return &dto.DLQSizeResponse{Queue: worker.DLQPrefix + worker.QueueFiscal}, nil
	}
	n, err := worker.DLQLength(ctx, s.queue, worker.QueueFiscal)
	if err != nil {
		return nil, err
	}
	return &dto.DLQSizeResponse{Queue: worker.DLQPrefix + worker.QueueFiscal, Size: n}, nil
}

func (s *fiscalService) ownJob(ctx context.Context, dev DeviceContext, id uuid.UUID) (*model.FiscalJob, error) {
	j, err := s.jobs.FindByID(ctx, id)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, apierror.NotFound("fiscal job not found")
		}
		return nil, err
	}
	if j.AccountID != dev.AccountID {
		return nil, apierror.NotFound("fiscal job not found")
	}
	return j, nil
}

func (s *fiscalService) notify(ctx context.Context, job *model.FiscalJob) {
	if s.notifier == nil {
		return
	}
	err := s.notifier.EnqueueFiscal(ctx, worker.FiscalNotice{
		JobID:          job.ID.String(),
		AccountID:      job.AccountID.String(),
		FiscalConfigID: job.FiscalConfigID.String(),
	})
	if err != nil {
		log.Warn().Err(err).Str("job_id", job.ID.String()).Msg("fiscal notice not delivered")
	}
}

func laneOf(j *model.FiscalJob) repository.LaneRef {
	return repository.LaneRef{AccountID: j.AccountID, FiscalConfigID: j.FiscalConfigID}
}

func jobResponse(j *model.FiscalJob) dto.FiscalJobResponse {
	resp := dto.FiscalJobResponse{
		ID:             j.ID.String(),
		AccountID:      j.AccountID.String(),
		FiscalConfigID: j.FiscalConfigID.String(),
		SaleID:         j.SaleID,
		OperationType:  j.OperationType,
		Status:         j.Status,
		Provider:       j.Provider,
		RetryCount:     j.RetryCount,
		MaxRetries:     j.MaxRetries,
		NextRetryAt:    j.NextRetryAt,
		LastError:      j.LastError,
		ErrorKind:      j.ErrorKind,
		DeadLettered:   j.IsDeadLettered(),
		CreatedAt:      j.CreatedAt,
		CompletedAt:    j.CompletedAt,
	}
	if len(j.ResultPayload) > 0 {
		var r model.FiscalResult
		if err := json.Unmarshal(j.ResultPayload, &r); err == nil {
			resp.Result = &dto.FiscalJobResult{
				FiscalNumber:     r.FiscalNumber,
				FiscalDocumentID: r.FiscalDocumentID,
				Error:            r.Error,
				ResponseData:     r.ResponseData,
			}
		}
	} else if j.IsDeadLettered() && j.LastError != nil {
		resp.Result = &dto.FiscalJobResult{Error: *j.LastError}
	}
	return resp
}
