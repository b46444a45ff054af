package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"xpos/internal/apierror"
	"xpos/internal/config"
	"xpos/internal/dto"
	"xpos/internal/model"
	"xpos/internal/repository"
	"xpos/internal/worker"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// totalsTolerance absorbs per-line rounding on the terminal.
var totalsTolerance = decimal.New(1, -2)

// ReconciliationService is the server side of the kiosk sync protocol: it
// turns uploaded queued sales into server-authoritative sales exactly once
// and answers delta pulls.
type ReconciliationService interface {
	AcceptSaleBatch(ctx context.Context, dev DeviceContext, sales []dto.SaleUpload) (*dto.SaleBatchResponse, error)
	ComputeDelta(ctx context.Context, dev DeviceContext, entityType string, since time.Time) (*dto.DeltaResponse, error)
}

type reconciliationService struct {
	sales    repository.SaleRepository
	catalog  repository.CatalogRepository
	configs  repository.FiscalConfigRepository
	jobs     repository.FiscalJobRepository
	notifier FiscalNotifier
	cfg      *config.Config
}

func NewReconciliationService(
	sales repository.SaleRepository,
	catalog repository.CatalogRepository,
	configs repository.FiscalConfigRepository,
	jobs repository.FiscalJobRepository,
	notifier FiscalNotifier,
	cfg *config.Config,
) ReconciliationService {
	return &reconciliationService{
		sales:    sales,
		catalog:  catalog,
		configs:  configs,
		jobs:     jobs,
		notifier: notifier,
		cfg:      cfg,
	}
}

// ── AcceptSaleBatch ───────────────────────────────────────────────────────────
// Per sale, independently:
//  1. (device_id, local_id) already known -> return its identity as duplicate
//  2. validate; failures are reported per sale, the rest of the batch goes on
//  3. TX: next sale number, insert sale+items+payments, insert the receipt
//     job when the account prints through the server
//  4. after COMMIT: notify the worker pool
// A concurrent insert of the same sale loses on the unique index and is
// answered with the winner's identity.

func (s *reconciliationService) AcceptSaleBatch(ctx context.Context, dev DeviceContext, uploads []dto.SaleUpload) (*dto.SaleBatchResponse, error) {
	resp := &dto.SaleBatchResponse{
		Results: make([]dto.SaleUploadResult, 0, len(uploads)),
		Failed:  []dto.SaleUploadFailure{},
	}

	var receiptCfg *model.FiscalConfig
	cfgLoaded := false

	for i := range uploads {
		up := &uploads[i]
		logger := log.With().Str("device_id", dev.DeviceID.String()).Int64("local_id", up.LocalID).Logger()

		existing, err := s.sales.FindByDeviceLocalID(ctx, nil, dev.DeviceID, up.LocalID)
		if err == nil {
			resp.Results = append(resp.Results, duplicateResult(existing))
			continue
		}
		if !repository.IsNotFound(err) {
			return nil, fmt.Errorf("lookup sale %d: %w", up.LocalID, err)
		}

		if verr := validateSaleUpload(dev, up); verr != nil {
			logger.Warn().Err(verr).Msg("sale upload rejected")
			resp.Failed = append(resp.Failed, failureOf(up.LocalID, verr))
			continue
		}

		if !cfgLoaded {
			receiptCfg, err = s.configs.FindActive(ctx, dev.AccountID, model.PurposeReceipt)
			if err != nil && !repository.IsNotFound(err) {
				return nil, fmt.Errorf("load fiscal configuration: %w", err)
			}
			if err != nil {
				receiptCfg = nil
			}
			cfgLoaded = true
		}

		result, job, err := s.persistSale(ctx, dev, up, receiptCfg)
		if err != nil {
			if repository.IsUniqueViolation(err) {
				winner, lerr := s.sales.FindByDeviceLocalID(ctx, nil, dev.DeviceID, up.LocalID)
				if lerr == nil {
					resp.Results = append(resp.Results, duplicateResult(winner))
					continue
				}
			}
			return nil, fmt.Errorf("persist sale %d: %w", up.LocalID, err)
		}
		resp.Results = append(resp.Results, *result)
		logger.Info().
			Int64("server_sale_id", result.ServerSaleID).
			Str("sale_number", result.SaleNumber).
			Bool("queued_for_fiscal", result.QueuedForFiscal).
			Msg("sale accepted")

		if job != nil {
			s.notify(ctx, job)
		}
	}
	return resp, nil
}

func (s *reconciliationService) persistSale(ctx context.Context, dev DeviceContext, up *dto.SaleUpload, receiptCfg *model.FiscalConfig) (*dto.SaleUploadResult, *model.FiscalJob, error) {
	sale := buildSale(dev, up)
	var job *model.FiscalJob

	switch {
	case up.FiscalNumber != nil && *up.FiscalNumber != "":
		sale.FiscalStatus = model.FiscalCompleted
		sale.FiscalNumber = up.FiscalNumber
		sale.FiscalDocumentID = up.FiscalDocumentID
		soldAt := up.SoldAt
		sale.FiscalizedAt = &soldAt
	case receiptCfg != nil && receiptCfg.ServerMediated:
		jobID := uuid.New()
		sale.FiscalStatus = model.FiscalPending
		sale.FiscalJobID = &jobID
		job = &model.FiscalJob{
			ID:             jobID,
			AccountID:      dev.AccountID,
			FiscalConfigID: receiptCfg.ID,
			OperationType:  model.OpSaleReceipt,
			Status:         model.JobPending,
			Provider:       receiptCfg.Provider,
			MaxRetries:     s.cfg.FiscalMaxRetries,
		}
	default:
		sale.FiscalStatus = model.FiscalNone
	}

	err := runTx(ctx, s.sales.DB(), func(tx *gorm.DB) error {
		seq, err := s.sales.NextSaleSequence(ctx, tx)
		if err != nil {
			return err
		}
		sale.SaleNumber = saleNumber(dev.BranchID, seq)
		if err := s.sales.Create(ctx, tx, sale); err != nil {
			return err
		}
		if job == nil {
			return nil
		}
		saleID := sale.ID
		key := model.ReceiptIdempotencyKey(dev.AccountID, saleID)
		job.SaleID = &saleID
		job.IdempotencyKey = &key
		return s.jobs.Create(ctx, tx, job)
	})
	if err != nil {
		return nil, nil, err
	}

	return &dto.SaleUploadResult{
		LocalID:         up.LocalID,
		ServerSaleID:    sale.ID,
		SaleNumber:      sale.SaleNumber,
		Status:          dto.UploadCreated,
		QueuedForFiscal: job != nil,
		FiscalStatus:    sale.FiscalStatus,
	}, job, nil
}

func (s *reconciliationService) notify(ctx context.Context, job *model.FiscalJob) {
	if s.notifier == nil {
		return
	}
	err := s.notifier.EnqueueFiscal(ctx, worker.FiscalNotice{
		JobID:          job.ID.String(),
		AccountID:      job.AccountID.String(),
		FiscalConfigID: job.FiscalConfigID.String(),
	})
	if err != nil {
		// The sweeper picks the job up from postgres.
		log.Warn().Err(err).Str("job_id", job.ID.String()).Msg("fiscal notice not delivered")
	}
}

func buildSale(dev DeviceContext, up *dto.SaleUpload) *model.Sale {
	sale := &model.Sale{
		AccountID:      dev.AccountID,
		BranchID:       dev.BranchID,
		DeviceID:       dev.DeviceID,
		LocalID:        up.LocalID,
		CustomerEmail:  up.CustomerEmail,
		Subtotal:       up.Subtotal,
		DiscountAmount: up.DiscountAmount,
		TaxAmount:      up.TaxAmount,
		Total:          up.Total,
		SoldAt:         up.SoldAt,
	}
	if up.CustomerID != nil {
		if id, err := uuid.Parse(*up.CustomerID); err == nil {
			sale.CustomerID = &id
		}
	}
	for _, it := range up.Items {
		item := model.SaleItem{
			Name:           it.Name,
			Quantity:       it.Quantity,
			UnitPrice:      it.UnitPrice,
			DiscountAmount: it.DiscountAmount,
			TaxRate:        it.TaxRate,
			Total:          it.Total,
		}
		if it.ProductID != nil {
			if id, err := uuid.Parse(*it.ProductID); err == nil {
				item.ProductID = &id
			}
		}
		sale.Items = append(sale.Items, item)
	}
	for _, p := range up.Payments {
		sale.Payments = append(sale.Payments, model.SalePayment{Method: p.Method, Amount: p.Amount})
	}
	return sale
}

// saleNumber is the human-readable number printed on documents:
// the branch prefix plus a global sequence.
func saleNumber(branchID uuid.UUID, seq int64) string {
	prefix := strings.ToUpper(strings.ReplaceAll(branchID.String(), "-", ""))[:8]
	return fmt.Sprintf("%s-%06d", prefix, seq)
}

func validateSaleUpload(dev DeviceContext, up *dto.SaleUpload) *apierror.Error {
	fields := map[string]string{}
	if up.LocalID <= 0 {
		fields["local_id"] = "must be positive"
	}
	if up.AccountID != "" && up.AccountID != dev.AccountID.String() {
		fields["account_id"] = "does not match the device's account"
	}
	if up.SoldAt.IsZero() {
		fields["sold_at"] = "required"
	}
	if len(up.Items) == 0 {
		fields["items"] = "at least one item is required"
	}
	for i, it := range up.Items {
		if strings.TrimSpace(it.Name) == "" {
			fields[fmt.Sprintf("items[%d].name", i)] = "required"
		}
		if !it.Quantity.IsPositive() {
			fields[fmt.Sprintf("items[%d].quantity", i)] = "must be positive"
		}
		if it.Total.IsNegative() {
			fields[fmt.Sprintf("items[%d].total", i)] = "must not be negative"
		}
		if it.ProductID != nil {
			if _, err := uuid.Parse(*it.ProductID); err != nil {
				fields[fmt.Sprintf("items[%d].product_id", i)] = "invalid uuid"
			}
		}
	}
	for i, p := range up.Payments {
		if p.Amount.IsNegative() {
			fields[fmt.Sprintf("payments[%d].amount", i)] = "must not be negative"
		}
		switch p.Method {
		case "cash", "card", "other":
		default:
			fields[fmt.Sprintf("payments[%d].method", i)] = "must be cash, card or other"
		}
	}
	if up.CustomerID != nil {
		if _, err := uuid.Parse(*up.CustomerID); err != nil {
			fields["customer_id"] = "invalid uuid"
		}
	}
	if up.Total.IsNegative() {
		fields["total"] = "must not be negative"
	}
	expected := up.Subtotal.Sub(up.DiscountAmount).Add(up.TaxAmount)
	if expected.Sub(up.Total).Abs().GreaterThan(totalsTolerance) {
		fields["total"] = fmt.Sprintf("subtotal - discount + tax = %s, got %s", expected.StringFixed(2), up.Total.StringFixed(2))
	}
	if len(fields) == 0 {
		return nil
	}
	return apierror.Validation("sale failed validation", fields)
}

func duplicateResult(s *model.Sale) dto.SaleUploadResult {
	return dto.SaleUploadResult{
		LocalID:         s.LocalID,
		ServerSaleID:    s.ID,
		SaleNumber:      s.SaleNumber,
		Status:          dto.UploadDuplicate,
		QueuedForFiscal: s.FiscalJobID != nil,
		FiscalStatus:    s.FiscalStatus,
	}
}

func failureOf(localID int64, e *apierror.Error) dto.SaleUploadFailure {
	return dto.SaleUploadFailure{
		LocalID: localID,
		Error:   string(e.Kind),
		Detail:  e.Message,
		Fields:  e.Fields,
	}
}

// ── ComputeDelta ──────────────────────────────────────────────────────────────
// One read-only REPEATABLE READ snapshot: its now() is the sync timestamp and
// every row changed after since is returned. The checkpoint handed back is
// max(since, sync_timestamp - overlap), so rows committed by writers that
// were in flight when the snapshot was taken are delivered again next pull.

func (s *reconciliationService) ComputeDelta(ctx context.Context, dev DeviceContext, entityType string, since time.Time) (*dto.DeltaResponse, error) {
	switch entityType {
	case dto.EntityProducts, dto.EntityCustomers, dto.EntitySales:
	default:
		return nil, apierror.Validation("unknown entity type", map[string]string{"entity_type": "must be products, customers or sales"})
	}

	if entityType == dto.EntitySales {
		// A worker may have died between the job and the sale update.
		if n, err := s.sales.RepairFiscalState(ctx, &dev.DeviceID); err != nil {
			log.Warn().Err(err).Str("device_id", dev.DeviceID.String()).Msg("delta: sale fiscal repair failed")
		} else if n > 0 {
			log.Info().Int64("sales", n).Str("device_id", dev.DeviceID.String()).Msg("delta: repaired sale fiscal state")
		}
	}

	resp := &dto.DeltaResponse{
		EntityType: entityType,
		Records:    []json.RawMessage{},
		DeletedIDs: []string{},
	}
	var snapshotAt time.Time
	err := runSnapshot(ctx, s.sales.DB(), func(tx *gorm.DB) error {
		var err error
		snapshotAt, err = s.sales.DBNow(ctx, tx)
		if err != nil {
			return err
		}
		switch entityType {
		case dto.EntityProducts:
			rows, err := s.catalog.ChangedProducts(ctx, tx, dev.AccountID, since)
			if err != nil {
				return err
			}
			for i := range rows {
				if rows[i].DeletedAt.Valid {
					resp.DeletedIDs = append(resp.DeletedIDs, rows[i].ID.String())
					continue
				}
				if err := appendRecord(resp, productRecord(&rows[i])); err != nil {
					return err
				}
			}
		case dto.EntityCustomers:
			rows, err := s.catalog.ChangedCustomers(ctx, tx, dev.AccountID, since)
			if err != nil {
				return err
			}
			for i := range rows {
				if rows[i].DeletedAt.Valid {
					resp.DeletedIDs = append(resp.DeletedIDs, rows[i].ID.String())
					continue
				}
				if err := appendRecord(resp, customerRecord(&rows[i])); err != nil {
					return err
				}
			}
		case dto.EntitySales:
			rows, err := s.sales.ChangedForDevice(ctx, tx, dev.DeviceID, since)
			if err != nil {
				return err
			}
			for i := range rows {
				if err := appendRecord(resp, saleRecord(&rows[i])); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("compute %s delta: %w", entityType, err)
	}

	checkpoint := snapshotAt.Add(-s.cfg.DeltaOverlap())
	if checkpoint.Before(since) {
		checkpoint = since
	}
	resp.SyncTimestamp = checkpoint.UTC()
	resp.TotalRecords = len(resp.Records) + len(resp.DeletedIDs)
	return resp, nil
}

func appendRecord(resp *dto.DeltaResponse, rec any) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	resp.Records = append(resp.Records, b)
	return nil
}

func productRecord(p *model.Product) dto.ProductRecord {
	return dto.ProductRecord{
		ID:         p.ID.String(),
		SKU:        p.SKU,
		Barcode:    p.Barcode,
		Name:       p.Name,
		Price:      p.Price,
		TaxRate:    p.TaxRate,
		Unit:       p.Unit,
		Attributes: p.Attributes,
		Active:     p.Active,
		UpdatedAt:  p.UpdatedAt,
	}
}

func customerRecord(c *model.Customer) dto.CustomerRecord {
	return dto.CustomerRecord{
		ID:              c.ID.String(),
		Name:            c.Name,
		Phone:           c.Phone,
		Email:           c.Email,
		TaxID:           c.TaxID,
		DiscountPercent: c.DiscountPercent,
		UpdatedAt:       c.UpdatedAt,
	}
}

func saleRecord(s *model.Sale) dto.SaleRecord {
	return dto.SaleRecord{
		ID:               fmt.Sprintf("%d", s.ID),
		LocalID:          s.LocalID,
		ServerSaleID:     s.ID,
		SaleNumber:       s.SaleNumber,
		FiscalStatus:     s.FiscalStatus,
		FiscalNumber:     s.FiscalNumber,
		FiscalDocumentID: s.FiscalDocumentID,
		FiscalError:      s.FiscalError,
		FiscalizedAt:     s.FiscalizedAt,
		UpdatedAt:        s.UpdatedAt,
	}
}
