package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"xpos/internal/apierror"
	"xpos/internal/dto"
	"xpos/internal/fiscal"
	"xpos/internal/middleware"
	"xpos/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() { gin.SetMode(gin.TestMode) }

var testDevice = service.DeviceContext{DeviceID: uuid.New(), AccountID: uuid.New(), BranchID: uuid.New()}

// withDevice stands in for DeviceAuth.
func withDevice(c *gin.Context) {
	c.Set(middleware.DeviceKey, testDevice)
	c.Next()
}

// ── Stub services ─────────────────────────────────────────────────────────────

type stubSyncService struct {
	gotSince  time.Time
	gotEntity string
	gotSales  []dto.SaleUpload
	gotDevice service.DeviceContext
	err       error
}

func (s *stubSyncService) AcceptSaleBatch(_ context.Context, dev service.DeviceContext, sales []dto.SaleUpload) (*dto.SaleBatchResponse, error) {
	s.gotDevice, s.gotSales = dev, sales
	if s.err != nil {
		return nil, s.err
	}
	out := &dto.SaleBatchResponse{Failed: []dto.SaleUploadFailure{}}
	for _, up := range sales {
		out.Results = append(out.Results, dto.SaleUploadResult{LocalID: up.LocalID, ServerSaleID: 1042, Status: dto.UploadCreated})
	}
	return out, nil
}

func (s *stubSyncService) ComputeDelta(_ context.Context, dev service.DeviceContext, entity string, since time.Time) (*dto.DeltaResponse, error) {
	s.gotDevice, s.gotEntity, s.gotSince = dev, entity, since
	if s.err != nil {
		return nil, s.err
	}
	return &dto.DeltaResponse{EntityType: entity, SyncTimestamp: since}, nil
}

var _ service.ReconciliationService = (*stubSyncService)(nil)

type stubFiscalService struct {
	duplicate bool
	err       error
	gotReq    dto.FiscalJobRequest
}

func (s *stubFiscalService) Submit(_ context.Context, _ service.DeviceContext, req dto.FiscalJobRequest) (*dto.FiscalJobResponse, error) {
	s.gotReq = req
	if s.err != nil {
		return nil, s.err
	}
	return &dto.FiscalJobResponse{ID: uuid.NewString(), Status: "pending", Duplicate: s.duplicate}, nil
}

func (s *stubFiscalService) GetJob(_ context.Context, _ service.DeviceContext, id uuid.UUID) (*dto.FiscalJobResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &dto.FiscalJobResponse{
		ID:     id.String(),
		Status: "completed",
		Result: &dto.FiscalJobResult{FiscalNumber: "FP0001042"},
	}, nil
}

func (s *stubFiscalService) ListJobs(_ context.Context, _ service.DeviceContext, f dto.FiscalJobFilter) (*dto.FiscalJobListResponse, error) {
	return &dto.FiscalJobListResponse{Data: []dto.FiscalJobResponse{}, Page: f.Page, Limit: f.Limit}, nil
}

func (s *stubFiscalService) RetryJob(_ context.Context, _ service.DeviceContext, id uuid.UUID) (*dto.FiscalJobResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &dto.FiscalJobResponse{ID: id.String(), Status: "pending"}, nil
}

func (s *stubFiscalService) ActiveConfig(_ context.Context, _ service.DeviceContext, purpose string) (*dto.FiscalConfigResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &dto.FiscalConfigResponse{Purpose: purpose, Provider: fiscal.NBA}, nil
}

func (s *stubFiscalService) ShiftStatus(_ context.Context, _ service.DeviceContext) (*fiscal.ShiftStatus, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &fiscal.ShiftStatus{IsOpen: true, DurationHours: 3}, nil
}

func (s *stubFiscalService) DLQSize(_ context.Context) (*dto.DLQSizeResponse, error) {
	return &dto.DLQSizeResponse{Queue: "dlq:jobs:fiscal", Size: 2}, nil
}

var _ service.FiscalService = (*stubFiscalService)(nil)

// ── Harness ───────────────────────────────────────────────────────────────────

func newEngine(syncSvc service.ReconciliationService, fiscalSvc service.FiscalService) *gin.Engine {
	r := gin.New()
	r.Use(middleware.RequestID())
	v1 := r.Group("/v1", withDevice)
	sh := NewSyncHandler(syncSvc)
	fh := NewFiscalHandler(fiscalSvc)
	v1.GET("/sync/delta", sh.Delta)
	v1.POST("/sync/sales", sh.UploadSales)
	v1.POST("/fiscal/jobs", fh.SubmitJob)
	v1.GET("/fiscal/jobs", fh.ListJobs)
	v1.GET("/fiscal/jobs/:id", fh.GetJob)
	v1.POST("/fiscal/jobs/:id/retry", fh.RetryJob)
	v1.GET("/fiscal/config", fh.Config)
	v1.GET("/fiscal/shift", fh.Shift)
	v1.GET("/fiscal/dlq/size", fh.DLQSize)
	return r
}

func do(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func errorBody(t *testing.T, w *httptest.ResponseRecorder) apierror.Response {
	t.Helper()
	var resp apierror.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

// ── Sync ──────────────────────────────────────────────────────────────────────

func TestDelta_ParsesCheckpoint(t *testing.T) {
	svc := &stubSyncService{}
	r := newEngine(svc, &stubFiscalService{})

	w := do(t, r, http.MethodGet, "/v1/sync/delta?entity_type=products&since=2026-03-10T11:59:55.123456Z", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "products", svc.gotEntity)
	assert.Equal(t, time.Date(2026, 3, 10, 11, 59, 55, 123456000, time.UTC), svc.gotSince)
	assert.Equal(t, testDevice, svc.gotDevice)
}

func TestDelta_EmptySinceIsZero(t *testing.T) {
	svc := &stubSyncService{}
	w := do(t, newEngine(svc, &stubFiscalService{}), http.MethodGet, "/v1/sync/delta?entity_type=sales", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, svc.gotSince.IsZero())
}

func TestDelta_RejectsBadInput(t *testing.T) {
	r := newEngine(&stubSyncService{}, &stubFiscalService{})

	w := do(t, r, http.MethodGet, "/v1/sync/delta?entity_type=invoices", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, errorBody(t, w).Fields, "entity_type")

	w = do(t, r, http.MethodGet, "/v1/sync/delta?entity_type=products&since=yesterday", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, errorBody(t, w).Fields, "since")
}

func TestUploadSales_PassesBatch(t *testing.T) {
	svc := &stubSyncService{}
	r := newEngine(svc, &stubFiscalService{})
	amt := decimal.RequireFromString("49.99")

	w := do(t, r, http.MethodPost, "/v1/sync/sales", dto.SaleBatchRequest{Sales: []dto.SaleUpload{{
		LocalID:  7,
		Items:    []dto.SaleItemPayload{{Name: "Espresso", Quantity: decimal.NewFromInt(1), UnitPrice: amt, Total: amt}},
		Subtotal: amt,
		Total:    amt,
	}}})
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, svc.gotSales, 1)
	assert.Equal(t, int64(7), svc.gotSales[0].LocalID)

	var resp dto.SaleBatchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(1042), resp.Results[0].ServerSaleID)
}

func TestUploadSales_EmptyBatchRejected(t *testing.T) {
	w := do(t, newEngine(&stubSyncService{}, &stubFiscalService{}), http.MethodPost, "/v1/sync/sales", dto.SaleBatchRequest{})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, apierror.KindValidation, errorBody(t, w).Error)
}

func TestUploadSales_InternalErrorHidden(t *testing.T) {
	svc := &stubSyncService{err: assert.AnError}
	w := do(t, newEngine(svc, &stubFiscalService{}), http.MethodPost, "/v1/sync/sales", dto.SaleBatchRequest{Sales: []dto.SaleUpload{{LocalID: 1}}})

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	body := errorBody(t, w)
	assert.Equal(t, apierror.KindInternal, body.Error)
	assert.NotContains(t, body.Detail, assert.AnError.Error())
}

// ── Fiscal ────────────────────────────────────────────────────────────────────

func TestSubmitJob_StatusReflectsDuplicate(t *testing.T) {
	id := int64(1042)
	req := dto.FiscalJobRequest{OperationType: "sale_receipt", SaleID: &id}

	w := do(t, newEngine(&stubSyncService{}, &stubFiscalService{}), http.MethodPost, "/v1/fiscal/jobs", req)
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = do(t, newEngine(&stubSyncService{}, &stubFiscalService{duplicate: true}), http.MethodPost, "/v1/fiscal/jobs", req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"duplicate":true`)
}

func TestSubmitJob_ValidationTags(t *testing.T) {
	r := newEngine(&stubSyncService{}, &stubFiscalService{})

	w := do(t, r, http.MethodPost, "/v1/fiscal/jobs", dto.FiscalJobRequest{OperationType: "sale_receipt"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, errorBody(t, w).Fields, "sale_id")

	w = do(t, r, http.MethodPost, "/v1/fiscal/jobs", dto.FiscalJobRequest{OperationType: "refund"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, errorBody(t, w).Fields, "operation_type")

	w = do(t, r, http.MethodPost, "/v1/fiscal/jobs", dto.FiscalJobRequest{OperationType: "periodic_report"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, errorBody(t, w).Fields, "start_date")
}

func TestSubmitJob_ConfigurationErrorIsConflict(t *testing.T) {
	svc := &stubFiscalService{err: apierror.Configuration("no active fiscal configuration for receipt")}
	w := do(t, newEngine(&stubSyncService{}, svc), http.MethodPost, "/v1/fiscal/jobs", dto.FiscalJobRequest{OperationType: "shift_open"})

	assert.Equal(t, http.StatusConflict, w.Code)
	body := errorBody(t, w)
	assert.Equal(t, apierror.KindConfiguration, body.Error)
	assert.Equal(t, "no active fiscal configuration for receipt", body.Detail)
}

func TestGetJob_PollingShape(t *testing.T) {
	id := uuid.New()
	w := do(t, newEngine(&stubSyncService{}, &stubFiscalService{}), http.MethodGet, "/v1/fiscal/jobs/"+id.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"fiscalNumber":"FP0001042"`)
}

func TestGetJob_BadID(t *testing.T) {
	w := do(t, newEngine(&stubSyncService{}, &stubFiscalService{}), http.MethodGet, "/v1/fiscal/jobs/42", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestGetJob_NotFound(t *testing.T) {
	svc := &stubFiscalService{err: apierror.NotFound("fiscal job not found")}
	w := do(t, newEngine(&stubSyncService{}, svc), http.MethodGet, "/v1/fiscal/jobs/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListJobs_Defaults(t *testing.T) {
	w := do(t, newEngine(&stubSyncService{}, &stubFiscalService{}), http.MethodGet, "/v1/fiscal/jobs?dead=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp dto.FiscalJobListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Page)
	assert.Equal(t, 50, resp.Limit)
}

func TestShift_PrinterUnreachableIsBadGateway(t *testing.T) {
	svc := &stubFiscalService{err: apierror.Connectivity(context.DeadlineExceeded, "caspos: printer unreachable")}
	w := do(t, newEngine(&stubSyncService{}, svc), http.MethodGet, "/v1/fiscal/shift", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestConfigAndDLQ(t *testing.T) {
	r := newEngine(&stubSyncService{}, &stubFiscalService{})

	w := do(t, r, http.MethodGet, "/v1/fiscal/config?purpose=report", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"purpose":"report"`)

	w = do(t, r, http.MethodGet, "/v1/fiscal/dlq/size", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"queue":"dlq:jobs:fiscal","size":2}`, w.Body.String())
}
