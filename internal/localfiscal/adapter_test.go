package localfiscal

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"xpos/internal/apierror"
	"xpos/internal/dto"
	"xpos/internal/fiscal"
	"xpos/internal/localstore"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.Local)

// fakeCaspos speaks just enough of the caspos protocol for the adapter.
type fakeCaspos struct {
	mu       sync.Mutex
	open     bool
	openedAt time.Time
	opens    int
	prints   []string // receipt references
	calls    int

	// When hold is set createDocument signals printing and waits for hold
	// to close.
	hold      chan struct{}
	printing  chan struct{}
	// dropPrint issues the document and then drops the connection.
	dropPrint bool
}

func (f *fakeCaspos) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Operation string          `json:"operation"`
		Data      json.RawMessage `json:"data"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Operation == "createDocument" && f.hold != nil {
		f.printing <- struct{}{}
		<-f.hold
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	var data any
	switch req.Operation {
	case "getShiftStatus":
		st := map[string]any{"shiftOpen": f.open}
		if f.open {
			st["shiftOpenTime"] = f.openedAt.Format("2006-01-02 15:04:05")
		}
		data = st
	case "openShift":
		f.open, f.openedAt = true, now
		f.opens++
	case "closeShift":
		f.open = false
		data = map[string]any{"shiftNumber": 12, "receiptCount": len(f.prints), "totalSum": 49.99}
	case "createDocument":
		var sale struct {
			Reference string `json:"reference"`
		}
		_ = json.Unmarshal(req.Data, &sale)
		f.prints = append(f.prints, sale.Reference)
		if f.dropPrint {
			if conn, _, err := w.(http.Hijacker).Hijack(); err == nil {
				conn.Close()
			}
			return
		}
		data = map[string]any{"documentId": "D-77", "fiscalNumber": "FP0001042"}
	case "periodicReport", "controlTape":
		data = map[string]any{"lines": 3}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"code": 0, "data": data})
}

func setup(t *testing.T, active bool) (*Adapter, *localstore.Store, *fakeCaspos) {
	t.Helper()
	printer := &fakeCaspos{}
	srv := httptest.NewServer(printer)
	t.Cleanup(srv.Close)

	store, err := localstore.Open(filepath.Join(t.TempDir(), "kiosk.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, _ := strconv.Atoi(portStr)
	require.NoError(t, store.SaveFiscalConfig(context.Background(), dto.FiscalConfigResponse{
		ID: uuid.NewString(), Purpose: "receipt", Provider: fiscal.Caspos,
		IPAddress: host, Port: port, Username: "cashier", Password: "0000",
		ShiftMaxHours: 24, IsActive: active,
	}))

	a := New(store, fiscal.WithClock(func() time.Time { return now }), fiscal.WithTimeout(2*time.Second)).
		WithClock(func() time.Time { return now })
	return a, store, printer
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func enqueue(t *testing.T, store *localstore.Store) int64 {
	t.Helper()
	id, err := store.EnqueueSale(context.Background(), &localstore.QueuedSale{
		AccountID: uuid.NewString(),
		Items: []dto.SaleItemPayload{{
			Name: "Espresso", Quantity: d("1"), UnitPrice: d("42.36"), TaxRate: d("18"), Total: d("49.99"),
		}},
		Payments:  []dto.SalePaymentPayload{{Method: "card", Amount: d("49.99")}},
		Subtotal:  d("42.36"),
		TaxAmount: d("7.63"),
		Total:     d("49.99"),
		SoldAt:    now.Add(-time.Minute),
	})
	require.NoError(t, err)
	return id
}

func TestPrintSale_OpensShiftPrintsAndRecords(t *testing.T) {
	a, store, printer := setup(t, true)
	ctx := context.Background()
	id := enqueue(t, store)

	res, err := a.PrintSale(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "FP0001042", res.FiscalNumber)
	assert.Equal(t, 1, printer.opens, "closed shift is opened first")
	assert.Equal(t, []string{"L00000001"}, printer.prints)

	sale, err := store.Sale(ctx, id)
	require.NoError(t, err)
	assert.True(t, sale.FiscalLocal)
	require.NotNil(t, sale.FiscalNumber)
	assert.Equal(t, "FP0001042", *sale.FiscalNumber)
	assert.Equal(t, "FP0001042", *sale.Upload().FiscalNumber, "fiscal number travels with the push")
}

func TestPrintSale_TwiceIsDuplicate(t *testing.T) {
	a, store, printer := setup(t, true)
	ctx := context.Background()
	id := enqueue(t, store)

	_, err := a.PrintSale(ctx, id)
	require.NoError(t, err)
	_, err = a.PrintSale(ctx, id)
	assert.Equal(t, apierror.KindDuplicate, apierror.KindOf(err))
	assert.Len(t, printer.prints, 1)
}

func TestPrintSale_ExpiredShiftIsNotPrinted(t *testing.T) {
	a, store, printer := setup(t, true)
	printer.open, printer.openedAt = true, now.Add(-30*time.Hour)
	id := enqueue(t, store)

	_, err := a.PrintSale(context.Background(), id)
	assert.Equal(t, apierror.KindShiftExpired, apierror.KindOf(err))
	assert.Empty(t, printer.prints)

	pushable, err := store.ListPushable(context.Background(), false, 0, 10)
	require.NoError(t, err)
	assert.Len(t, pushable, 1, "a failed print gives the sale back to the push")
}

func TestPrintSale_LostPrinterAnswerKeepsSaleOutOfPush(t *testing.T) {
	a, store, printer := setup(t, true)
	printer.dropPrint = true
	ctx := context.Background()
	id := enqueue(t, store)

	_, err := a.PrintSale(ctx, id)
	assert.Equal(t, apierror.KindConnectivity, apierror.KindOf(err))
	assert.Len(t, printer.prints, 1)

	pushable, err := store.ListPushable(ctx, true, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, pushable, "the printer may have issued the receipt")
}

func TestPrintSale_UploadingSaleNeverReachesPrinter(t *testing.T) {
	a, store, printer := setup(t, true)
	ctx := context.Background()
	id := enqueue(t, store)
	_, err := store.MarkUploading(ctx, []int64{id})
	require.NoError(t, err)

	_, err = a.PrintSale(ctx, id)
	assert.Equal(t, apierror.KindValidation, apierror.KindOf(err))
	assert.Zero(t, printer.calls)

	sale, err := store.Sale(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, localstore.StatusUploading, sale.SyncStatus)
	assert.False(t, sale.FiscalLocal)
}

func TestPrintSale_PushDuringPrintWaitsForFiscalNumber(t *testing.T) {
	a, store, printer := setup(t, true)
	printer.hold = make(chan struct{})
	printer.printing = make(chan struct{})
	ctx := context.Background()
	id := enqueue(t, store)

	type outcome struct {
		res *fiscal.ReceiptResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := a.PrintSale(ctx, id)
		done <- outcome{res, err}
	}()
	<-printer.printing

	// The receipt is in the printer: a push neither lists nor claims it.
	pushable, err := store.ListPushable(ctx, true, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, pushable)
	moved, err := store.MarkUploading(ctx, []int64{id})
	require.NoError(t, err)
	assert.Empty(t, moved)

	close(printer.hold)
	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, "FP0001042", out.res.FiscalNumber)

	sale, err := store.Sale(ctx, id)
	require.NoError(t, err)
	assert.True(t, sale.FiscalLocal)
	assert.Equal(t, localstore.StatusQueued, sale.SyncStatus)

	moved, err = store.MarkUploading(ctx, []int64{id})
	require.NoError(t, err)
	assert.Equal(t, []int64{id}, moved)
	require.NotNil(t, sale.Upload().FiscalNumber)
	assert.Equal(t, "FP0001042", *sale.Upload().FiscalNumber)
}

func TestPrintSale_UnknownSale(t *testing.T) {
	a, _, _ := setup(t, true)
	_, err := a.PrintSale(context.Background(), 99)
	assert.Equal(t, apierror.KindNotFound, apierror.KindOf(err))
}

func TestInactiveConfigNeverReachesPrinter(t *testing.T) {
	a, store, printer := setup(t, false)
	id := enqueue(t, store)

	_, err := a.PrintSale(context.Background(), id)
	assert.Equal(t, apierror.KindConfiguration, apierror.KindOf(err))
	_, err = a.ShiftStatus(context.Background())
	assert.Equal(t, apierror.KindConfiguration, apierror.KindOf(err))
	assert.Zero(t, printer.calls)
}

func TestMissingConfigIsConfigurationError(t *testing.T) {
	store, err := localstore.Open(filepath.Join(t.TempDir(), "kiosk.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	_, err = New(store).ControlTape(context.Background())
	assert.Equal(t, apierror.KindConfiguration, apierror.KindOf(err))
}

func TestShiftLifecycle(t *testing.T) {
	a, _, printer := setup(t, true)
	ctx := context.Background()

	st, err := a.ShiftStatus(ctx)
	require.NoError(t, err)
	assert.False(t, st.IsOpen)

	st, err = a.OpenShift(ctx)
	require.NoError(t, err)
	assert.True(t, st.IsOpen)
	_, err = a.OpenShift(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, printer.opens, "open shift is not reopened")

	sum, err := a.CloseShift(ctx)
	require.NoError(t, err)
	assert.Equal(t, "12", sum.ShiftNumber)
	assert.True(t, sum.Total.Equal(d("49.99")))
}

func TestReports(t *testing.T) {
	a, _, _ := setup(t, true)
	ctx := context.Background()

	rep, err := a.PeriodicReport(ctx, now.AddDate(0, 0, -7), now)
	require.NoError(t, err)
	assert.JSONEq(t, `{"lines":3}`, string(rep.Raw))

	_, err = a.PeriodicReport(ctx, now, now.AddDate(0, 0, -1))
	assert.Equal(t, apierror.KindValidation, apierror.KindOf(err))

	tape, err := a.ControlTape(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, tape.Raw)
}
