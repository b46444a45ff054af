package fiscal

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"xpos/internal/apierror"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ── Helpers ──────────────────────────────────────────────────────────────────

// printerAt points a config at a fake printer served by srv.
func printerAt(t *testing.T, srv *httptest.Server, provider string) Config {
	t.Helper()
	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return Config{
		ID:           "cfg-1",
		Provider:     provider,
		IPAddress:    host,
		Port:         port,
		OperatorCode: "1",
		Username:     "cashier",
		Password:     "0000",
		SecurityKey:  "key",
		MerchantID:   "M-1",
		IsActive:     true,
	}
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func sampleReceipt() Receipt {
	return Receipt{
		Reference: "S00000001",
		Lines: []ReceiptLine{
			{Name: "Coffee", Quantity: d("2"), UnitPrice: d("2.50"), Discount: decimal.Zero, TaxRate: d("18"), Total: d("5.00")},
			{Name: "Water", Quantity: d("1"), UnitPrice: d("1.20"), Discount: d("0.20"), TaxRate: decimal.Zero, Total: d("1.00")},
		},
		Payments: []Payment{{Method: "cash", Amount: d("6.00")}},
		Subtotal: d("6.20"),
		Discount: d("0.20"),
		Total:    d("6.00"),
		SoldAt:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func decodeBody(r *http.Request, out any) error {
	b, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// ── Factory / validation ─────────────────────────────────────────────────────

func TestNew_UnknownProvider(t *testing.T) {
	_, err := New("epson")
	require.Error(t, err)
	assert.Equal(t, apierror.KindConfiguration, apierror.KindOf(err))
}

func TestNew_AllProvidersRegistered(t *testing.T) {
	for _, name := range Providers {
		p, err := New(name)
		require.NoError(t, err, name)
		assert.Equal(t, name, p.Name())
	}
}

func TestPrepare_MissingOrInactiveMakesNoNetworkCall(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	_, err := Prepare(nil)
	assert.Equal(t, apierror.KindConfiguration, apierror.KindOf(err))

	cfg := printerAt(t, srv, Caspos)
	cfg.IsActive = false
	_, err = Prepare(&cfg)
	assert.Equal(t, apierror.KindConfiguration, apierror.KindOf(err))
	assert.Equal(t, int32(0), atomic.LoadInt32(&hits))
}

func TestValidate_EachVendorChecksItsOwnCredentials(t *testing.T) {
	base := Config{IPAddress: "10.0.0.5", Port: 8080, IsActive: true}
	cases := []struct {
		provider string
		missing  string
		fill     func(*Config)
	}{
		{Caspos, "username", func(c *Config) { c.Username, c.Password = "u", "p" }},
		{Omnitech, "password", func(c *Config) { c.Username, c.Password = "u", "p" }},
		{NBA, "security_key", func(c *Config) { c.SecurityKey = "k" }},
		{OneClick, "merchant_id", func(c *Config) { c.MerchantID = "m" }},
		{AzSmart, "operator_code", func(c *Config) { c.OperatorCode, c.Password = "7", "1234" }},
		{Datecs, "operator_code", func(c *Config) { c.OperatorCode, c.Password = "1", "0000" }},
	}
	for _, tc := range cases {
		t.Run(tc.provider, func(t *testing.T) {
			p, err := New(tc.provider)
			require.NoError(t, err)

			cfg := base
			err = p.Validate(cfg)
			require.Error(t, err)
			var apiErr *apierror.Error
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, apierror.KindConfiguration, apiErr.Kind)
			assert.Contains(t, apiErr.Fields, tc.missing)

			tc.fill(&cfg)
			assert.NoError(t, p.Validate(cfg))
		})
	}
}

func TestValidate_RequiresAddress(t *testing.T) {
	p, _ := New(NBA)
	err := p.Validate(Config{SecurityKey: "k"})
	var apiErr *apierror.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "required", apiErr.Fields["ip_address"])
	assert.Equal(t, "invalid", apiErr.Fields["port"])
}

func TestValidate_DatecsOperatorCodeNumeric(t *testing.T) {
	p, _ := New(Datecs)
	err := p.Validate(Config{IPAddress: "10.0.0.5", Port: 4999, OperatorCode: "abc", Password: "1"})
	assert.Equal(t, apierror.KindConfiguration, apierror.KindOf(err))
}

// ── Transport error mapping ──────────────────────────────────────────────────

func TestTransport_Non2xxIsProtocol(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, _ := New(Caspos)
	_, err := p.PrintSaleReceipt(context.Background(), printerAt(t, srv, Caspos), sampleReceipt())
	assert.Equal(t, apierror.KindProtocol, apierror.KindOf(err))
	assert.Contains(t, err.Error(), "500")
}

func TestTransport_MalformedBodyIsProtocol(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	p, _ := New(OneClick)
	_, err := p.GetControlTape(context.Background(), printerAt(t, srv, OneClick))
	assert.Equal(t, apierror.KindProtocol, apierror.KindOf(err))
}

func TestTransport_TimeoutIsConnectivity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	p, _ := New(Caspos, WithTimeout(50*time.Millisecond))
	start := time.Now()
	_, err := p.GetShiftStatus(context.Background(), printerAt(t, srv, Caspos))
	assert.Equal(t, apierror.KindConnectivity, apierror.KindOf(err))
	assert.True(t, apierror.IsRetryable(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestTransport_UnreachableIsConnectivity(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	cfg := printerAt(t, srv, NBA)
	srv.Close()

	p, _ := New(NBA)
	_, err := p.GetShiftStatus(context.Background(), cfg)
	assert.Equal(t, apierror.KindConnectivity, apierror.KindOf(err))
}

// ── Vendors ──────────────────────────────────────────────────────────────────

func TestCaspos_PrintSaleReceipt(t *testing.T) {
	var got casposRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, map[string]any{"code": 0, "data": map[string]any{"documentId": "D-77", "fiscalNumber": "FP0001042"}})
	}))
	defer srv.Close()

	p, _ := New(Caspos)
	res, err := p.PrintSaleReceipt(context.Background(), printerAt(t, srv, Caspos), sampleReceipt())
	require.NoError(t, err)
	assert.Equal(t, "FP0001042", res.FiscalNumber)
	assert.Equal(t, "D-77", res.FiscalDocumentID)
	assert.Equal(t, "createDocument", got.Operation)
	assert.Equal(t, "cashier", got.Username)
}

func TestCaspos_VendorRejectionIsProtocol(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"code": 12, "message": "paper out"})
	}))
	defer srv.Close()

	p, _ := New(Caspos)
	_, err := p.PrintSaleReceipt(context.Background(), printerAt(t, srv, Caspos), sampleReceipt())
	assert.Equal(t, apierror.KindProtocol, apierror.KindOf(err))
	assert.Contains(t, err.Error(), "paper out")
}

func TestCaspos_MissingFiscalNumberIsProtocol(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"code": 0, "data": map[string]any{"documentId": "D-1"}})
	}))
	defer srv.Close()

	p, _ := New(Caspos)
	_, err := p.PrintSaleReceipt(context.Background(), printerAt(t, srv, Caspos), sampleReceipt())
	assert.Equal(t, apierror.KindProtocol, apierror.KindOf(err))
}

func TestOmnitech_RelogsInOnceWhenTokenExpires(t *testing.T) {
	var logins, sales int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/login":
			n := atomic.AddInt32(&logins, 1)
			writeJSON(w, map[string]any{"code": 0, "access_token": "tok-" + strconv.Itoa(int(n))})
		case "/v2":
			var body map[string]any
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			atomic.AddInt32(&sales, 1)
			if body["access_token"] == "tok-1" {
				writeJSON(w, map[string]any{"code": 401, "message": "token expired"})
				return
			}
			writeJSON(w, map[string]any{"code": 0, "data": map[string]any{"document_id": "abc", "short_document_id": "FP0001042"}})
		}
	}))
	defer srv.Close()

	p, _ := New(Omnitech)
	res, err := p.PrintSaleReceipt(context.Background(), printerAt(t, srv, Omnitech), sampleReceipt())
	require.NoError(t, err)
	assert.Equal(t, "FP0001042", res.FiscalNumber)
	assert.Equal(t, int32(2), atomic.LoadInt32(&logins))
	assert.Equal(t, int32(2), atomic.LoadInt32(&sales))
}

func TestOmnitech_LoginFailureIsProtocol(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"code": 3, "message": "bad credentials"})
	}))
	defer srv.Close()

	p, _ := New(Omnitech)
	err := p.OpenShift(context.Background(), printerAt(t, srv, Omnitech))
	assert.Equal(t, apierror.KindProtocol, apierror.KindOf(err))
}

func TestNBA_SendsSecurityKeyAndFixedAmounts(t *testing.T) {
	var got nbaReceipt
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.Header.Get(nbaKeyHeader))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, map[string]any{"success": true, "result": map[string]any{"fiscalNumber": "FP0001042", "documentId": "N-1"}})
	}))
	defer srv.Close()

	p, _ := New(NBA)
	res, err := p.PrintSaleReceipt(context.Background(), printerAt(t, srv, NBA), sampleReceipt())
	require.NoError(t, err)
	assert.Equal(t, "FP0001042", res.FiscalNumber)
	require.Len(t, got.Lines, 2)
	assert.Equal(t, "2.50", got.Lines[0].Price)
	assert.Equal(t, "2.000", got.Lines[0].Qty)
	assert.Equal(t, "6.00", got.Total)
}

func TestNBA_FailureEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"success": false, "error": map[string]any{"code": "E42", "message": "fiscal memory full"}})
	}))
	defer srv.Close()

	p, _ := New(NBA)
	_, err := p.CloseShift(context.Background(), printerAt(t, srv, NBA))
	assert.Equal(t, apierror.KindProtocol, apierror.KindOf(err))
	assert.Contains(t, err.Error(), "E42")
}

func TestOneClick_UsesDocNumberAsFiscalNumber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/oneclick/api/sale", r.URL.Path)
		var req map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "M-1", req["merchantId"])
		writeJSON(w, map[string]any{"status": "ok", "data": map[string]any{"fiscalId": "F-9", "docNumber": "FP0001042"}})
	}))
	defer srv.Close()

	p, _ := New(OneClick)
	res, err := p.PrintSaleReceipt(context.Background(), printerAt(t, srv, OneClick), sampleReceipt())
	require.NoError(t, err)
	assert.Equal(t, "FP0001042", res.FiscalNumber)
	assert.Equal(t, "F-9", res.FiscalDocumentID)
}

func TestAzSmart_CountsInMinorUnits(t *testing.T) {
	var got struct {
		Operator azSmartOperator `json:"operator"`
		Command  string          `json:"command"`
		Payload  azSmartCheck    `json:"payload"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, map[string]any{"result": 0, "data": map[string]any{"fiscal_sign": "FP0001042", "doc_id": "7"}})
	}))
	defer srv.Close()

	p, _ := New(AzSmart)
	res, err := p.PrintSaleReceipt(context.Background(), printerAt(t, srv, AzSmart), sampleReceipt())
	require.NoError(t, err)
	assert.Equal(t, "FP0001042", res.FiscalNumber)
	assert.Equal(t, "PRINT_CHECK", got.Command)
	assert.Equal(t, "1", got.Operator.Code)
	require.Len(t, got.Payload.Goods, 2)
	assert.Equal(t, int64(250), got.Payload.Goods[0].Price)
	assert.Equal(t, int64(2000), got.Payload.Goods[0].Qty)
	assert.Equal(t, int64(1800), got.Payload.Goods[0].VatRate)
	assert.Equal(t, int64(600), got.Payload.Total)
}

func TestAzSmart_CloseShiftSummary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"result": 0, "data": map[string]any{"shift_no": 14, "check_count": 3, "total": 12345}})
	}))
	defer srv.Close()

	p, _ := New(AzSmart)
	sum, err := p.CloseShift(context.Background(), printerAt(t, srv, AzSmart))
	require.NoError(t, err)
	assert.Equal(t, "14", sum.ShiftNumber)
	assert.Equal(t, 3, sum.ReceiptCount)
	assert.True(t, d("123.45").Equal(sum.Total))
}

func datecsServer(t *testing.T, answer func(lines []string) string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		text, err := decodeCP1251(raw)
		assert.NoError(t, err)
		out, _ := encodeCP1251(answer(strings.Split(strings.TrimRight(text, "\n"), "\n")))
		_, _ = w.Write(out)
	}))
}

func TestDatecs_PrintSaleReceipt(t *testing.T) {
	srv := datecsServer(t, func(lines []string) string {
		resp := ""
		for i := range lines {
			if i == len(lines)-1 {
				resp += "OK,77,FP0001042\n"
			} else {
				resp += "OK\n"
			}
		}
		return resp
	})
	defer srv.Close()

	p, _ := New(Datecs)
	res, err := p.PrintSaleReceipt(context.Background(), printerAt(t, srv, Datecs), sampleReceipt())
	require.NoError(t, err)
	assert.Equal(t, "FP0001042", res.FiscalNumber)
	assert.Equal(t, "77", res.FiscalDocumentID)
}

func TestDatecs_ErrLineIsProtocol(t *testing.T) {
	srv := datecsServer(t, func(lines []string) string { return "OK\nERR,-111024,paper out\n" })
	defer srv.Close()

	p, _ := New(Datecs)
	_, err := p.PrintSaleReceipt(context.Background(), printerAt(t, srv, Datecs), sampleReceipt())
	assert.Equal(t, apierror.KindProtocol, apierror.KindOf(err))
	assert.Contains(t, err.Error(), "-111024")
}

func TestDatecs_ShortAnswerIsProtocol(t *testing.T) {
	srv := datecsServer(t, func(lines []string) string { return "OK\n" })
	defer srv.Close()

	p, _ := New(Datecs)
	_, err := p.PrintSaleReceipt(context.Background(), printerAt(t, srv, Datecs), sampleReceipt())
	assert.Equal(t, apierror.KindProtocol, apierror.KindOf(err))
}

func TestDatecs_ShiftStatus(t *testing.T) {
	srv := datecsServer(t, func(lines []string) string {
		assert.Equal(t, []string{"90"}, lines)
		return "OK,1,01-03-26 08:00:00\n"
	})
	defer srv.Close()

	now := time.Date(2026, 3, 1, 20, 0, 0, 0, time.Local)
	p, _ := New(Datecs, WithClock(func() time.Time { return now }))
	st, err := p.GetShiftStatus(context.Background(), printerAt(t, srv, Datecs))
	require.NoError(t, err)
	assert.True(t, st.IsOpen)
	assert.Equal(t, 12.0, st.DurationHours)
	assert.False(t, st.IsExpired)
}

func TestRedact_KeepsVendorFieldsOnly(t *testing.T) {
	cfg := Config{
		Provider:     NBA,
		OperatorCode: "op",
		Username:     "u",
		Password:     "p",
		SecurityKey:  "k",
		MerchantID:   "m",
	}
	r := Redact(cfg)
	assert.Equal(t, "k", r.SecurityKey)
	assert.Empty(t, r.OperatorCode)
	assert.Empty(t, r.Username)
	assert.Empty(t, r.Password)
	assert.Empty(t, r.MerchantID)

	cfg.Provider = AzSmart
	r = Redact(cfg)
	assert.Equal(t, "op", r.OperatorCode)
	assert.Equal(t, "p", r.Password)
	assert.Empty(t, r.SecurityKey)
}
