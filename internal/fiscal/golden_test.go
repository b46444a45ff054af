package fiscal

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"
)

func newGolden(t *testing.T) *goldie.Goldie {
	return goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
}

func TestGolden_DatecsReceiptFrame(t *testing.T) {
	p := &datecsProvider{t: newTransport()}
	cfg := Config{OperatorCode: "1", Password: "0000"}
	newGolden(t).Assert(t, "datecs_receipt", []byte(p.receiptFrame(cfg, sampleReceipt())))
}

func TestGolden_CasposReceiptBody(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		writeJSON(w, map[string]any{"code": 0, "data": map[string]any{"documentId": "D-1", "fiscalNumber": "FP0001042"}})
	}))
	defer srv.Close()

	p, _ := New(Caspos)
	_, err := p.PrintSaleReceipt(context.Background(), printerAt(t, srv, Caspos), sampleReceipt())
	require.NoError(t, err)
	newGolden(t).Assert(t, "caspos_receipt", body)
}
