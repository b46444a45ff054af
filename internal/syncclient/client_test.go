package syncclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"xpos/internal/apierror"
	"xpos/internal/dto"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...ClientOption) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, time.Second, nil, opts...)
}

func TestClient_RetriesServerErrorsWithBackoff(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeErr(w, apierror.New(apierror.KindInternal, "boom"))
			return
		}
		writeJSON(w, http.StatusOK, dto.RegisterDeviceResponse{DeviceID: "d-1"})
	}, WithRetry(3, time.Millisecond))

	err := c.withRetry(context.Background(), func() error {
		return c.do(context.Background(), call{method: http.MethodGet, path: "/x", out: &dto.RegisterDeviceResponse{}})
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeErr(w, apierror.Validation("invalid request", map[string]string{"entity_type": "oneof"}))
	}, WithRetry(3, time.Millisecond))

	err := c.withRetry(context.Background(), func() error {
		return c.do(context.Background(), call{method: http.MethodGet, path: "/x"})
	})
	require.Error(t, err)
	assert.Equal(t, apierror.KindValidation, apierror.KindOf(err))
	assert.Equal(t, int32(1), calls.Load())

	var e *apierror.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "oneof", e.Fields["entity_type"])
}

func TestClient_RateLimitIsConnectivity(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	err := c.do(context.Background(), call{method: http.MethodGet, path: "/x"})
	assert.Equal(t, apierror.KindConnectivity, apierror.KindOf(err))
	assert.Contains(t, err.Error(), "retry after 5")
}

func TestClient_UnreachableServerIsConnectivityAndObserved(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	var seen []bool
	c := NewClient(url, time.Second, nil, WithRetry(1, time.Millisecond), WithObserver(func(ok bool) { seen = append(seen, ok) }))
	_, err := c.Register(context.Background(), "enroll", dto.RegisterDeviceRequest{DeviceName: "kiosk"})
	assert.Equal(t, apierror.KindConnectivity, apierror.KindOf(err))
	assert.Equal(t, []bool{false}, seen)
}

func TestClient_GarbledBodyIsProtocolError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("<html>captive portal</html>"))
	})
	_, err := c.Register(context.Background(), "enroll", dto.RegisterDeviceRequest{DeviceName: "kiosk"})
	assert.Equal(t, apierror.KindProtocol, apierror.KindOf(err))
}

func TestClient_RegisterSendsEnrollmentToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer enroll-123", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusCreated, dto.RegisterDeviceResponse{DeviceID: "d-1", DeviceToken: "tok"})
	})
	resp, err := c.Register(context.Background(), "enroll-123", dto.RegisterDeviceRequest{DeviceName: "kiosk"})
	require.NoError(t, err)
	assert.Equal(t, "d-1", resp.DeviceID)
}

func TestClient_AuthedCallWithoutIdentityIsUnauthorized(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request must not be sent")
	})
	_, err := c.Heartbeat(context.Background())
	assert.Equal(t, apierror.KindUnauthorized, apierror.KindOf(err))
}
