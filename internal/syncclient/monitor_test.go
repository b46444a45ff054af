package syncclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"xpos/internal/apierror"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reconnects(m *Monitor) int {
	n := 0
	for {
		select {
		case <-m.Reconnected():
			n++
		default:
			return n
		}
	}
}

func TestMonitor_DebouncesTransitions(t *testing.T) {
	sink := &RecordingSink{}
	m := NewMonitor(nil, MonitorConfig{OnlineAfter: 1, OfflineAfter: 3, Sink: sink})
	assert.False(t, m.Online())

	m.Observe(true)
	assert.True(t, m.Online())
	assert.Equal(t, 1, reconnects(m))

	m.Observe(false)
	m.Observe(false)
	assert.True(t, m.Online(), "two failures are below the threshold")
	m.Observe(true)
	m.Observe(false)
	m.Observe(false)
	assert.True(t, m.Online(), "a success resets the streak")
	m.Observe(false)
	assert.False(t, m.Online())
	assert.Zero(t, reconnects(m), "going offline does not signal")

	m.Observe(true)
	assert.True(t, m.Online())
	assert.Equal(t, 1, reconnects(m))

	var flips []bool
	for _, e := range sink.Events() {
		require.Equal(t, EventConnectivity, e.Type)
		flips = append(flips, *e.Online)
	}
	assert.Equal(t, []bool{true, false, true}, flips)
}

func TestMonitor_ReconnectSignalsCoalesce(t *testing.T) {
	m := NewMonitor(nil, MonitorConfig{OnlineAfter: 1, OfflineAfter: 1})
	m.Observe(true)
	m.Observe(false)
	m.Observe(true)
	assert.Equal(t, 1, reconnects(m))
}

func TestMonitor_OnlyConnectivityErrorsCountAsOffline(t *testing.T) {
	m := NewMonitor(nil, MonitorConfig{OnlineAfter: 1, OfflineAfter: 1})
	m.Observe(true)

	m.ObserveError(apierror.Unauthorized("token expired"))
	assert.True(t, m.Online(), "the server answered")
	m.ObserveError(apierror.Validation("bad", nil))
	assert.True(t, m.Online())

	m.ObserveError(apierror.Connectivity(errors.New("dial tcp: refused"), "server unreachable"))
	assert.False(t, m.Online())
}

func TestMonitor_RunProbesUntilCancelled(t *testing.T) {
	var up atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !up.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	probe := func(ctx context.Context) error {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return apierror.Connectivity(err, "probe")
		}
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return apierror.Connectivity(nil, "server error")
		}
		return nil
	}
	m := NewMonitor(probe, MonitorConfig{
		Interval:     func() time.Duration { return 5 * time.Millisecond },
		OnlineAfter:  2,
		OfflineAfter: 2,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	assert.False(t, m.Online())

	up.Store(true)
	select {
	case <-m.Reconnected():
	case <-time.After(2 * time.Second):
		t.Fatal("no reconnect signal")
	}
	assert.True(t, m.Online())

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
}
