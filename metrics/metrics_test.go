package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rubin.dev/rpcnode/rpc"
	"rubin.dev/rpcnode/rpc/listener"
)

func TestObserveCall(t *testing.T) {
	m := New()
	m.ObserveCall("getblockcount", 0, 3*time.Millisecond)
	m.ObserveCall("getblockcount", 0, time.Millisecond)
	m.ObserveCall("getblockcount", rpc.ErrInWarmup, time.Millisecond)
	m.ObserveCall("foo", rpc.ErrMethodNotFound, time.Millisecond)
	m.ObserveCall("bar", rpc.ErrMethodNotFound, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.calls.WithLabelValues("getblockcount", "0")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.calls.WithLabelValues("getblockcount", "-28")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.calls.WithLabelValues("unknown", "-32601")))
}

func TestConnectionGaugeAndTimers(t *testing.T) {
	m := New()
	m.ConnOpened(listener.Plain)
	m.ConnOpened(listener.Plain)
	m.ConnOpened(listener.TLS)
	m.ConnClosed(listener.Plain)
	m.ConnRejected("rate_limited")
	m.TimerFired("conn-idle:1")
	m.TimerFired("conn-idle:2")
	m.TimerFired("lockwallet")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.openConns.WithLabelValues("plain")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.openConns.WithLabelValues("tls")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejected.WithLabelValues("rate_limited")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.timerFires.WithLabelValues("conn-idle")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.timerFires.WithLabelValues("lockwallet")))
}

func TestHandlerServesMetrics(t *testing.T) {
	m := New()
	m.ObserveLockWait(time.Millisecond)
	m.ObserveREST("chaininfo", 200)

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rr.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "rubin_rpc_exclusive_lock_wait_seconds_count 1")
	assert.Contains(t, string(body), `rubin_rest_requests_total{resource="chaininfo",status="200"} 1`)
}

func TestNilRecorderIsSafe(t *testing.T) {
	var m *RPC
	m.ObserveCall("x", 0, 0)
	m.ObserveLockWait(0)
	m.ConnOpened(listener.Plain)
	m.ConnClosed(listener.Plain)
	m.ConnRejected("x")
	m.TimerFired("x")
	m.ObserveREST("x", 200)
}
