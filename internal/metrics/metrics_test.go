package metrics

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wabridge/internal/domain"
)

func TestBridge_Observe(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveRelay("replied")
	m.ObserveRelay("replied")
	m.ObserveRelay("fallback_error")
	m.ObserveSendFailure()
	m.ObserveReconnect()
	m.ObserveReasoner(0.4, false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.relayed.WithLabelValues("replied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.relayed.WithLabelValues("fallback_error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sendFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconnects))
}

func TestBridge_SetStateIsExclusive(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SetState(domain.StateConnecting)
	m.SetState(domain.StateOpen)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.state.WithLabelValues("open")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.state.WithLabelValues("connecting")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.state.WithLabelValues("logged_out")))
}

func TestBridge_NilSafe(t *testing.T) {
	var m *Bridge
	m.ObserveRelay("replied")
	m.ObserveSendFailure()
	m.ObserveReasoner(1, true)
	m.ObserveReconnect()
	m.SetState(domain.StateOpen)
}

type fakeStatus struct {
	state  domain.ConnectionState
	paired bool
}

func (f fakeStatus) State() domain.ConnectionState { return f.state }
func (f fakeStatus) Paired() bool                  { return f.paired }

func TestRouter_HealthzOpen(t *testing.T) {
	r := NewRouter(fakeStatus{state: domain.StateOpen, paired: true}, prometheus.NewRegistry())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, domain.StateOpen, body.State)
	assert.True(t, body.Paired)
}

func TestRouter_HealthzNotOpen(t *testing.T) {
	r := NewRouter(fakeStatus{state: domain.StateClosed}, prometheus.NewRegistry())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRouter_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ObserveReconnect()

	server := httptest.NewServer(NewRouter(fakeStatus{state: domain.StateOpen}, reg))
	defer server.Close()

	resp, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "wabridge_session_reconnects_total 1")
}
