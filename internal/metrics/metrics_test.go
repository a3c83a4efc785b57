package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Dispatch("sent", "sms")
		m.ChannelFailure("api")
		m.DrainEntry("removed")
		m.QueueDepth(3)
		m.EnvelopeReceived("sos")
		m.EnvelopeDropped("expired")
		m.EnvelopeRelayed()
		m.MeshQueueDepth(1)
		m.Peers(2)
		m.Online(true)
	})
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCollectorsRecord(t *testing.T) {
	m := New()

	m.Dispatch("sent", "sms")
	m.Dispatch("sent", "sms")
	m.EnvelopeDropped("echo")
	m.QueueDepth(4)
	m.Online(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.dispatches.WithLabelValues("sent", "sms")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.envelopesDropped.WithLabelValues("echo")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.queueDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.online))
}

func TestHandlerExposesNamespace(t *testing.T) {
	m := New()
	m.EnvelopeRelayed()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "rapid_mesh_envelopes_relayed_total 1")
}
