package metricsx

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCountersStartAtZeroAndIncrement(t *testing.T) {
	m := New()
	assert.Equal(t, int64(0), m.StoredEvents.Count())
	m.StoredEvents.Inc(3)
	assert.Equal(t, int64(3), m.StoredEvents.Count())
}

func TestGaugeVecReturnsSameGaugeForSameLabels(t *testing.T) {
	m := New()
	g1 := m.QueueLengthGauge("dest-a", "prepare")
	g1.Update(5)
	g2 := m.QueueLengthGauge("dest-a", "prepare")
	assert.Equal(t, int64(5), g2.Value())
}

func TestGaugeVecDistinguishesDifferentLabels(t *testing.T) {
	m := New()
	m.NonceGauge("origin-a", "dest-a").Update(10)
	other := m.NonceGauge("origin-b", "dest-a")
	assert.Equal(t, int64(0), other.Value())
}

func TestWalletBalanceGaugeRoundTrip(t *testing.T) {
	m := New()
	m.WalletBalanceGauge("eth", "0xabc").Update(1.5)
	assert.Equal(t, 1.5, m.WalletBalanceGauge("eth", "0xabc").Value())
}

func TestHandlerServesPrometheusExposition(t *testing.T) {
	m := New()
	m.StoredEvents.Inc(1)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.True(t, rec.Body.Len() > 0)
}
