// Package metricsx wires the relayer's counters and gauges (spec §6, §8)
// into go-ethereum's metrics registry and exposes them the same way the
// teacher pairs metrics with metrics/prometheus: a typed registry plus a
// text-exposition HTTP handler.
package metricsx

import (
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/metrics/prometheus"
)

// Registry bundles every named metric the relayer core exposes.
type Registry struct {
	r metrics.Registry

	StoredEvents         metrics.Counter
	MissedEvents         metrics.Counter
	MessagesProcessed    metrics.Counter
	OpsPrepared          metrics.Counter
	OpsSubmitted         metrics.Counter
	OpsConfirmed         metrics.Counter
	OpsFailed            metrics.Counter
	OpsDropped           metrics.Counter
	ConfirmationFailures metrics.Counter
	CriticalErrors       metrics.Counter

	IndexedBlockHeight metrics.GaugeInfo
	AnchorPoint        metrics.GaugeInfo
}

// New constructs a Registry backed by a fresh go-ethereum metrics
// registry of its own (not metrics.DefaultRegistry), so two Registry
// values never share counters.
func New() *Registry {
	reg := metrics.NewRegistry()
	return &Registry{
		r:                    reg,
		StoredEvents:         metrics.NewRegisteredCounter("relayer/indexer/stored_events", reg),
		MissedEvents:         metrics.NewRegisteredCounter("relayer/indexer/missed_events", reg),
		MessagesProcessed:    metrics.NewRegisteredCounter("relayer/processor/messages_processed", reg),
		OpsPrepared:          metrics.NewRegisteredCounter("relayer/submitter/ops_prepared", reg),
		OpsSubmitted:         metrics.NewRegisteredCounter("relayer/submitter/ops_submitted", reg),
		OpsConfirmed:         metrics.NewRegisteredCounter("relayer/submitter/ops_confirmed", reg),
		OpsFailed:            metrics.NewRegisteredCounter("relayer/submitter/ops_failed", reg),
		OpsDropped:           metrics.NewRegisteredCounter("relayer/submitter/ops_dropped", reg),
		ConfirmationFailures: metrics.NewRegisteredCounter("relayer/submitter/confirmation_failures", reg),
		CriticalErrors:       metrics.NewRegisteredCounter("relayer/critical_errors", reg),
		IndexedBlockHeight:   metrics.NewRegisteredGaugeInfo("relayer/indexer/indexed_block_height", reg),
		AnchorPoint:          metrics.NewRegisteredGaugeInfo("relayer/sweep/anchor_point", reg),
	}
}

// GaugeVec returns (creating if absent) a per-label gauge under prefix,
// used for the per-(origin,destination) nonce/queue-length gauges whose
// label set isn't known until a chain pair is configured at startup.
func (m *Registry) GaugeVec(prefix string, labels ...string) metrics.Gauge {
	name := prefix
	for _, l := range labels {
		name += "/" + l
	}
	return metrics.GetOrRegisterGauge(name, m.r)
}

// QueueLengthGauge returns the submitter queue-length gauge for one
// (destination, stage) pair.
func (m *Registry) QueueLengthGauge(destination string, stage string) metrics.Gauge {
	return m.GaugeVec("relayer/submitter/queue_length", destination, stage)
}

// NonceGauge returns the last-known-nonce gauge for one (origin,
// destination) pair.
func (m *Registry) NonceGauge(origin, destination string) metrics.Gauge {
	return m.GaugeVec("relayer/noncemgr/last_nonce", origin, destination)
}

// WalletBalanceGauge returns the wallet-balance gauge for one (chain,
// address) pair.
func (m *Registry) WalletBalanceGauge(chain, address string) metrics.GaugeFloat64 {
	name := fmt.Sprintf("relayer/wallet_balance/%s/%s", chain, address)
	return metrics.GetOrRegisterGaugeFloat64(name, m.r)
}

// Handler returns the GET /metrics HTTP handler exposing the registry in
// Prometheus text exposition format.
func (m *Registry) Handler() http.Handler {
	return prometheus.Handler(m.r)
}
