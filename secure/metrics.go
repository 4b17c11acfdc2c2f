package secure

import "github.com/VictoriaMetrics/metrics"

// failureMetrics mirrors FailureCounters as Prometheus counters in their own
// set, so a Security instance's diagnostics can be scraped independently of
// the process default registry.
type failureMetrics struct {
	set                *metrics.Set
	invalidScf         *metrics.Counter
	seqNoError         *metrics.Counter
	cryptoError        *metrics.Counter
	accessAndRoleError *metrics.Counter
}

func newFailureMetrics() *failureMetrics {
	m := &failureMetrics{set: metrics.NewSet()}
	m.invalidScf = m.set.NewCounter(`calimero_secure_failures_total{kind="invalid_scf"}`)
	m.seqNoError = m.set.NewCounter(`calimero_secure_failures_total{kind="seq_no_error"}`)
	m.cryptoError = m.set.NewCounter(`calimero_secure_failures_total{kind="crypto_error"}`)
	m.accessAndRoleError = m.set.NewCounter(`calimero_secure_failures_total{kind="access_and_role_error"}`)
	return m
}

func (fm *failureMetrics) sync(c *FailureCounters) {
	snap := c.Snapshot()
	fm.invalidScf.Set(uint64(snap.InvalidScf))
	fm.seqNoError.Set(uint64(snap.SeqNoError))
	fm.cryptoError.Set(uint64(snap.CryptoError))
	fm.accessAndRoleError.Set(uint64(snap.AccessAndRoleError))
}

// Metrics lazily creates and returns a VictoriaMetrics set mirroring s's
// failure counters. Call SyncMetrics periodically (e.g. from the handler that
// serves /metrics) to refresh the metrics from the underlying atomics.
func (s *Security) Metrics() *metrics.Set {
	s.metricsOnce.Do(func() { s.metrics = newFailureMetrics() })
	return s.metrics.set
}

// SyncMetrics refreshes the Prometheus counters returned by Metrics from the
// current FailureCounters. A no-op if Metrics was never called.
func (s *Security) SyncMetrics() {
	if s.metrics != nil {
		s.metrics.sync(&s.Counters)
	}
}
