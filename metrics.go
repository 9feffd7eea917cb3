package authgate

import (
	"sync/atomic"
	"time"
)

// MetricID names one counter or latency series collected by the core.
type MetricID uint16

const (
	// MetricAuthSuccess counts fully successful authentications.
	MetricAuthSuccess MetricID = iota
	// MetricAuthFailure counts bad-credential rejections.
	MetricAuthFailure
	// MetricAuthRateLimited counts attempts rejected before credential work.
	MetricAuthRateLimited
	// MetricAuthAccountLocked counts attempts against locked accounts.
	MetricAuthAccountLocked
	// MetricAuthAccountInactive counts attempts against inactive or suspended accounts.
	MetricAuthAccountInactive
	// MetricAuthEmailUnverified counts attempts against unverified accounts.
	MetricAuthEmailUnverified
	// MetricMFARequired counts logins parked on a second-factor challenge.
	MetricMFARequired
	// MetricMFASuccess counts completed challenges.
	MetricMFASuccess
	// MetricMFAFailure counts wrong-code submissions.
	MetricMFAFailure
	// MetricMFAReplayAttempt counts reuses of an already accepted TOTP counter.
	MetricMFAReplayAttempt
	// MetricMFAExhausted counts challenges evicted for attempt exhaustion.
	MetricMFAExhausted
	// MetricBackupCodeUsed counts successful backup-code completions.
	MetricBackupCodeUsed
	// MetricBackupCodeFailed counts failed backup-code submissions.
	MetricBackupCodeFailed
	// MetricBackupCodeRegenerated counts backup-code regenerations.
	MetricBackupCodeRegenerated
	// MetricRefreshSuccess counts successful token rotations.
	MetricRefreshSuccess
	// MetricRefreshFailure counts rejected rotation attempts.
	MetricRefreshFailure
	// MetricRefreshReuseDetected counts rotated-out tokens presented again.
	MetricRefreshReuseDetected
	// MetricSessionCreated counts created sessions, guest and authenticated.
	MetricSessionCreated
	// MetricSessionPromoted counts guest sessions promoted at login.
	MetricSessionPromoted
	// MetricSessionInvalidated counts sessions removed before natural expiry.
	MetricSessionInvalidated
	// MetricLogout counts single-session logouts.
	MetricLogout
	// MetricLogoutAll counts logout-all operations.
	MetricLogoutAll
	// MetricCacheHit counts read-through cache hits.
	MetricCacheHit
	// MetricCacheMiss counts read-through cache misses.
	MetricCacheMiss
	// MetricProviderError counts identity-provider failures.
	MetricProviderError
	// MetricStoreError counts key-value store failures.
	MetricStoreError
	// MetricAuthenticateLatency is the end-to-end Authenticate latency series.
	MetricAuthenticateLatency
	// MetricRefreshLatency is the end-to-end Refresh latency series.
	MetricRefreshLatency
	// MetricCompleteMFALatency is the end-to-end CompleteMFA latency series.
	MetricCompleteMFALatency
	metricIDCount
)

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

// paddedCounter keeps each counter on its own cache line so hot counters do
// not false-share under concurrent increments.
type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics is the in-process metrics collector. All methods are safe for
// concurrent use; a nil *Metrics is a valid no-op collector.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// MetricsSnapshot is a point-in-time copy of all series.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

// NewMetrics creates a collector from the metrics configuration.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.LatencyHistograms,
	}
}

// Enabled reports whether counters are collected.
func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

// LatencyEnabled reports whether latency histograms are collected.
func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.enableLatency
}

// Inc adds one to a counter.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records one latency sample into the series' fixed buckets.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enabled || !m.enableLatency || id >= metricIDCount {
		return
	}
	if id != MetricAuthenticateLatency && id != MetricRefreshLatency && id != MetricCompleteMFALatency {
		return
	}

	b := bucketIndex(d)
	atomic.AddUint64(&m.histograms[id].buckets[b], 1)
}

// Value reads one counter.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot copies every series. Counters and buckets are read individually;
// the snapshot is not a single atomic cut across series.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}

	s := MetricsSnapshot{
		Counters:   make(map[MetricID]uint64, int(metricIDCount)),
		Histograms: make(map[MetricID][]uint64, 3),
	}

	for id := MetricID(0); id < metricIDCount; id++ {
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	if m.enableLatency {
		for _, id := range []MetricID{MetricAuthenticateLatency, MetricRefreshLatency, MetricCompleteMFALatency} {
			buckets := make([]uint64, histBucketCount)
			for i := 0; i < histBucketCount; i++ {
				buckets[i] = atomic.LoadUint64(&m.histograms[id].buckets[i])
			}
			s.Histograms[id] = buckets
		}
	}

	return s
}

// Health derives an observational health status from recent counter ratios.
// It never probes dependencies; it only reads what the pipeline recorded.
func (m *Metrics) Health() HealthStatus {
	if m == nil || !m.enabled {
		return HealthHealthy
	}

	success := m.Value(MetricAuthSuccess) + m.Value(MetricRefreshSuccess) + m.Value(MetricMFASuccess)
	failure := m.Value(MetricAuthFailure) + m.Value(MetricRefreshFailure) + m.Value(MetricMFAFailure)
	infra := m.Value(MetricStoreError) + m.Value(MetricProviderError)

	total := success + failure
	if total == 0 && infra == 0 {
		return HealthHealthy
	}
	if infra > 0 && infra >= total {
		return HealthUnhealthy
	}
	if total > 0 && failure*2 > total {
		return HealthDegraded
	}
	if infra > 0 {
		return HealthDegraded
	}
	return HealthHealthy
}

func bucketIndex(d time.Duration) int {
	ms := d.Milliseconds()

	switch {
	case ms <= 5:
		return 0
	case ms <= 10:
		return 1
	case ms <= 25:
		return 2
	case ms <= 50:
		return 3
	case ms <= 100:
		return 4
	case ms <= 250:
		return 5
	case ms <= 500:
		return 6
	default:
		return 7
	}
}
