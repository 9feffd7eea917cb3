package authgate

import "time"

// SecurityReport is a point-in-time operational summary assembled from the
// collector. It reads counters only; it never touches the store or the
// provider.
type SecurityReport struct {
	GeneratedAt time.Time    `json:"generated_at"`
	Health      HealthStatus `json:"health"`

	AuthSuccesses   uint64 `json:"auth_successes"`
	AuthFailures    uint64 `json:"auth_failures"`
	RateLimited     uint64 `json:"rate_limited"`
	AccountsLocked  uint64 `json:"accounts_locked"`
	MFAChallenges   uint64 `json:"mfa_challenges"`
	MFAFailures     uint64 `json:"mfa_failures"`
	ReuseDetections uint64 `json:"reuse_detections"`
	SessionsRevoked uint64 `json:"sessions_revoked"`

	CacheHits   uint64 `json:"cache_hits"`
	CacheMisses uint64 `json:"cache_misses"`

	StoreErrors    uint64 `json:"store_errors"`
	ProviderErrors uint64 `json:"provider_errors"`
	AuditDropped   uint64 `json:"audit_dropped"`
}

// SecurityReport assembles the current report.
func (e *Engine) SecurityReport() SecurityReport {
	if e == nil {
		return SecurityReport{Health: HealthUnhealthy}
	}

	return SecurityReport{
		GeneratedAt: e.nowFunc(),
		Health:      e.metrics.Health(),

		AuthSuccesses:   e.metrics.Value(MetricAuthSuccess),
		AuthFailures:    e.metrics.Value(MetricAuthFailure),
		RateLimited:     e.metrics.Value(MetricAuthRateLimited),
		AccountsLocked:  e.metrics.Value(MetricAuthAccountLocked),
		MFAChallenges:   e.metrics.Value(MetricMFARequired),
		MFAFailures:     e.metrics.Value(MetricMFAFailure),
		ReuseDetections: e.metrics.Value(MetricRefreshReuseDetected),
		SessionsRevoked: e.metrics.Value(MetricSessionInvalidated),

		CacheHits:   e.metrics.Value(MetricCacheHit),
		CacheMisses: e.metrics.Value(MetricCacheMiss),

		StoreErrors:    e.metrics.Value(MetricStoreError),
		ProviderErrors: e.metrics.Value(MetricProviderError),
		AuditDropped:   e.AuditDropped(),
	}
}
