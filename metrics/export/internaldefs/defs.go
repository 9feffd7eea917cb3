package internaldefs

import (
	authgate "github.com/cordant/authgate"
)

// CounterDef binds one core counter to its exported name.
type CounterDef struct {
	ID   authgate.MetricID
	Name string
	Help string
}

// HistogramDef binds one core latency series to its exported name.
type HistogramDef struct {
	ID   authgate.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter in a stable order.
var CounterDefs = []CounterDef{
	{ID: authgate.MetricAuthSuccess, Name: "authgate_auth_success_total", Help: "Successful authentications."},
	{ID: authgate.MetricAuthFailure, Name: "authgate_auth_failure_total", Help: "Rejected credential submissions."},
	{ID: authgate.MetricAuthRateLimited, Name: "authgate_auth_rate_limited_total", Help: "Attempts rejected by the adaptive rate limiter."},
	{ID: authgate.MetricAuthAccountLocked, Name: "authgate_auth_account_locked_total", Help: "Attempts against locked accounts, including the locking attempt."},
	{ID: authgate.MetricAuthAccountInactive, Name: "authgate_auth_account_inactive_total", Help: "Attempts against inactive or suspended accounts."},
	{ID: authgate.MetricAuthEmailUnverified, Name: "authgate_auth_email_unverified_total", Help: "Attempts against unverified accounts."},
	{ID: authgate.MetricMFARequired, Name: "authgate_mfa_required_total", Help: "Logins parked on a second-factor challenge."},
	{ID: authgate.MetricMFASuccess, Name: "authgate_mfa_success_total", Help: "Completed second-factor challenges."},
	{ID: authgate.MetricMFAFailure, Name: "authgate_mfa_failure_total", Help: "Wrong-code submissions."},
	{ID: authgate.MetricMFAReplayAttempt, Name: "authgate_mfa_replay_attempt_total", Help: "Reuses of an already accepted TOTP counter."},
	{ID: authgate.MetricMFAExhausted, Name: "authgate_mfa_exhausted_total", Help: "Challenges evicted for attempt exhaustion."},
	{ID: authgate.MetricBackupCodeUsed, Name: "authgate_backup_code_used_total", Help: "Successful backup-code completions."},
	{ID: authgate.MetricBackupCodeFailed, Name: "authgate_backup_code_failed_total", Help: "Failed backup-code submissions."},
	{ID: authgate.MetricBackupCodeRegenerated, Name: "authgate_backup_code_regenerated_total", Help: "Backup-code regenerations."},
	{ID: authgate.MetricRefreshSuccess, Name: "authgate_refresh_success_total", Help: "Successful token rotations."},
	{ID: authgate.MetricRefreshFailure, Name: "authgate_refresh_failure_total", Help: "Rejected rotation attempts."},
	{ID: authgate.MetricRefreshReuseDetected, Name: "authgate_refresh_reuse_detected_total", Help: "Rotated-out tokens presented again."},
	{ID: authgate.MetricSessionCreated, Name: "authgate_session_created_total", Help: "Created sessions, guest and authenticated."},
	{ID: authgate.MetricSessionPromoted, Name: "authgate_session_promoted_total", Help: "Guest sessions promoted at login."},
	{ID: authgate.MetricSessionInvalidated, Name: "authgate_session_invalidated_total", Help: "Sessions removed before natural expiry."},
	{ID: authgate.MetricLogout, Name: "authgate_logout_total", Help: "Single-session logout operations."},
	{ID: authgate.MetricLogoutAll, Name: "authgate_logout_all_total", Help: "Logout-all operations."},
	{ID: authgate.MetricCacheHit, Name: "authgate_cache_hit_total", Help: "Read-through cache hits."},
	{ID: authgate.MetricCacheMiss, Name: "authgate_cache_miss_total", Help: "Read-through cache misses."},
	{ID: authgate.MetricProviderError, Name: "authgate_provider_error_total", Help: "Identity provider failures."},
	{ID: authgate.MetricStoreError, Name: "authgate_store_error_total", Help: "Key-value store failures."},
}

// HistogramDefs lists the exported latency series.
var HistogramDefs = []HistogramDef{
	{ID: authgate.MetricAuthenticateLatency, Name: "authgate_authenticate_latency_seconds", Help: "Authenticate end-to-end latency histogram."},
	{ID: authgate.MetricRefreshLatency, Name: "authgate_refresh_latency_seconds", Help: "Refresh end-to-end latency histogram."},
	{ID: authgate.MetricCompleteMFALatency, Name: "authgate_complete_mfa_latency_seconds", Help: "CompleteMFA end-to-end latency histogram."},
}

// HistogramBounds are the upper bounds of the core's fixed buckets, in
// seconds, rendered the way Prometheus expects them.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundSuffix mirrors HistogramBounds with characters legal in
// OTel instrument names.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets pads or truncates a raw bucket slice to the fixed width.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts to the cumulative form used
// by Prometheus histograms.
func CumulativeBuckets(nonCumulative [8]uint64) [8]uint64 {
	var out [8]uint64
	var sum uint64
	for i := 0; i < len(nonCumulative); i++ {
		sum += nonCumulative[i]
		out[i] = sum
	}
	return out
}
