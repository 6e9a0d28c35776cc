package internaldefs

import (
	"github.com/MrEthical07/taskgate"
)

// CounterDef binds a gate counter to its exported name.
type CounterDef struct {
	ID   taskgate.MetricID
	Name string
	Help string
}

type HistogramDef struct {
	ID   taskgate.MetricID
	Name string
	Help string
}

var CounterDefs = []CounterDef{
	{ID: taskgate.MetricAdmitAllowed, Name: "taskgate_admit_allowed_total", Help: "Requests admitted by the rate limiter."},
	{ID: taskgate.MetricAdmitRejected, Name: "taskgate_admit_rejected_total", Help: "Requests rejected by the rate limiter."},
	{ID: taskgate.MetricAdmitFailedOpen, Name: "taskgate_admit_failed_open_total", Help: "Requests admitted because the rate-limit store was unavailable."},
	{ID: taskgate.MetricIssueSuccess, Name: "taskgate_issue_success_total", Help: "Token families started."},
	{ID: taskgate.MetricIssueFailure, Name: "taskgate_issue_failure_total", Help: "Failed token issues."},
	{ID: taskgate.MetricRotateSuccess, Name: "taskgate_rotate_success_total", Help: "Successful refresh token rotations."},
	{ID: taskgate.MetricRotateMalformed, Name: "taskgate_rotate_malformed_total", Help: "Rotations rejected for malformed tokens."},
	{ID: taskgate.MetricRotateNotFound, Name: "taskgate_rotate_not_found_total", Help: "Rotations with unknown tokens."},
	{ID: taskgate.MetricRotateExpired, Name: "taskgate_rotate_expired_total", Help: "Rotations with expired tokens."},
	{ID: taskgate.MetricRotateReuseDetected, Name: "taskgate_rotate_reuse_detected_total", Help: "Refresh token reuse detections."},
	{ID: taskgate.MetricRotateRaceLost, Name: "taskgate_rotate_race_lost_total", Help: "Reuse detections caused by losing a concurrent rotation."},
	{ID: taskgate.MetricRotateStoreFailure, Name: "taskgate_rotate_store_failure_total", Help: "Rotations failed closed on store errors."},
	{ID: taskgate.MetricFamilyTokensRevoked, Name: "taskgate_family_tokens_revoked_total", Help: "Tokens revoked by reuse containment."},
	{ID: taskgate.MetricContainmentFailure, Name: "taskgate_containment_failure_total", Help: "Family revocations that failed after reuse detection."},
	{ID: taskgate.MetricLogout, Name: "taskgate_logout_total", Help: "Refresh tokens revoked by logout."},
	{ID: taskgate.MetricLoginSuccess, Name: "taskgate_login_success_total", Help: "Successful logins."},
	{ID: taskgate.MetricLoginFailure, Name: "taskgate_login_failure_total", Help: "Failed logins."},
	{ID: taskgate.MetricRegisterSuccess, Name: "taskgate_register_success_total", Help: "Accounts created."},
	{ID: taskgate.MetricRegisterDuplicate, Name: "taskgate_register_duplicate_total", Help: "Registrations rejected as duplicate."},
	{ID: taskgate.MetricTokensSwept, Name: "taskgate_tokens_swept_total", Help: "Expired refresh tokens deleted by the sweeper."},
}

var HistogramDefs = []HistogramDef{
	{ID: taskgate.MetricRotateLatency, Name: "taskgate_rotate_latency_seconds", Help: "Refresh token rotation latency."},
}

// HistogramBounds are the upper bounds, in seconds, of the eight buckets.
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

// NormalizeBuckets pads or truncates raw to eight buckets.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts to cumulative "le" counts.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
