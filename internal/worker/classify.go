package worker

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// FailureClass buckets an engine failure for retry policy.
type FailureClass string

const (
	// FailureRateLimited installs the global cooldown and retries with backoff.
	FailureRateLimited FailureClass = "rate_limited"
	// FailureStreamDisconnected retries with backoff without touching the cooldown.
	FailureStreamDisconnected FailureClass = "stream_disconnected"
	// FailureSandboxPermission closes the task as blocked; retrying cannot help.
	FailureSandboxPermission FailureClass = "sandbox_permission"
	// FailureOther is everything else.
	FailureOther FailureClass = "other"
)

// ClassifiedFailure is the result of classifying combined engine output.
type ClassifiedFailure struct {
	Class      FailureClass
	Reason     string
	RetryAfter time.Duration
	// PermissionHint is the exact line naming the denied operation, set for
	// FailureSandboxPermission so the receipt can carry it verbatim.
	PermissionHint string
}

var rateLimitHints = []string{
	"rate limit",
	"rate-limit",
	"rate_limit",
	"429",
	"too many requests",
	"quota exceeded",
	"usage limit",
}

var streamDisconnectHints = []string{
	"stream disconnected",
	"stream closed before",
	"connection reset",
	"broken pipe",
	"unexpected eof",
}

var sandboxHints = []string{
	"sandbox denied",
	"sandbox: deny",
	"operation not permitted by sandbox",
	"approval required",
	"permission denied by policy",
}

// ClassifyEngineFailure buckets the combined stderr/stdout of a failed engine
// invocation. The classifier is heuristic string matching because engine CLIs
// exit with generic status codes.
func ClassifyEngineFailure(combined string) ClassifiedFailure {
	lower := strings.ToLower(combined)
	reason := firstNonEmptyLine(combined)
	if reason == "" {
		reason = "engine invocation failed"
	}

	for _, hint := range sandboxHints {
		if strings.Contains(lower, hint) {
			return ClassifiedFailure{
				Class:          FailureSandboxPermission,
				Reason:         reason,
				PermissionHint: lineContaining(combined, hint),
			}
		}
	}
	for _, hint := range rateLimitHints {
		if strings.Contains(lower, hint) {
			return ClassifiedFailure{
				Class:      FailureRateLimited,
				Reason:     reason,
				RetryAfter: ParseRetryAfterHint(combined),
			}
		}
	}
	for _, hint := range streamDisconnectHints {
		if strings.Contains(lower, hint) {
			return ClassifiedFailure{Class: FailureStreamDisconnected, Reason: reason}
		}
	}
	return ClassifiedFailure{Class: FailureOther, Reason: reason}
}

var retryAfterPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)retry-after:\s*(\d+)`),
	regexp.MustCompile(`(?i)retry after\s+(\d+(?:\.\d+)?)\s*(ms|s|sec|seconds?|m|min|minutes?)?`),
	regexp.MustCompile(`(?i)try again in\s+(\d+(?:\.\d+)?)\s*(ms|s|sec|seconds?|m|min|minutes?)?`),
}

// ParseRetryAfterHint extracts a provider retry hint ("Retry-After: 30",
// "please try again in 1.2s") from engine output. Returns 0 when absent.
// A bare Retry-After number is seconds, per the HTTP header.
func ParseRetryAfterHint(combined string) time.Duration {
	for _, pattern := range retryAfterPatterns {
		m := pattern.FindStringSubmatch(combined)
		if m == nil {
			continue
		}
		value, err := strconv.ParseFloat(m[1], 64)
		if err != nil || value <= 0 {
			continue
		}
		unit := "s"
		if len(m) > 2 && m[2] != "" {
			unit = strings.ToLower(m[2])
		}
		switch {
		case unit == "ms":
			return time.Duration(value * float64(time.Millisecond))
		case strings.HasPrefix(unit, "m") && unit != "ms":
			return time.Duration(value * float64(time.Minute))
		default:
			return time.Duration(value * float64(time.Second))
		}
	}
	return 0
}

func firstNonEmptyLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return line
		}
	}
	return ""
}

func lineContaining(s, lowerHint string) string {
	for _, line := range strings.Split(s, "\n") {
		if strings.Contains(strings.ToLower(line), lowerHint) {
			return strings.TrimSpace(line)
		}
	}
	return ""
}
