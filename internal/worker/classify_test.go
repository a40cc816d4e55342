package worker

import (
	"testing"
	"time"
)

func TestClassifyEngineFailure_RateLimited(t *testing.T) {
	out := "error: 429 Too Many Requests\nRetry-After: 30\n"
	got := ClassifyEngineFailure(out)
	if got.Class != FailureRateLimited {
		t.Fatalf("class: %q", got.Class)
	}
	if got.RetryAfter != 30*time.Second {
		t.Fatalf("retry after: %v", got.RetryAfter)
	}
	if got.Reason == "" {
		t.Fatalf("reason should carry the first line")
	}
}

func TestClassifyEngineFailure_StreamDisconnect(t *testing.T) {
	got := ClassifyEngineFailure("stream disconnected before completion: read tcp: connection reset by peer")
	if got.Class != FailureStreamDisconnected {
		t.Fatalf("class: %q", got.Class)
	}
}

func TestClassifyEngineFailure_SandboxWinsOverRateLimit(t *testing.T) {
	// Sandbox refusals often mention other errors downstream; the sandbox
	// classification must win so the task closes blocked instead of retrying.
	out := "sandbox denied: write /etc/hosts\nthen a rate limit happened\n"
	got := ClassifyEngineFailure(out)
	if got.Class != FailureSandboxPermission {
		t.Fatalf("class: %q", got.Class)
	}
	if got.PermissionHint != "sandbox denied: write /etc/hosts" {
		t.Fatalf("permission hint: %q", got.PermissionHint)
	}
}

func TestClassifyEngineFailure_OtherFallback(t *testing.T) {
	got := ClassifyEngineFailure("\n\npanic: something unrelated\n")
	if got.Class != FailureOther {
		t.Fatalf("class: %q", got.Class)
	}
	if got.Reason != "panic: something unrelated" {
		t.Fatalf("reason: %q", got.Reason)
	}
	if empty := ClassifyEngineFailure(""); empty.Reason == "" {
		t.Fatalf("empty output still needs a reason")
	}
}

func TestParseRetryAfterHint_Formats(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"Retry-After: 30", 30 * time.Second},
		{"please try again in 1.2s", 1200 * time.Millisecond},
		{"try again in 300ms", 300 * time.Millisecond},
		{"rate limited, try again in 2min", 2 * time.Minute},
		{"no hint here", 0},
	}
	for _, tc := range cases {
		if got := ParseRetryAfterHint(tc.in); got != tc.want {
			t.Fatalf("%q: got %v want %v", tc.in, got, tc.want)
		}
	}
}
