package reliability

import (
	"testing"
	"time"

	"github.com/tdnguyen/chatgate/internal/fault"
)

func TestKindForHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want fault.Kind
	}{
		{401, fault.KindAuthError},
		{403, fault.KindAuthError},
		{429, fault.KindRateLimited},
		{500, fault.KindUpstreamUnavailable},
		{503, fault.KindUpstreamUnavailable},
		{400, fault.KindInvalidResponse},
	}
	for _, tc := range cases {
		got := KindForHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("KindForHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestRetryableKinds(t *testing.T) {
	if !fault.KindRateLimited.Retryable() {
		t.Fatalf("rate_limited should be retryable")
	}
	if !fault.KindUpstreamUnavailable.Retryable() {
		t.Fatalf("upstream_unavailable should be retryable")
	}
	if fault.KindAuthError.Retryable() {
		t.Fatalf("auth_error must not be retryable")
	}
	if fault.KindInvalidResponse.Retryable() {
		t.Fatalf("invalid_response must not be retryable")
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(1, base, capDur); got != 200*time.Millisecond {
		t.Fatalf("attempt 1 = %v, want 200ms", got)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}
