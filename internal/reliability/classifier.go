package reliability

import (
	"time"

	"github.com/tdnguyen/chatgate/internal/fault"
)

// KindForHTTPStatus classifies an upstream provider status code into the
// gateway failure taxonomy.
func KindForHTTPStatus(code int) fault.Kind {
	switch {
	case code == 401 || code == 403:
		return fault.KindAuthError
	case code == 429:
		return fault.KindRateLimited
	case code >= 500:
		return fault.KindUpstreamUnavailable
	default:
		return fault.KindInvalidResponse
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
