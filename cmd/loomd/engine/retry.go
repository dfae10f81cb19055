package engine

import (
	"strings"
	"time"
)

// isRetryable reports whether an error message matches one of the
// configured retryable markers. Matching is case-sensitive substring
// containment ("connection TIMEOUT after 5s" matches "TIMEOUT").
func isRetryable(errMsg string, markers []string) bool {
	for _, marker := range markers {
		if marker != "" && strings.Contains(errMsg, marker) {
			return true
		}
	}
	return false
}

// backoffDelay computes the delay before retry attempt retryCount
// (zero-based): base * multiplier^retryCount, capped at max.
func backoffDelay(base time.Duration, multiplier float64, max time.Duration, retryCount int) time.Duration {
	delay := float64(base)
	for i := 0; i < retryCount; i++ {
		delay *= multiplier
	}
	if capped := float64(max); delay > capped {
		delay = capped
	}
	return time.Duration(delay)
}
