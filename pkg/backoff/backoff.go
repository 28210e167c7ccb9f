package backoff

import (
	"time"

	"lukechampine.com/frand"
)

var (
	BackoffTable = []time.Duration{
		5 * time.Second,
		15 * time.Second,
		30 * time.Second,
		time.Minute,
		2 * time.Minute,
		5 * time.Minute,
		10 * time.Minute,
		20 * time.Minute,
		40 * time.Minute,
		time.Hour,
	}

	backoffLen = len(BackoffTable) - 1

	DefaultBackoff BackoffFunc = TableBackoff
)

// BackoffFunc returns the delay before retrying the given zero-based attempt.
type BackoffFunc func(attempt int) time.Duration

// ExponentialJitterBackoff doubles from 10 seconds with up to 15% jitter,
// maxing out at 12 hours.
func ExponentialJitterBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 16 {
		attempt = 16
	}
	backoff := float64(uint(1) << uint(attempt))
	backoff += backoff * (0.15 * frand.Float64())
	dur := time.Duration(backoff * float64(10*time.Second))

	if dur >= 12*time.Hour {
		return 12*time.Hour + time.Duration(frand.Intn(120))*time.Second
	}
	return dur
}

// TableBackoff returns a fixed backoff maxing out at 1 hour, with up to
// 5 seconds of jitter.
func TableBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > backoffLen {
		attempt = backoffLen
	}
	jitter := time.Duration(frand.Intn(5_000)) * time.Millisecond
	return BackoffTable[attempt] + jitter
}

// GetLinearBackoffFunc returns a backoff function that returns a fixed interval
// between attempts.
func GetLinearBackoffFunc(interval time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		return interval
	}
}
