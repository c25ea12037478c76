package ratelimit

import "time"

// Backoff is min*2^attempt capped at max.
func Backoff(attempt int, min, max time.Duration) time.Duration {
	if attempt <= 0 {
		return min
	}
	if attempt > 30 {
		return max
	}
	d := min * time.Duration(1<<attempt)
	if d > max || d <= 0 {
		return max
	}
	return d
}
