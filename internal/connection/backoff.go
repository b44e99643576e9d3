package connection

import "time"

// Backoff returns the wait before reconnect attempt number attempts
// (zero-based): min(max, base * 2^attempts).
func Backoff(attempts int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempts < 0 {
		attempts = 0
	}

	d := base
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
