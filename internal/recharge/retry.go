package recharge

import "bursar/pkg/config"

// RetryPolicy governs how failed charge attempts are retried. Declines
// are never retried; only transient processor errors requeue the job.
type RetryPolicy struct {
	MaxAttempts    int
	BackoffSeconds int64
}

// PolicyFromEnv reads the retry knobs, falling back to 3 attempts spaced
// at least 60 seconds apart.
func PolicyFromEnv() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    config.GetEnvInt("RECHARGE_MAX_ATTEMPTS", 3),
		BackoffSeconds: config.GetEnvInt64("RECHARGE_BACKOFF_SECONDS", 60),
	}
}

// Exhausted reports whether the job has used up its attempts.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}
