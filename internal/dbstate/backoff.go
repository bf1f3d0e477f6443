package dbstate

import (
	"math/rand/v2"
	"time"
)

const (
	normalBaseDelay   = 2 * time.Second
	normalMaxDelay    = 60 * time.Second
	normalJitter      = 0.2
	lockoutMinDelay   = 15 * time.Minute
	lockoutMaxDelay   = 20 * time.Minute
	lockoutJitter     = 0.1
	authFailureMin    = 15 * time.Minute
	authFailureMax    = 30 * time.Minute
)

// Backoff computes the retry delay for the given error class and attempt
// count (0-based consecutive failures): a long randomized wait for a
// lockout (15m to 22m) or auth failure (15m to 30m), an
// exponential-with-jitter climb otherwise.
func Backoff(class ErrorClass, attempt int) time.Duration {
	switch class {
	case ClassLockout:
		return lockoutBackoff()
	case ClassAuthFailure:
		return uniform(authFailureMin, authFailureMax)
	default: // network, other
		n := attempt
		if n > 5 {
			n = 5
		}
		base := normalBaseDelay * time.Duration(1<<uint(n))
		if base > normalMaxDelay {
			base = normalMaxDelay
		}
		return jittered(base, normalJitter)
	}
}

// lockoutBackoff must wait out the full lockout window: the floor is fixed
// at lockoutMinDelay and never jittered down, only the ceiling stretches by
// lockoutJitter. Returning anything below the floor risks hammering the
// account again before the lockout has actually cleared.
func lockoutBackoff() time.Duration {
	upper := time.Duration(float64(lockoutMaxDelay) * (1 + lockoutJitter))
	return lockoutMinDelay + time.Duration(rand.Int64N(int64(upper-lockoutMinDelay)))
}

func uniform(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	span := max - min
	return min + time.Duration(rand.Int64N(int64(span)))
}

// jittered applies ±factor jitter to d, never returning a negative duration.
func jittered(d time.Duration, factor float64) time.Duration {
	delta := float64(d) * factor
	offset := (rand.Float64()*2 - 1) * delta
	result := time.Duration(float64(d) + offset)
	if result < 0 {
		return 0
	}
	return result
}
