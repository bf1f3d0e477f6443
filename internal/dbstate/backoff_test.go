package dbstate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffLockoutWithinBounds(t *testing.T) {
	for i := 0; i < 50; i++ {
		d := Backoff(ClassLockout, 0)
		assert.GreaterOrEqual(t, d, lockoutMinDelay)
		assert.LessOrEqual(t, d, time.Duration(float64(lockoutMaxDelay)*(1+lockoutJitter)))
	}
}

func TestBackoffAuthFailureWithinBounds(t *testing.T) {
	for i := 0; i < 50; i++ {
		d := Backoff(ClassAuthFailure, 0)
		assert.GreaterOrEqual(t, d, authFailureMin)
		assert.LessOrEqual(t, d, authFailureMax)
	}
}

func TestBackoffNetworkNeverExceedsCapWithJitter(t *testing.T) {
	for attempt := 0; attempt <= 5; attempt++ {
		for i := 0; i < 20; i++ {
			d := Backoff(ClassNetwork, attempt)
			assert.LessOrEqual(t, d, time.Duration(float64(normalMaxDelay)*1.2))
			assert.GreaterOrEqual(t, d, time.Duration(0))
		}
	}
}

func TestBackoffNetworkGrowsWithAttempts(t *testing.T) {
	// attempt 0 should generally produce smaller base delays than attempt 4,
	// check via the unjittered base formula rather than flaky samples.
	base0 := normalBaseDelay * (1 << 0)
	base4 := normalBaseDelay * (1 << 4)
	assert.Less(t, base0, base4)
	assert.LessOrEqual(t, base4, normalMaxDelay)
}
