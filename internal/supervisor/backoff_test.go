package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_Doubles(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 30 * time.Second}

	assert.Equal(t, 1*time.Second, b.Delay(0))
	assert.Equal(t, 2*time.Second, b.Delay(1))
	assert.Equal(t, 4*time.Second, b.Delay(2))
	assert.Equal(t, 16*time.Second, b.Delay(4))
}

func TestBackoff_Capped(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 30 * time.Second}

	assert.Equal(t, 30*time.Second, b.Delay(5))
	assert.Equal(t, 30*time.Second, b.Delay(1000))
}

func TestBackoff_ZeroIsImmediate(t *testing.T) {
	b := Backoff{}
	for attempt := range 10 {
		assert.Zero(t, b.Delay(attempt))
	}
}

func TestBackoff_JitterWithinBounds(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 30 * time.Second, Jitter: true}

	for range 100 {
		d := b.Delay(1)
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 3*time.Second)
	}
	for range 100 {
		assert.LessOrEqual(t, b.Delay(10), 30*time.Second)
	}
}

func TestBackoff_UncappedOverflow(t *testing.T) {
	b := Backoff{Initial: time.Second}
	assert.Positive(t, b.Delay(200))
}
