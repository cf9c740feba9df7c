package outbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelayGrowsExponentially(t *testing.T) {
	p := BackoffPolicy{Base: 2 * time.Second, Factor: 2, Cap: 5 * time.Minute}

	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 8*time.Second, p.Delay(3))
	assert.Equal(t, 64*time.Second, p.Delay(6))
}

func TestDelayCapped(t *testing.T) {
	p := BackoffPolicy{Base: 2 * time.Second, Factor: 2, Cap: 5 * time.Minute}

	assert.Equal(t, 5*time.Minute, p.Delay(10))
	assert.Equal(t, 5*time.Minute, p.Delay(100))
}

func TestDelayJitterBounds(t *testing.T) {
	p := DefaultBackoff()

	// r=0 gives the lower bound, r just under 1 the upper bound
	p.Rand = func() float64 { return 0 }
	lo := p.Delay(1)
	assert.Equal(t, time.Duration(float64(2*time.Second)*0.8), lo)

	p.Rand = func() float64 { return 0.999999 }
	hi := p.Delay(1)
	assert.InDelta(t, float64(2*time.Second)*1.2, float64(hi), float64(time.Millisecond))

	p.Rand = func() float64 { return 0.5 }
	assert.Equal(t, 2*time.Second, p.Delay(1))
}

func TestDelayAttemptFloor(t *testing.T) {
	p := BackoffPolicy{Base: time.Second, Factor: 2, Cap: time.Minute}
	assert.Equal(t, p.Delay(1), p.Delay(0))
	assert.Equal(t, p.Delay(1), p.Delay(-3))
}
