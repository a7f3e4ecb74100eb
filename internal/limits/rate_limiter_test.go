package limits

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestBurstThenRefusal(t *testing.T) {
	l := NewRateLimiter(10, 5, zerolog.Nop())

	granted := 0
	var retryAfter time.Duration
	for i := 0; i < 15; i++ {
		ok, after := l.Allow("client-a")
		if ok {
			granted++
		} else if retryAfter == 0 {
			retryAfter = after
		}
	}
	// The first 5 succeed on burst; refusals carry a retry hint.
	assert.Equal(t, 5, granted)
	assert.Greater(t, retryAfter, time.Duration(0))
}

func TestKeysAreIndependent(t *testing.T) {
	l := NewRateLimiter(10, 2, zerolog.Nop())

	ok, _ := l.Allow("a")
	assert.True(t, ok)
	ok, _ = l.Allow("a")
	assert.True(t, ok)
	ok, _ = l.Allow("a")
	assert.False(t, ok)

	ok, _ = l.Allow("b")
	assert.True(t, ok)
}

func TestDisabledLimiterAllowsEverything(t *testing.T) {
	l := NewRateLimiter(0, 0, zerolog.Nop())
	assert.False(t, l.Enabled())
	for i := 0; i < 1000; i++ {
		ok, after := l.Allow("k")
		assert.True(t, ok)
		assert.Zero(t, after)
	}
	assert.Zero(t, l.Keys())
}

func TestRefillOverTime(t *testing.T) {
	l := NewRateLimiter(100, 1, zerolog.Nop())

	ok, _ := l.Allow("k")
	assert.True(t, ok)
	ok, after := l.Allow("k")
	assert.False(t, ok)
	assert.LessOrEqual(t, after, 20*time.Millisecond)

	time.Sleep(15 * time.Millisecond)
	ok, _ = l.Allow("k")
	assert.True(t, ok)
}

func TestCostBeyondBurstNeverSucceeds(t *testing.T) {
	l := NewRateLimiter(10, 5, zerolog.Nop())
	ok, after := l.AllowN("k", 6)
	assert.False(t, ok)
	assert.Greater(t, after, time.Duration(0))
}

func TestSweepReclaimsIdleBuckets(t *testing.T) {
	l := NewRateLimiter(10, 5, zerolog.Nop())
	l.Allow("a")
	l.Allow("b")
	assert.Equal(t, 2, l.Keys())

	// Nothing idle long enough yet.
	l.sweep()
	assert.Equal(t, 2, l.Keys())
}

func TestConcurrentAllowAndSweep(t *testing.T) {
	l := NewRateLimiter(1000, 100, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				l.Allow("shared-key")
			}
		}()
	}
	for i := 0; i < 50; i++ {
		l.sweep()
	}
	wg.Wait()
	assert.Equal(t, 1, l.Keys())
}
