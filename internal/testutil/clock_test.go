package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeClock_DefaultsToEpoch(t *testing.T) {
	clock := NewFakeClock(time.Time{})
	assert.Equal(t, Epoch, clock.Now())
}

func TestFakeClock_StandsStill(t *testing.T) {
	clock := NewFakeClock(time.Time{})
	assert.Equal(t, clock.Now(), clock.Now())
}

func TestFakeClock_Advance(t *testing.T) {
	clock := NewFakeClock(time.Time{})

	got := clock.Advance(90 * time.Minute)

	assert.Equal(t, Epoch.Add(90*time.Minute), got)
	assert.Equal(t, got, clock.Now())
}

func TestFakeClock_SetNormalizesToUTC(t *testing.T) {
	clock := NewFakeClock(time.Time{})
	loc := time.FixedZone("UTC+2", 2*60*60)

	clock.Set(time.Date(2025, 6, 1, 12, 0, 0, 0, loc))

	assert.Equal(t, time.UTC, clock.Now().Location())
	assert.Equal(t, 10, clock.Now().Hour())
}

func TestFakeClock_ThreadSafe(t *testing.T) {
	clock := NewFakeClock(time.Time{})
	const numGoroutines = 50

	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			clock.Advance(time.Second)
			_ = clock.Now()
		}()
	}
	wg.Wait()

	assert.Equal(t, Epoch.Add(numGoroutines*time.Second), clock.Now())
}
