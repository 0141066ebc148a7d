package security

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sprout/internal/kv"
)

func newTestLimiter(p Policy) (*Limiter, *time.Time) {
	l := NewLimiter(kv.NewMemory(), p, "test")
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestLimiterConsumeUntilExhausted(t *testing.T) {
	l, _ := newTestLimiter(Policy{Points: 3, Window: time.Minute})

	for i := 0; i < 3; i++ {
		assert.True(t, l.Consume("dev1"), "point %d", i)
	}
	assert.False(t, l.Consume("dev1"))
	assert.Equal(t, 0, l.Remaining("dev1"))

	// другой ключ — своё ведро
	assert.True(t, l.Consume("dev2"))
}

func TestLimiterRefillsOnceAfterWindow(t *testing.T) {
	l, now := newTestLimiter(Policy{Points: 2, Window: time.Minute})

	require.True(t, l.Consume("k"))
	require.True(t, l.Consume("k"))
	require.False(t, l.Consume("k"))

	// середина окна — всё ещё пусто
	*now = now.Add(30 * time.Second)
	assert.False(t, l.Consume("k"))

	// окно прошло — ровно Points новых поинтов, не больше
	*now = now.Add(31 * time.Second)
	assert.True(t, l.Consume("k"))
	assert.True(t, l.Consume("k"))
	assert.False(t, l.Consume("k"))
}

func TestLimiterBlockAfterExhaustion(t *testing.T) {
	l, now := newTestLimiter(Policy{Points: 1, Window: time.Minute, Block: 5 * time.Minute})

	require.True(t, l.Consume("d"))
	require.False(t, l.Consume("d")) // исчерпание ставит блок

	// окно прошло, но блок ещё держит
	*now = now.Add(2 * time.Minute)
	assert.False(t, l.Consume("d"))
	assert.Positive(t, l.RetryAfter("d"))

	// блок истёк — ведро наполняется
	*now = now.Add(4 * time.Minute)
	assert.True(t, l.Consume("d"))
}

func TestLimiterRetryAfterSeconds(t *testing.T) {
	l, _ := newTestLimiter(Policy{Points: 1, Window: time.Minute})

	require.True(t, l.Consume("r"))
	require.False(t, l.Consume("r"))

	ra := l.RetryAfter("r")
	assert.Greater(t, ra, 0)
	assert.LessOrEqual(t, ra, 60)
}

func TestLimiterReset(t *testing.T) {
	l, _ := newTestLimiter(Policy{Points: 1, Window: time.Minute})
	require.True(t, l.Consume("x"))
	require.False(t, l.Consume("x"))

	l.Reset("x")
	assert.True(t, l.Consume("x"))
}

func TestLimiterConcurrentConsumeNeverOversells(t *testing.T) {
	l := NewLimiter(kv.NewMemory(), Policy{Points: 100, Window: time.Minute}, "conc")

	var granted int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if l.Consume("shared") {
					atomic.AddInt64(&granted, 1)
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(100), granted)
}
