package kv

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySetGetDelete(t *testing.T) {
	m := NewMemory()

	_, ok := m.Get("missing")
	assert.False(t, ok)

	m.SetTTL("k", "v", 0) // без срока
	v, ok := m.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	m.Delete("k")
	_, ok = m.Get("k")
	assert.False(t, ok)
}

func TestMemoryTTLExpiry(t *testing.T) {
	m := NewMemory()
	m.SetTTL("short", 1, 20*time.Millisecond)

	_, ok := m.Get("short")
	require.True(t, ok)

	time.Sleep(40 * time.Millisecond)
	_, ok = m.Get("short")
	assert.False(t, ok)
}

func TestMemorySweep(t *testing.T) {
	m := NewMemory()
	m.SetTTL("a", 1, 10*time.Millisecond)
	m.SetTTL("b", 2, time.Hour)

	m.sweep(time.Now().Add(time.Minute))

	_, ok := m.Get("a")
	assert.False(t, ok)
	_, ok = m.Get("b")
	assert.True(t, ok)
}

func TestMemoryCompareAndSwap(t *testing.T) {
	m := NewMemory()

	// old=nil — ключ не должен существовать
	assert.True(t, m.CompareAndSwap("k", nil, "v1", 0))
	assert.False(t, m.CompareAndSwap("k", nil, "v2", 0))

	// свап по текущему значению
	assert.True(t, m.CompareAndSwap("k", "v1", "v2", 0))
	assert.False(t, m.CompareAndSwap("k", "v1", "v3", 0)) // устаревшее old

	v, _ := m.Get("k")
	assert.Equal(t, "v2", v)
}

func TestMemoryCompareAndSwapStructValues(t *testing.T) {
	type bucket struct {
		Remaining int
		ResetAt   int64
	}
	m := NewMemory()

	old := bucket{Remaining: 5, ResetAt: 100}
	m.SetTTL("b", old, 0)

	// сравнение по значению, не по идентичности
	assert.True(t, m.CompareAndSwap("b", bucket{Remaining: 5, ResetAt: 100}, bucket{Remaining: 4, ResetAt: 100}, 0))
	assert.False(t, m.CompareAndSwap("b", old, bucket{}, 0))
}

func TestMemoryCompareAndSwapExpiredTreatedAsAbsent(t *testing.T) {
	m := NewMemory()
	m.SetTTL("e", "v", 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	// протухшая запись равна отсутствующей
	assert.False(t, m.CompareAndSwap("e", "v", "v2", 0))
	assert.True(t, m.CompareAndSwap("e", nil, "v3", 0))
}
