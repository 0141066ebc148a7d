package kv

import (
	"reflect"
	"sync"
	"time"
)

type entry struct {
	val       any
	expiresAt time.Time // zero — без срока
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Memory — in-memory реализация Store. Только для одиночного инстанса
// и тестов: состояние не переживает рестарт и не разделяется между
// процессами (известное ограничение деплоя).
type Memory struct {
	mu   sync.Mutex
	data map[string]entry

	janitorStop chan struct{}
	janitorOnce sync.Once
}

func NewMemory() *Memory {
	return &Memory{
		data:        make(map[string]entry),
		janitorStop: make(chan struct{}),
	}
}

// StartJanitor запускает фоновую чистку протухших записей.
func (m *Memory) StartJanitor(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-m.janitorStop:
				return
			case now := <-t.C:
				m.sweep(now)
			}
		}
	}()
}

func (m *Memory) StopJanitor() {
	m.janitorOnce.Do(func() { close(m.janitorStop) })
}

func (m *Memory) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.data {
		if e.expired(now) {
			delete(m.data, k)
		}
	}
}

func (m *Memory) Get(key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	if !ok {
		return nil, false
	}
	if e.expired(time.Now()) {
		delete(m.data, key)
		return nil, false
	}
	return e.val, true
}

func (m *Memory) SetTTL(key string, val any, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := entry{val: val}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	m.data[key] = e
}

func (m *Memory) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
}

func (m *Memory) CompareAndSwap(key string, old, new any, ttl time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, exists := m.data[key]
	if exists && cur.expired(time.Now()) {
		delete(m.data, key)
		exists = false
	}
	if old == nil {
		if exists {
			return false
		}
	} else {
		if !exists || !reflect.DeepEqual(cur.val, old) {
			return false
		}
	}
	e := entry{val: new}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	m.data[key] = e
	return true
}
