package dispatch

import (
	"context"
	"sync"
	"time"

	"sprout/internal/kv"
)

// DefaultIdempotencyTTL — срок жизни закэшированного результата (24 часа).
const DefaultIdempotencyTTL = 24 * time.Hour

type flight struct {
	done chan struct{}
	val  any
	err  error
}

// Idempotency — at-most-once кэш по клиентскому ключу. Попадание в кэш
// возвращает прежний результат без повторного вызова обработчика;
// конкурентные вызовы с одним ключом схлопываются в одно выполнение.
type Idempotency struct {
	store kv.Store
	ttl   time.Duration

	mu       sync.Mutex
	inflight map[string]*flight
}

func NewIdempotency(store kv.Store, ttl time.Duration) *Idempotency {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &Idempotency{
		store:    store,
		ttl:      ttl,
		inflight: make(map[string]*flight),
	}
}

func idemKey(key string) string { return "idem:" + key }

// Handle выполняет fn не более одного раза на ключ в пределах TTL.
// Ошибки не кэшируются: неудавшийся ключ можно повторить.
func (i *Idempotency) Handle(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (any, error) {
	if cached, ok := i.store.Get(idemKey(key)); ok {
		return cached, nil
	}

	i.mu.Lock()
	if f, ok := i.inflight[key]; ok {
		// кто-то уже выполняет этот ключ — ждём его результат
		i.mu.Unlock()
		select {
		case <-f.done:
			return f.val, f.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	// перепроверка под замком: выполнение могло завершиться между Get и Lock
	if cached, ok := i.store.Get(idemKey(key)); ok {
		i.mu.Unlock()
		return cached, nil
	}
	f := &flight{done: make(chan struct{})}
	i.inflight[key] = f
	i.mu.Unlock()

	f.val, f.err = fn(ctx)
	if f.err == nil {
		i.store.SetTTL(idemKey(key), f.val, i.ttl)
	}

	i.mu.Lock()
	delete(i.inflight, key)
	i.mu.Unlock()
	close(f.done)

	return f.val, f.err
}

// Forget снимает ключ (результат снова станет вычисляемым).
func (i *Idempotency) Forget(key string) { i.store.Delete(idemKey(key)) }
