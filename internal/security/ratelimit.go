package security

import (
	"errors"
	"fmt"
	"time"

	"sprout/internal/kv"
)

// ErrRateLimited — ведро пусто; вызыватель отвечает 429 и не ретраит.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimitError — какое ведро исчерпано и когда повторять. Матчится
// errors.Is(err, ErrRateLimited).
type RateLimitError struct {
	Scope      string // tenant | device
	RetryAfter int    // сек
}

func (e *RateLimitError) Error() string { return fmt.Sprintf("rate limit exceeded (%s)", e.Scope) }
func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// Policy — параметры token-bucket.
type Policy struct {
	Points int           // запросов на окно
	Window time.Duration // длина окна
	Block  time.Duration // опц. блокировка после исчерпания (0 — нет)
}

// Предопределённые политики: грубая на тенанта, жёсткая на устройство.
func TenantPolicy() Policy { return Policy{Points: 10000, Window: time.Minute} }
func DevicePolicy() Policy {
	return Policy{Points: 60, Window: time.Minute, Block: 5 * time.Minute}
}

// bucket хранится в kv целиком и заменяется через CAS: мутация по ключу
// атомарна даже при конкурентных вызовах.
type bucket struct {
	Remaining    int
	ResetAt      int64 // unix millis
	BlockedUntil int64 // unix millis, 0 — нет блокировки
}

// Limiter — token-bucket поверх kv.Store.
type Limiter struct {
	store  kv.Store
	policy Policy
	prefix string
	now    func() time.Time
}

func NewLimiter(store kv.Store, policy Policy, prefix string) *Limiter {
	if policy.Points <= 0 {
		policy.Points = 60
	}
	if policy.Window <= 0 {
		policy.Window = time.Minute
	}
	return &Limiter{store: store, policy: policy, prefix: prefix, now: time.Now}
}

func (l *Limiter) key(k string) string { return "rl:" + l.prefix + ":" + k }

// ttl ведра: окно плюс блокировка, дальше запись сама протухает.
func (l *Limiter) ttl() time.Duration { return l.policy.Window + l.policy.Block }

// Consume списывает один поинт. Ленивая пересборка ведра после resetAt.
func (l *Limiter) Consume(k string) bool {
	key := l.key(k)
	for {
		now := l.now().UnixMilli()
		cur, ok := l.store.Get(key)

		if !ok {
			fresh := bucket{
				Remaining: l.policy.Points - 1,
				ResetAt:   now + l.policy.Window.Milliseconds(),
			}
			if l.store.CompareAndSwap(key, nil, fresh, l.ttl()) {
				return true
			}
			continue // гонка за первый вход — перечитать
		}

		b, _ := cur.(bucket)
		if b.BlockedUntil > now {
			return false
		}
		if now > b.ResetAt {
			// окно прошло — ведро наполняется заново ровно один раз
			fresh := bucket{
				Remaining: l.policy.Points - 1,
				ResetAt:   now + l.policy.Window.Milliseconds(),
			}
			if l.store.CompareAndSwap(key, cur, fresh, l.ttl()) {
				return true
			}
			continue
		}
		if b.Remaining <= 0 {
			if l.policy.Block > 0 && b.BlockedUntil == 0 {
				blocked := b
				blocked.BlockedUntil = now + l.policy.Block.Milliseconds()
				_ = l.store.CompareAndSwap(key, cur, blocked, l.ttl())
			}
			return false
		}
		next := b
		next.Remaining--
		if l.store.CompareAndSwap(key, cur, next, l.ttl()) {
			return true
		}
	}
}

// Remaining — сколько поинтов осталось в текущем окне.
func (l *Limiter) Remaining(k string) int {
	cur, ok := l.store.Get(l.key(k))
	if !ok {
		return l.policy.Points
	}
	b, _ := cur.(bucket)
	if l.now().UnixMilli() > b.ResetAt {
		return l.policy.Points
	}
	return b.Remaining
}

// Reset сбрасывает ведро.
func (l *Limiter) Reset(k string) { l.store.Delete(l.key(k)) }

// RetryAfter — через сколько секунд имеет смысл повторить (для Retry-After).
func (l *Limiter) RetryAfter(k string) int {
	cur, ok := l.store.Get(l.key(k))
	if !ok {
		return 0
	}
	b, _ := cur.(bucket)
	now := l.now().UnixMilli()
	until := b.ResetAt
	if b.BlockedUntil > until {
		until = b.BlockedUntil
	}
	if until <= now {
		return 0
	}
	return int((until - now + 999) / 1000)
}
