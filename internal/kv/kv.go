// Package kv — разделяемое TTL key-value состояние моста (лимитер,
// идемпотентность). Бизнес-логика зависит только от интерфейса: в
// одиночном инстансе — память, в мульти-инстансе подключается сетевое
// хранилище с той же семантикой.
package kv

import "time"

// Store — контракт кэша. CompareAndSwap атомарен по ключу: это
// единственная гарантия, на которую опираются check-then-act вызыватели.
type Store interface {
	// Get возвращает значение и признак наличия (с учётом TTL).
	Get(key string) (any, bool)
	// SetTTL кладёт значение; ttl<=0 — без срока.
	SetTTL(key string, val any, ttl time.Duration)
	Delete(key string)
	// CompareAndSwap: если текущее значение == old (или отсутствует при old==nil),
	// записать new с ttl и вернуть true.
	CompareAndSwap(key string, old, new any, ttl time.Duration) bool
}
