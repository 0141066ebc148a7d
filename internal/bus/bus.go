// Package bus — внутрипроцессная шина сообщений. Единственная точка
// маршрутизации между адаптерами и потребителями: fan-out по виду
// сообщения, без ретраев и персистентности (это забота диспетчера).
package bus

import (
	"sync"

	"sprout/internal/logs"
	"sprout/internal/message"
)

// Handler — колбэк подписчика.
type Handler func(msg any)

// по умолчанию на подписчика буферизуется 256 сообщений;
// при переполнении теряется самое старое, издатель не блокируется
const defaultQueueSize = 256

type subscriber struct {
	id      uint64
	handler Handler
	ch      chan any
	done    chan struct{}
}

// Subscription — отменяемая подписка.
type Subscription struct {
	cancel func()
	once   sync.Once
}

func (s *Subscription) Cancel() { s.once.Do(s.cancel) }

// Bus раздаёт Telemetry/Command/Ack подписчикам. Доставка одному
// подписчику — в порядке публикации; между подписчиками порядок не
// гарантируется. Паника или медлительность одного подписчика не мешает
// остальным.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[message.Kind]map[uint64]*subscriber
	closed bool
}

func New() *Bus {
	return &Bus{subs: make(map[message.Kind]map[uint64]*subscriber)}
}

// Subscribe регистрирует обработчик на вид сообщения.
func (b *Bus) Subscribe(kind message.Kind, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := &subscriber{
		id:      b.nextID,
		handler: h,
		ch:      make(chan any, defaultQueueSize),
		done:    make(chan struct{}),
	}
	if b.subs[kind] == nil {
		b.subs[kind] = make(map[uint64]*subscriber)
	}
	b.subs[kind][s.id] = s

	go s.run()

	id := s.id
	return &Subscription{cancel: func() {
		b.mu.Lock()
		if m := b.subs[kind]; m != nil {
			if sub, ok := m[id]; ok {
				delete(m, id)
				close(sub.done)
			}
		}
		b.mu.Unlock()
	}}
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.ch:
			s.dispatch(msg)
		}
	}
}

func (s *subscriber) dispatch(msg any) {
	defer func() {
		if rec := recover(); rec != nil {
			logs.Logger.Errorf("bus subscriber panic: %v", rec)
		}
	}()
	s.handler(msg)
}

// Publish — fire-and-forget fan-out. Переполненная очередь подписчика
// теряет самое старое сообщение, о чём пишется warn.
func (b *Bus) Publish(kind message.Kind, msg any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs[kind] {
		select {
		case s.ch <- msg:
		default:
			// drop-oldest: освобождаем слот и кладём новое
			select {
			case <-s.ch:
				logs.Logger.Warnf("bus: slow subscriber, dropping oldest %s message", kind)
			default:
			}
			select {
			case s.ch <- msg:
			default:
			}
		}
	}
}

// PublishTelemetry/PublishCommand/PublishAck — типизированные обёртки.
func (b *Bus) PublishTelemetry(t message.Telemetry) { b.Publish(message.KindTelemetry, t) }
func (b *Bus) PublishCommand(c message.Command)     { b.Publish(message.KindCommand, c) }
func (b *Bus) PublishAck(a message.Ack)             { b.Publish(message.KindAck, a) }

// Close останавливает всех подписчиков.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for kind, m := range b.subs {
		for id, s := range m {
			close(s.done)
			delete(m, id)
		}
		delete(b.subs, kind)
	}
}
