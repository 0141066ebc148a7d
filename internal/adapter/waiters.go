package adapter

import (
	"context"
	"fmt"
	"sync"

	"sprout/internal/message"
)

// ackWaiters — корреляция Ack по command_id: SendCommand ждёт, входящий
// транспортный поток резолвит.
type ackWaiters struct {
	mu sync.Mutex
	ch map[string]chan message.Ack
}

func newAckWaiters() *ackWaiters {
	return &ackWaiters{ch: make(map[string]chan message.Ack)}
}

func (w *ackWaiters) register(commandID string) chan message.Ack {
	w.mu.Lock()
	defer w.mu.Unlock()
	c := make(chan message.Ack, 1)
	w.ch[commandID] = c
	return c
}

func (w *ackWaiters) unregister(commandID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.ch, commandID)
}

// resolve отдаёт ack ждущему; поздний ack без ждущего — не ошибка.
func (w *ackWaiters) resolve(ack message.Ack) bool {
	w.mu.Lock()
	c, ok := w.ch[ack.CommandID]
	if ok {
		delete(w.ch, ack.CommandID)
	}
	w.mu.Unlock()
	if ok {
		c <- ack
	}
	return ok
}

// wait ждёт ack либо истечения ctx; таймаут — ошибка доставки, не зависание.
func (w *ackWaiters) wait(ctx context.Context, commandID string) (message.Ack, error) {
	w.mu.Lock()
	c, ok := w.ch[commandID]
	w.mu.Unlock()
	if !ok {
		return message.Ack{}, fmt.Errorf("%w: no waiter for %s", ErrDelivery, commandID)
	}
	select {
	case ack := <-c:
		return ack, nil
	case <-ctx.Done():
		w.unregister(commandID)
		return message.Ack{}, fmt.Errorf("%w: ack wait: %v", ErrDelivery, ctx.Err())
	}
}
