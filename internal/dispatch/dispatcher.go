package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"sprout/internal/adapter"
	"sprout/internal/bus"
	"sprout/internal/logs"
	"sprout/internal/message"
)

// CommandStore — переходы статусов команды во внешнем хранилище.
// Может быть nil (режим без БД): диспетчер тогда ничего не персистит.
type CommandStore interface {
	MarkSent(ctx context.Context, commandID string) error
	MarkAcknowledged(ctx context.Context, commandID string, ackPayload []byte) error
	MarkFailed(ctx context.Context, commandID, reason string) error
}

// AdapterResolver выбирает адаптер для устройства (по транспорту привязки).
type AdapterResolver func(deviceID string) (adapter.Adapter, error)

const queueSize = 128

type job struct {
	ctx context.Context
	cmd message.Command
	res chan result
}

type result struct {
	ack message.Ack
	err error
}

// Dispatcher — доставка команд: идемпотентность → ретраи → адаптер.
// На устройство — один воркер, поэтому порядок отправки совпадает с
// порядком постановки; между устройствами порядок не гарантируется.
type Dispatcher struct {
	bus     *bus.Bus
	idem    *Idempotency
	retry   RetryOptions
	store   CommandStore
	resolve AdapterResolver

	mu     sync.Mutex
	queues map[string]chan job
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(b *bus.Bus, idem *Idempotency, retry RetryOptions, store CommandStore, resolve AdapterResolver) *Dispatcher {
	return &Dispatcher{
		bus:     b,
		idem:    idem,
		retry:   retry,
		store:   store,
		resolve: resolve,
		queues:  make(map[string]chan job),
	}
}

// Dispatch ставит команду в очередь её устройства и ждёт итог.
// Таймаут команды всплывает ошибкой доставки, а не зависанием.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd message.Command) (message.Ack, error) {
	if err := message.ValidateCommand(&cmd); err != nil {
		return message.Ack{}, err
	}
	if cmd.CommandID == "" {
		cmd.CommandID = uuid.NewString()
	}
	if cmd.TS == "" {
		cmd.TS = message.Now()
	}

	q, err := d.queue(cmd.DeviceID)
	if err != nil {
		return message.Ack{}, err
	}

	j := job{ctx: ctx, cmd: cmd, res: make(chan result, 1)}
	select {
	case q <- j:
	case <-ctx.Done():
		return message.Ack{}, fmt.Errorf("%w: enqueue: %v", adapter.ErrDelivery, ctx.Err())
	}

	select {
	case r := <-j.res:
		return r.ack, r.err
	case <-ctx.Done():
		return message.Ack{}, fmt.Errorf("%w: %v", adapter.ErrDelivery, ctx.Err())
	}
}

func (d *Dispatcher) queue(deviceID string) (chan job, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("%w: dispatcher closed", adapter.ErrDelivery)
	}
	q, ok := d.queues[deviceID]
	if !ok {
		q = make(chan job, queueSize)
		d.queues[deviceID] = q
		d.wg.Add(1)
		go d.worker(q)
	}
	return q, nil
}

func (d *Dispatcher) worker(q chan job) {
	defer d.wg.Done()
	for j := range q {
		j.res <- d.process(j.ctx, j.cmd)
	}
}

func (d *Dispatcher) process(ctx context.Context, cmd message.Command) result {
	cctx := ctx
	if cmd.TimeoutMS > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, time.Duration(cmd.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	// executed=false — результат пришёл из идемпотентного кэша; дубликат
	// ничего не отправлял и в журнале не значится.
	executed := false
	deliver := func(ctx context.Context) (any, error) {
		executed = true
		ad, err := d.resolve(cmd.DeviceID)
		if err != nil {
			// нет адаптера — ретраить бессмысленно
			return nil, Permanent(err)
		}
		return WithBackoff(ctx, func(ctx context.Context) (message.Ack, error) {
			return ad.SendCommand(ctx, cmd)
		}, d.retry)
	}

	var ack message.Ack
	var err error
	if cmd.IdempotencyKey != "" && d.idem != nil {
		var v any
		v, err = d.idem.Handle(cctx, cmd.IdempotencyKey, deliver)
		if err == nil {
			ack, _ = v.(message.Ack)
		}
	} else {
		var v any
		v, err = deliver(cctx)
		if err == nil {
			ack, _ = v.(message.Ack)
		}
	}

	if err != nil {
		logs.Logger.Errorf("command %s to %s failed: %v", cmd.CommandID, cmd.DeviceID, err)
		if executed {
			d.markFailed(cmd.CommandID, err.Error())
		}
		return result{err: err}
	}

	if ack.CommandID == "" {
		ack.CommandID = cmd.CommandID
	}
	if ack.DeviceID == "" {
		ack.DeviceID = cmd.DeviceID
	}
	if executed {
		d.markSent(cmd.CommandID)
		if ack.Success {
			d.markAcked(cmd.CommandID, ack)
		} else {
			// отрицательный ack: транспорт доставил, устройство отказало
			d.markFailed(cmd.CommandID, "device rejected: "+ack.Message)
		}
	}
	if d.bus != nil {
		d.bus.PublishAck(ack)
	}
	return result{ack: ack}
}

func (d *Dispatcher) markSent(commandID string) {
	if d.store == nil {
		return
	}
	if err := d.store.MarkSent(context.Background(), commandID); err != nil {
		logs.Logger.Warnf("command %s: mark sent: %v", commandID, err)
	}
}

func (d *Dispatcher) markAcked(commandID string, ack message.Ack) {
	if d.store == nil {
		return
	}
	payload, _ := json.Marshal(ack)
	if err := d.store.MarkAcknowledged(context.Background(), commandID, payload); err != nil {
		logs.Logger.Warnf("command %s: mark acknowledged: %v", commandID, err)
	}
}

func (d *Dispatcher) markFailed(commandID, reason string) {
	if d.store == nil {
		return
	}
	if err := d.store.MarkFailed(context.Background(), commandID, reason); err != nil {
		logs.Logger.Warnf("command %s: mark failed: %v", commandID, err)
	}
}

// Close дренирует очереди и дожидается воркеров.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for id, q := range d.queues {
		close(q)
		delete(d.queues, id)
	}
	d.mu.Unlock()
	d.wg.Wait()
}
