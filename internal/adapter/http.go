package adapter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"sprout/internal/logs"
	"sprout/internal/message"
	"sprout/internal/models"
)

// CommandQueue — очередь команд polling-поверхности (repo или память).
type CommandQueue interface {
	Enqueue(ctx context.Context, rec *models.CommandRecord) error
	ListPending(ctx context.Context, deviceID string) ([]models.CommandRecord, error)
}

// HTTP — адаптер для устройств, работающих опросом: телеметрия приходит
// POST-ом (маршруты в httpapi), команды устройство забирает GET-ом, ack
// возвращает отдельным POST-ом. SendCommand кладёт команду в очередь и
// ждёт ack устройства.
type HTTP struct {
	queue   CommandQueue
	sink    TelemetrySink
	waiters *ackWaiters
}

func NewHTTP(queue CommandQueue, sink TelemetrySink) *HTTP {
	return &HTTP{queue: queue, sink: sink, waiters: newAckWaiters()}
}

func (h *HTTP) Name() string { return "http" }

// Init — транспорт живёт на общем HTTP-сервере, своего сокета нет.
func (h *HTTP) Init(_ context.Context) error { return nil }

func (h *HTTP) Close() error { return nil }

func (h *HTTP) PublishTelemetry(ctx context.Context, t message.Telemetry) error {
	return h.sink(ctx, t)
}

// SendCommand ставит команду в pending и ждёт, пока устройство её
// заберёт и подтвердит. Истечение ctx — ошибка доставки.
func (h *HTTP) SendCommand(ctx context.Context, c message.Command) (message.Ack, error) {
	if c.CommandID == "" {
		c.CommandID = uuid.NewString()
	}
	params, err := json.Marshal(c.Params)
	if err != nil {
		return message.Ack{}, fmt.Errorf("%w: marshal params: %v", ErrDelivery, err)
	}

	h.waiters.register(c.CommandID)

	rec := &models.CommandRecord{
		CommandID:      c.CommandID,
		DeviceID:       c.DeviceID,
		Type:           c.Type,
		Params:         params,
		IdempotencyKey: c.IdempotencyKey,
		Priority:       c.Priority,
		Status:         models.CommandStatusPending,
	}
	if err := h.queue.Enqueue(ctx, rec); err != nil {
		h.waiters.unregister(c.CommandID)
		return message.Ack{}, fmt.Errorf("%w: enqueue: %v", ErrDelivery, err)
	}

	return h.waiters.wait(ctx, c.CommandID)
}

// PendingCommands — polling-поверхность: только pending, по времени
// создания по возрастанию.
func (h *HTTP) PendingCommands(ctx context.Context, deviceID string) ([]models.CommandRecord, error) {
	return h.queue.ListPending(ctx, deviceID)
}

// ResolveAck вызывается HTTP-маршрутом, когда устройство вернуло ack.
func (h *HTTP) ResolveAck(ack message.Ack) {
	if !h.waiters.resolve(ack) {
		logs.Logger.Debugf("http adapter: late ack for command %s", ack.CommandID)
	}
}
