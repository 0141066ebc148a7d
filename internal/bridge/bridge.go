// Package bridge — связка ядра: ingest-пайплайн телеметрии
// (валидация → лимиты → шина) и реестр адаптеров.
package bridge

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"sprout/internal/adapter"
	"sprout/internal/bus"
	"sprout/internal/logs"
	"sprout/internal/message"
	"sprout/internal/security"
)

// Bridge маршрутизирует нормализованные сообщения между адаптерами и
// шиной. Сбой одного устройства или адаптера не валит процесс.
type Bridge struct {
	bus      *bus.Bus
	tenantRL *security.Limiter
	deviceRL *security.Limiter

	mu       sync.RWMutex
	adapters map[string]adapter.Adapter
	routes   map[string]string // device_id → имя адаптера (последний транспорт)
	fallback string            // имя адаптера по умолчанию
}

func New(b *bus.Bus, tenantRL, deviceRL *security.Limiter) *Bridge {
	return &Bridge{
		bus:      b,
		tenantRL: tenantRL,
		deviceRL: deviceRL,
		adapters: make(map[string]adapter.Adapter),
		routes:   make(map[string]string),
	}
}

// Register добавляет адаптер; первый зарегистрированный — запасной
// маршрут для устройств, которые ещё не выходили на связь.
func (b *Bridge) Register(a adapter.Adapter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.adapters[a.Name()] = a
	if b.fallback == "" {
		b.fallback = a.Name()
	}
}

// Names — имена зарегистрированных адаптеров, отсортированы.
func (b *Bridge) Names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.adapters))
	for name := range b.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// InitAll инициализирует адаптеры; недоступный транспорт логируется и
// не мешает остальным.
func (b *Bridge) InitAll(ctx context.Context) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for name, a := range b.adapters {
		if err := a.Init(ctx); err != nil {
			logs.Logger.Errorf("adapter %s init: %v", name, err)
		} else {
			logs.Logger.Infof("adapter %s ready", name)
		}
	}
}

// CloseAll закрывает адаптеры и шину.
func (b *Bridge) CloseAll() {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for name, a := range b.adapters {
		if err := a.Close(); err != nil {
			logs.Logger.Warnf("adapter %s close: %v", name, err)
		}
	}
}

// SinkFor строит TelemetrySink для адаптера: ingest запоминает, каким
// транспортом устройство пришло, туда же пойдут его команды.
func (b *Bridge) SinkFor(adapterName string) adapter.TelemetrySink {
	return func(ctx context.Context, t message.Telemetry) error {
		return b.ingest(ctx, adapterName, t)
	}
}

// AdapterFor — адаптер для доставки команды устройству.
func (b *Bridge) AdapterFor(deviceID string) (adapter.Adapter, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	name, ok := b.routes[deviceID]
	if !ok {
		name = b.fallback
	}
	a, ok := b.adapters[name]
	if !ok {
		return nil, fmt.Errorf("no adapter for device %s", deviceID)
	}
	return a, nil
}

func (b *Bridge) ingest(ctx context.Context, adapterName string, t message.Telemetry) error {
	if err := message.ValidateTelemetry(&t); err != nil {
		return err
	}

	// тенант известен только аутентифицированным транспортам
	tenantID := ""
	if ac, ok := security.FromContext(ctx); ok {
		tenantID = ac.TenantID
	}
	if tenantID != "" && !b.tenantRL.Consume(tenantID) {
		logs.Logger.Warnf("tenant rate limited tenant=%s device=%s", tenantID, t.DeviceID)
		return &security.RateLimitError{Scope: "tenant", RetryAfter: b.tenantRL.RetryAfter(tenantID)}
	}
	deviceKey := tenantID + ":" + t.DeviceID
	if !b.deviceRL.Consume(deviceKey) {
		logs.Logger.Warnf("device rate limited tenant=%s device=%s", tenantID, t.DeviceID)
		return &security.RateLimitError{Scope: "device", RetryAfter: b.deviceRL.RetryAfter(deviceKey)}
	}

	b.mu.Lock()
	b.routes[t.DeviceID] = adapterName
	b.mu.Unlock()

	b.bus.PublishTelemetry(t)
	return nil
}
