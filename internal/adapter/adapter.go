// Package adapter — контракт протокольного адаптера и его варианты.
// Адаптер переводит транспортный ввод/вывод в единую модель сообщений;
// контракт не зависит от транспорта.
package adapter

import (
	"context"
	"errors"

	"sprout/internal/message"
)

var (
	// ErrInit — транспорт недоступен при инициализации.
	ErrInit = errors.New("adapter init failed")
	// ErrDelivery — адаптер не смог доставить команду (транспортный
	// сбой). Не путать с отрицательным Ack: тот значит, что устройство
	// команду отвергло.
	ErrDelivery = errors.New("command delivery failed")
	// ErrNotConnected — операция на закрытом/неподключённом адаптере.
	ErrNotConnected = errors.New("adapter not connected")
)

// Adapter — обязательный набор возможностей каждого транспорта.
type Adapter interface {
	// Name — имя транспорта (mqtt, http, websocket, serial, ble, lorawan).
	Name() string
	// Init — идемпотентная настройка (коннект к брокеру, сокет и т.п.).
	Init(ctx context.Context) error
	// PublishTelemetry отдаёт нормализованную телеметрию дальше
	// (шина/потребитель); не должен блокировать девайсный I/O.
	PublishTelemetry(ctx context.Context, t message.Telemetry) error
	// SendCommand пытается доставить команду устройству и возвращает
	// Ack о доставке либо ответ устройства.
	SendCommand(ctx context.Context, c message.Command) (message.Ack, error)
	// Close освобождает транспортные ресурсы.
	Close() error
}

// TelemetrySink — приёмник нормализованной телеметрии (ingest-пайплайн
// моста). Инжектится в адаптеры конструктором.
type TelemetrySink func(ctx context.Context, t message.Telemetry) error
