// Package message — единая модель сообщений моста. Все адаптеры
// нормализуют транспортный ввод/вывод в эти три вида.
package message

import "time"

// Kind — вид сообщения на шине.
type Kind string

const (
	KindTelemetry Kind = "telemetry"
	KindCommand   Kind = "command"
	KindAck       Kind = "ack"
)

// Статусы телеметрии.
const (
	StatusOK   = "ok"
	StatusWarn = "warn"
	StatusErr  = "err"
)

// Telemetry — показания устройства. Metrics — открытый словарь
// (число/строка/булево), вендорские ключи допустимы; валидация на входе.
type Telemetry struct {
	DeviceID string         `json:"device_id"`
	TS       string         `json:"ts"` // ISO-8601
	Metrics  map[string]any `json:"metrics"`
	Status   string         `json:"status,omitempty"` // ok|warn|err

	Battery  *float64 `json:"battery,omitempty"`         // 0-100%
	Signal   *float64 `json:"signal_strength,omitempty"` // RSSI/dBm
	Firmware string   `json:"version,omitempty"`
}

// Command — команда устройству от потребителя шины.
type Command struct {
	DeviceID  string         `json:"device_id"`
	CommandID string         `json:"command_id,omitempty"`
	TS        string         `json:"ts,omitempty"`
	Type      string         `json:"type"`
	Params    map[string]any `json:"params,omitempty"`

	IdempotencyKey string `json:"idempotency_key,omitempty"`
	TimeoutMS      int    `json:"timeout_ms,omitempty"`
	Priority       string `json:"priority,omitempty"` // low|normal|high
}

// Ack — подтверждение команды. Отрицательный Ack (Success=false) —
// отказ устройства, это не транспортная ошибка.
type Ack struct {
	DeviceID  string `json:"device_id"`
	CommandID string `json:"command_id"`
	TS        string `json:"ts,omitempty"`
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

// Now — ISO-8601 UTC, формат меток времени на шине.
func Now() string { return time.Now().UTC().Format(time.RFC3339Nano) }
