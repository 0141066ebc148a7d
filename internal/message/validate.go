package message

import (
	"errors"
	"fmt"
	"time"
)

// ErrValidation — нарушение формы входящего сообщения. Никогда не ретраится.
var ErrValidation = errors.New("message validation failed")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// ValidateTelemetry проверяет форму на границе адаптера, до публикации на шину.
func ValidateTelemetry(t *Telemetry) error {
	if t == nil {
		return invalid("nil telemetry")
	}
	if t.DeviceID == "" {
		return invalid("device_id is required")
	}
	if t.TS == "" {
		return invalid("ts is required")
	}
	if _, err := time.Parse(time.RFC3339, t.TS); err != nil {
		if _, err2 := time.Parse(time.RFC3339Nano, t.TS); err2 != nil {
			return invalid("ts %q is not ISO-8601", t.TS)
		}
	}
	switch t.Status {
	case "", StatusOK, StatusWarn, StatusErr:
	default:
		return invalid("status %q (want ok|warn|err)", t.Status)
	}
	if len(t.Metrics) == 0 {
		return invalid("metrics must not be empty")
	}
	for k, v := range t.Metrics {
		switch v.(type) {
		case float64, float32, int, int64, uint, uint64, string, bool:
		default:
			return invalid("metric %q: unsupported value type %T", k, v)
		}
	}
	return nil
}

// ValidateCommand — минимум для постановки в диспетчер.
func ValidateCommand(c *Command) error {
	if c == nil {
		return invalid("nil command")
	}
	if c.DeviceID == "" {
		return invalid("device_id is required")
	}
	if c.Type == "" {
		return invalid("type is required")
	}
	if c.TimeoutMS < 0 {
		return invalid("timeout_ms must not be negative")
	}
	switch c.Priority {
	case "", "low", "normal", "high":
	default:
		return invalid("priority %q (want low|normal|high)", c.Priority)
	}
	return nil
}

// ValidateAck — ack обязан сослаться на команду.
func ValidateAck(a *Ack) error {
	if a == nil {
		return invalid("nil ack")
	}
	if a.DeviceID == "" {
		return invalid("device_id is required")
	}
	if a.CommandID == "" {
		return invalid("command_id is required")
	}
	return nil
}
