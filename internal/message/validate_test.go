package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func validTelemetry() Telemetry {
	return Telemetry{
		DeviceID: "dev-1",
		TS:       "2025-06-01T12:00:00Z",
		Metrics:  map[string]any{"temp": 21.5, "soil_moisture": 44, "pump": true, "mode": "auto"},
		Status:   StatusOK,
	}
}

func TestValidateTelemetry(t *testing.T) {
	tl := validTelemetry()
	assert.NoError(t, ValidateTelemetry(&tl))

	cases := []struct {
		name   string
		mutate func(*Telemetry)
	}{
		{"nil metrics", func(t *Telemetry) { t.Metrics = nil }},
		{"missing device", func(t *Telemetry) { t.DeviceID = "" }},
		{"missing ts", func(t *Telemetry) { t.TS = "" }},
		{"bad ts", func(t *Telemetry) { t.TS = "yesterday" }},
		{"bad status", func(t *Telemetry) { t.Status = "great" }},
		{"metric value type", func(t *Telemetry) { t.Metrics = map[string]any{"x": []int{1}} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tl := validTelemetry()
			tc.mutate(&tl)
			assert.ErrorIs(t, ValidateTelemetry(&tl), ErrValidation)
		})
	}

	// вендорские ключи с допустимыми типами проходят
	tl = validTelemetry()
	tl.Metrics["vendor_raw"] = "0xDEAD"
	tl.Status = ""
	assert.NoError(t, ValidateTelemetry(&tl))
}

func TestValidateCommand(t *testing.T) {
	c := Command{DeviceID: "d", Type: "irrigation_on"}
	assert.NoError(t, ValidateCommand(&c))

	assert.ErrorIs(t, ValidateCommand(&Command{Type: "t"}), ErrValidation)
	assert.ErrorIs(t, ValidateCommand(&Command{DeviceID: "d"}), ErrValidation)
	assert.ErrorIs(t, ValidateCommand(&Command{DeviceID: "d", Type: "t", TimeoutMS: -1}), ErrValidation)
	assert.ErrorIs(t, ValidateCommand(&Command{DeviceID: "d", Type: "t", Priority: "urgent"}), ErrValidation)
	assert.NoError(t, ValidateCommand(&Command{DeviceID: "d", Type: "t", Priority: "high"}))
	assert.ErrorIs(t, ValidateCommand(nil), ErrValidation)
}

func TestValidateAck(t *testing.T) {
	assert.NoError(t, ValidateAck(&Ack{DeviceID: "d", CommandID: "c"}))
	assert.ErrorIs(t, ValidateAck(&Ack{DeviceID: "d"}), ErrValidation)
	assert.ErrorIs(t, ValidateAck(&Ack{CommandID: "c"}), ErrValidation)
}
