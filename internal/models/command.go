package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	CommandStatusPending      = "pending"
	CommandStatusSent         = "sent"
	CommandStatusAcknowledged = "acknowledged"
	CommandStatusFailed       = "failed"
)

// CommandRecord — строка команды для polling-поверхности и аудита доставки.
// Параметры и payload подтверждения храним сырым JSON.
type CommandRecord struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	CommandID string `gorm:"uniqueIndex;size:64;not null" json:"command_id"`
	DeviceID  string `gorm:"index;size:128;not null" json:"device_id"`
	TenantID  string `gorm:"index;size:64" json:"tenant_id"`

	Type   string `gorm:"size:64;not null" json:"type"`
	Params []byte `gorm:"type:text" json:"params"` // JSON

	IdempotencyKey string `gorm:"size:128" json:"idempotency_key,omitempty"`
	Priority       string `gorm:"size:16" json:"priority,omitempty"`

	Status     string     `gorm:"index;size:32;not null" json:"status"` // pending|sent|acknowledged|failed
	SentAt     *time.Time `json:"sent_at,omitempty"`
	AckedAt    *time.Time `json:"acked_at,omitempty"`
	AckPayload []byte     `gorm:"type:text" json:"ack_payload,omitempty"` // JSON
	LastError  string     `gorm:"size:512" json:"last_error,omitempty"`
}
