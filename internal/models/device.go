package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	DeviceStatusUnknown = "unknown"
	DeviceStatusOnline  = "online"
	DeviceStatusOffline = "offline"
)

// Device — привязанное устройство. Ключи: один активный, опционально
// уходящий (PendingKey) на время grace-окна ротации.
type Device struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	DeviceID   string `gorm:"uniqueIndex:idx_tenant_device;size:128;not null" json:"device_id"`
	TenantID   string `gorm:"uniqueIndex:idx_tenant_device;index;size:64;not null" json:"tenant_id"`
	FarmID     string `gorm:"index;size:64" json:"farm_id,omitempty"`
	DeviceType string `gorm:"size:64" json:"device_type"`

	Key            string     `gorm:"size:255;not null" json:"-"`
	PendingKey     string     `gorm:"size:255" json:"-"` // старый ключ в grace-окне
	KeyGraceExpiry *time.Time `json:"-"`

	Capabilities string `gorm:"size:1024" json:"capabilities"` // csv: temp,ec,ph,relay
	PublicKey    string `gorm:"type:text" json:"-"`            // опционально, для X.509

	Status     string     `gorm:"size:32" json:"status"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
}
