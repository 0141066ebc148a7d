package models

import "time"

// SetupToken — одноразовый токен привязки. Выдан Claim-ом, гасится Bind-ом.
type SetupToken struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	Token    string `gorm:"uniqueIndex;size:128;not null" json:"token"`
	TenantID string `gorm:"index;size:64;not null" json:"tenant_id"`
	FarmID   string `gorm:"size:64" json:"farm_id,omitempty"`

	ExpiresAt   time.Time  `json:"expires_at"`
	ConsumedAt  *time.Time `json:"consumed_at,omitempty"`
	ConsumedBy  string     `gorm:"size:128" json:"consumed_by,omitempty"` // device_id
	IPWhitelist string     `gorm:"size:512" json:"-"`                     // csv
	UserAgent   string     `gorm:"size:255" json:"-"`
}

func (t *SetupToken) Expired(now time.Time) bool  { return now.After(t.ExpiresAt) }
func (t *SetupToken) Consumed() bool              { return t.ConsumedAt != nil }
func (t *SetupToken) Usable(now time.Time) bool   { return !t.Consumed() && !t.Expired(now) }
