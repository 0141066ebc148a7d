package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"sprout/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
)

// DeviceStore — устройства поверх gorm (provisioning.DeviceStore).
type DeviceStore struct{ db *gorm.DB }

func NewDeviceStore(db *gorm.DB) *DeviceStore { return &DeviceStore{db: db} }

func (s *DeviceStore) Get(ctx context.Context, tenantID, deviceID string) (*models.Device, error) {
	var d models.Device
	err := s.db.WithContext(ctx).
		Where(&models.Device{TenantID: tenantID, DeviceID: deviceID}).
		First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *DeviceStore) Create(ctx context.Context, d *models.Device) error {
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now
	return s.db.WithContext(ctx).Create(d).Error
}

func (s *DeviceStore) UpdateKeys(ctx context.Context, tenantID, deviceID, key, pendingKey string, graceExpiry *time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.Device{}).
		Where("tenant_id = ? AND device_id = ?", tenantID, deviceID).
		Updates(map[string]any{
			"key":              key,
			"pending_key":      pendingKey,
			"key_grace_expiry": graceExpiry,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *DeviceStore) MarkSeen(ctx context.Context, tenantID, deviceID string) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Model(&models.Device{}).
		Where("tenant_id = ? AND device_id = ?", tenantID, deviceID).
		Updates(map[string]any{
			"last_seen_at": now,
			"status":       models.DeviceStatusOnline,
		}).Error
}

// PurgeExpiredPendingKeys снимает уходящие ключи, чьё grace-окно прошло.
func (s *DeviceStore) PurgeExpiredPendingKeys(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.Device{}).
		Where("pending_key <> '' AND key_grace_expiry IS NOT NULL AND key_grace_expiry < ?", now).
		Updates(map[string]any{
			"pending_key":      "",
			"key_grace_expiry": nil,
		})
	return res.RowsAffected, res.Error
}
