package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"sprout/internal/models"
)

// CommandStore — журнал команд поверх gorm: polling-поверхность для
// устройств плюс переходы статусов от диспетчера.
type CommandStore struct{ db *gorm.DB }

func NewCommandStore(db *gorm.DB) *CommandStore { return &CommandStore{db: db} }

func (s *CommandStore) Enqueue(ctx context.Context, rec *models.CommandRecord) error {
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.Status == "" {
		rec.Status = models.CommandStatusPending
	}
	return s.db.WithContext(ctx).Create(rec).Error
}

// ListPending — только pending, по возрастанию created_at.
func (s *CommandStore) ListPending(ctx context.Context, deviceID string) ([]models.CommandRecord, error) {
	var out []models.CommandRecord
	err := s.db.WithContext(ctx).
		Where(&models.CommandRecord{DeviceID: deviceID, Status: models.CommandStatusPending}).
		Order("created_at ASC").
		Find(&out).Error
	return out, err
}

func (s *CommandStore) GetByCommandID(ctx context.Context, commandID string) (*models.CommandRecord, error) {
	var rec models.CommandRecord
	err := s.db.WithContext(ctx).Where(&models.CommandRecord{CommandID: commandID}).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

/* ───── переходы статусов (dispatch.CommandStore) ───── */

func (s *CommandStore) MarkSent(ctx context.Context, commandID string) error {
	now := time.Now().UTC()
	return s.update(ctx, commandID, map[string]any{
		"status":  models.CommandStatusSent,
		"sent_at": now,
	})
}

func (s *CommandStore) MarkAcknowledged(ctx context.Context, commandID string, ackPayload []byte) error {
	now := time.Now().UTC()
	return s.update(ctx, commandID, map[string]any{
		"status":      models.CommandStatusAcknowledged,
		"acked_at":    now,
		"ack_payload": ackPayload,
	})
}

func (s *CommandStore) MarkFailed(ctx context.Context, commandID, reason string) error {
	return s.update(ctx, commandID, map[string]any{
		"status":     models.CommandStatusFailed,
		"last_error": reason,
	})
}

func (s *CommandStore) update(ctx context.Context, commandID string, fields map[string]any) error {
	res := s.db.WithContext(ctx).Model(&models.CommandRecord{}).
		Where("command_id = ?", commandID).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
