package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"sprout/internal/models"
)

// ErrTokenConsumed — попытка погасить уже погашенный токен.
var ErrTokenConsumed = errors.New("token already consumed")

// TokenStore — setup-токены поверх gorm (provisioning.TokenStore).
type TokenStore struct{ db *gorm.DB }

func NewTokenStore(db *gorm.DB) *TokenStore { return &TokenStore{db: db} }

func (s *TokenStore) Create(ctx context.Context, t *models.SetupToken) error {
	t.CreatedAt = time.Now().UTC()
	return s.db.WithContext(ctx).Create(t).Error
}

func (s *TokenStore) GetByToken(ctx context.Context, token string) (*models.SetupToken, error) {
	var t models.SetupToken
	err := s.db.WithContext(ctx).Where(&models.SetupToken{Token: token}).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Consume — одноразовое гашение: условный UPDATE по consumed_at IS NULL,
// гонка двух Bind-ов разрешается на уровне БД.
func (s *TokenStore) Consume(ctx context.Context, token, deviceID string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.SetupToken{}).
		Where("token = ? AND consumed_at IS NULL", token).
		Updates(map[string]any{
			"consumed_at": at,
			"consumed_by": deviceID,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrTokenConsumed
	}
	return nil
}
