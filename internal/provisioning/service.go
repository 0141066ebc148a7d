// Package provisioning — жизненный цикл устройства: claim → bind → rotate.
// Строки токенов/устройств живут во внешнем хранилище (repo) либо в
// памяти для режима без БД.
package provisioning

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"sprout/internal/logs"
	"sprout/internal/models"
	"sprout/internal/security"
)

var (
	// ErrTokenInvalid — setup-токен неизвестен или истёк.
	ErrTokenInvalid = errors.New("setup token invalid")
	// ErrTokenConsumed — токен уже погашен (одноразовость).
	ErrTokenConsumed = errors.New("setup token already consumed")
	// ErrTenantMismatch — привязка поперёк тенанта.
	ErrTenantMismatch = errors.New("tenant mismatch")
	// ErrKeyInvalid — ротация с неактуальным текущим ключом.
	ErrKeyInvalid = errors.New("device key invalid")
	// ErrDeviceNotFound — устройство не привязано.
	ErrDeviceNotFound = errors.New("device not found")
)

// Дефолты жизненного цикла.
const (
	DefaultTokenTTL    = 600 * time.Second
	DefaultGracePeriod = 3600 * time.Second
)

// TokenStore — строки setup-токенов.
type TokenStore interface {
	Create(ctx context.Context, t *models.SetupToken) error
	GetByToken(ctx context.Context, token string) (*models.SetupToken, error)
	// Consume гасит токен ровно один раз; повторный вызов — ошибка.
	Consume(ctx context.Context, token, deviceID string, at time.Time) error
}

// DeviceStore — строки устройств.
type DeviceStore interface {
	Get(ctx context.Context, tenantID, deviceID string) (*models.Device, error)
	Create(ctx context.Context, d *models.Device) error
	UpdateKeys(ctx context.Context, tenantID, deviceID, key, pendingKey string, graceExpiry *time.Time) error
	MarkSeen(ctx context.Context, tenantID, deviceID string) error
	// PurgeExpiredPendingKeys чистит уходящие ключи после grace-окна.
	PurgeExpiredPendingKeys(ctx context.Context, now time.Time) (int64, error)
}

type ClaimInput struct {
	TenantID    string
	FarmID      string
	TTL         time.Duration // 0 — дефолт 600s
	IPWhitelist []string
	UserAgent   string
}

type BindInput struct {
	SetupToken   string
	DeviceID     string
	DeviceType   string
	Capabilities []string
	PublicKey    string
	ClientIP     string // для IP-списка токена; пустой — проверка пропускается
}

// DeviceBinding — итог Bind; неизменяем после выдачи.
type DeviceBinding struct {
	DeviceID     string   `json:"device_id"`
	DeviceType   string   `json:"device_type"`
	TenantID     string   `json:"tenant_id"`
	FarmID       string   `json:"farm_id,omitempty"`
	DeviceKey    string   `json:"device_key"`
	Capabilities []string `json:"capabilities"`
	PublicKey    string   `json:"public_key,omitempty"`
}

// KeyRotation — итог Rotate: оба ключа валидны до ExpiresAt.
type KeyRotation struct {
	DeviceID    string    `json:"device_id"`
	OldKey      string    `json:"-"`
	NewKey      string    `json:"new_key"`
	GracePeriod int       `json:"grace_period"` // сек
	ExpiresAt   time.Time `json:"expires_at"`
}

// QRPayload — сканируемый пейлоад для мобильного клиента.
type QRPayload struct {
	ServerURL  string `json:"server_url"`
	SetupToken string `json:"setup_token"`
	TenantID   string `json:"tenant_id"`
	FarmID     string `json:"farm_id,omitempty"`
	Protocol   string `json:"protocol"`
}

// Service — провижининг и идентичность устройств.
type Service struct {
	tokens  TokenStore
	devices DeviceStore

	tokenTTL time.Duration
	grace    time.Duration
	now      func() time.Time
}

func New(tokens TokenStore, devices DeviceStore, tokenTTL, grace time.Duration) *Service {
	if tokenTTL <= 0 {
		tokenTTL = DefaultTokenTTL
	}
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Service{tokens: tokens, devices: devices, tokenTTL: tokenTTL, grace: grace, now: time.Now}
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err) // системный ГСЧ недоступен — дальше жить нельзя
	}
	return hex.EncodeToString(b)
}

// Префиксы wire-формата: токен ST_, девайсный ключ DK_.
func newSetupToken() string { return "ST_" + randomHex(24) }
func newDeviceKey() string  { return "DK_" + randomHex(32) }

// Claim выдаёт одноразовый setup-токен для тенанта/фермы.
func (s *Service) Claim(ctx context.Context, in ClaimInput) (*models.SetupToken, error) {
	if strings.TrimSpace(in.TenantID) == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", ErrTokenInvalid)
	}
	ttl := in.TTL
	if ttl <= 0 {
		ttl = s.tokenTTL
	}
	t := &models.SetupToken{
		Token:       newSetupToken(),
		TenantID:    in.TenantID,
		FarmID:      in.FarmID,
		ExpiresAt:   s.now().Add(ttl),
		IPWhitelist: strings.Join(in.IPWhitelist, ","),
		UserAgent:   in.UserAgent,
	}
	if err := s.tokens.Create(ctx, t); err != nil {
		return nil, err
	}
	logs.Logger.Infof("setup token issued tenant=%s farm=%s ttl=%s", in.TenantID, in.FarmID, ttl)
	return t, nil
}

// QR строит пейлоад для сканирования (admin UI превращает его в QR-код).
func (s *Service) QR(t *models.SetupToken, serverURL string) QRPayload {
	return QRPayload{
		ServerURL:  serverURL,
		SetupToken: t.Token,
		TenantID:   t.TenantID,
		FarmID:     t.FarmID,
		Protocol:   "https",
	}
}

// Bind гасит токен (ровно один раз), выпускает свежий ключ и создаёт
// устройство. Гашение идёт до создания: двойной Bind с одним токеном
// невозможен даже конкурентно.
func (s *Service) Bind(ctx context.Context, in BindInput) (*DeviceBinding, error) {
	if in.DeviceID == "" || in.SetupToken == "" {
		return nil, fmt.Errorf("%w: device_id and setup_token are required", ErrTokenInvalid)
	}
	tok, err := s.tokens.GetByToken(ctx, in.SetupToken)
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, ErrTokenInvalid
	}
	if tok.Consumed() {
		return nil, ErrTokenConsumed
	}
	if !tok.Usable(s.now()) {
		return nil, ErrTokenInvalid
	}
	if !ipAllowed(tok.IPWhitelist, in.ClientIP) {
		logs.Logger.Warnf("bind rejected ip=%s reason=ip_not_whitelisted", in.ClientIP)
		return nil, ErrTokenInvalid
	}

	if existing, err := s.devices.Get(ctx, tok.TenantID, in.DeviceID); err == nil && existing != nil {
		return nil, fmt.Errorf("%w: device %s already bound", ErrTenantMismatch, in.DeviceID)
	}

	// конкурентный двойной Bind проигрывает здесь
	if err := s.tokens.Consume(ctx, tok.Token, in.DeviceID, s.now()); err != nil {
		return nil, ErrTokenConsumed
	}

	key := newDeviceKey()
	d := &models.Device{
		DeviceID:     in.DeviceID,
		TenantID:     tok.TenantID,
		FarmID:       tok.FarmID,
		DeviceType:   in.DeviceType,
		Key:          key,
		Capabilities: strings.Join(in.Capabilities, ","),
		PublicKey:    in.PublicKey,
		Status:       models.DeviceStatusUnknown,
	}
	if err := s.devices.Create(ctx, d); err != nil {
		logs.Logger.Errorf("bind: token %s consumed but device create failed: %v", tok.Token, err)
		return nil, err
	}

	logs.Logger.Infof("device bound device=%s tenant=%s farm=%s type=%s",
		in.DeviceID, tok.TenantID, tok.FarmID, in.DeviceType)
	return &DeviceBinding{
		DeviceID:     in.DeviceID,
		DeviceType:   in.DeviceType,
		TenantID:     tok.TenantID,
		FarmID:       tok.FarmID,
		DeviceKey:    key,
		Capabilities: in.Capabilities,
		PublicKey:    in.PublicKey,
	}, nil
}

// Rotate выпускает новый ключ; старый живёт до конца grace-окна.
func (s *Service) Rotate(ctx context.Context, tenantID, deviceID, currentKey, reason string) (*KeyRotation, error) {
	d, err := s.devices.Get(ctx, tenantID, deviceID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, ErrDeviceNotFound
	}
	if currentKey == "" || currentKey != d.Key {
		return nil, ErrKeyInvalid
	}

	newKey := newDeviceKey()
	expiry := s.now().Add(s.grace)
	if err := s.devices.UpdateKeys(ctx, tenantID, deviceID, newKey, d.Key, &expiry); err != nil {
		return nil, err
	}

	logs.Logger.Infof("device key rotated device=%s tenant=%s reason=%s grace_until=%s",
		deviceID, tenantID, reason, expiry.Format(time.RFC3339))
	return &KeyRotation{
		DeviceID:    deviceID,
		OldKey:      currentKey,
		NewKey:      newKey,
		GracePeriod: int(s.grace.Seconds()),
		ExpiresAt:   expiry,
	}, nil
}

// ipAllowed: пустой список или неизвестный IP — пропуск без проверки.
func ipAllowed(whitelist, clientIP string) bool {
	if whitelist == "" || clientIP == "" {
		return true
	}
	for _, ip := range strings.Split(whitelist, ",") {
		if strings.TrimSpace(ip) == clientIP {
			return true
		}
	}
	return false
}

// VerifySetupToken валидирует токен (срок, IP-список). Отказ логируется
// с IP клиента для аудита.
func (s *Service) VerifySetupToken(ctx context.Context, token, clientIP string) (tenantID, farmID string, err error) {
	tok, err := s.tokens.GetByToken(ctx, token)
	if err != nil {
		return "", "", err
	}
	if tok == nil || !tok.Usable(s.now()) {
		logs.Logger.Warnf("setup token rejected ip=%s reason=unknown_or_expired", clientIP)
		return "", "", ErrTokenInvalid
	}
	if !ipAllowed(tok.IPWhitelist, clientIP) {
		logs.Logger.Warnf("setup token rejected ip=%s reason=ip_not_whitelisted", clientIP)
		return "", "", ErrTokenInvalid
	}
	return tok.TenantID, tok.FarmID, nil
}

// DeviceKeys реализует security.KeyProvider. Истёкший уходящий ключ
// отсекается здесь же, не дожидаясь свипера.
func (s *Service) DeviceKeys(ctx context.Context, tenantID, deviceID string) (*security.DeviceKeys, error) {
	d, err := s.devices.Get(ctx, tenantID, deviceID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, ErrDeviceNotFound
	}
	keys := &security.DeviceKeys{Active: d.Key, FarmID: d.FarmID}
	if d.PendingKey != "" && d.KeyGraceExpiry != nil && s.now().Before(*d.KeyGraceExpiry) {
		keys.Pending = d.PendingKey
		keys.GraceExpiry = *d.KeyGraceExpiry
	}
	return keys, nil
}

// MarkSeen — отметка last_seen на каждом аутентифицированном обращении.
func (s *Service) MarkSeen(ctx context.Context, tenantID, deviceID string) {
	if err := s.devices.MarkSeen(ctx, tenantID, deviceID); err != nil {
		logs.Logger.Debugf("mark seen device=%s: %v", deviceID, err)
	}
}

// StartKeySweeper периодически вычищает уходящие ключи после grace-окна.
func (s *Service) StartKeySweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				n, err := s.devices.PurgeExpiredPendingKeys(ctx, now)
				if err != nil {
					logs.Logger.Warnf("key sweeper: %v", err)
				} else if n > 0 {
					logs.Logger.Infof("key sweeper: purged %d expired keys", n)
				}
			}
		}
	}()
}
