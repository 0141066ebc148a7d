package provisioning

import (
	"context"
	"errors"
	"sync"
	"time"

	"sprout/internal/models"
)

/* ───── in-memory stores (режим без БД) ───── */

type memTokenStore struct {
	mu     sync.Mutex
	tokens map[string]*models.SetupToken
}

func NewMemTokenStore() TokenStore {
	return &memTokenStore{tokens: make(map[string]*models.SetupToken)}
}

func (m *memTokenStore) Create(_ context.Context, t *models.SetupToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[t.Token]; ok {
		return errors.New("token already exists")
	}
	t.CreatedAt = time.Now().UTC()
	cp := *t
	m.tokens[t.Token] = &cp
	return nil
}

func (m *memTokenStore) GetByToken(_ context.Context, token string) (*models.SetupToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[token]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (m *memTokenStore) Consume(_ context.Context, token, deviceID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[token]
	if !ok {
		return errors.New("token not found")
	}
	if t.ConsumedAt != nil {
		return errors.New("token already consumed")
	}
	t.ConsumedAt = &at
	t.ConsumedBy = deviceID
	return nil
}

type memDeviceStore struct {
	mu      sync.RWMutex
	devices map[string]*models.Device // tenant+"/"+device
}

func NewMemDeviceStore() DeviceStore {
	return &memDeviceStore{devices: make(map[string]*models.Device)}
}

func devKey(tenantID, deviceID string) string { return tenantID + "/" + deviceID }

func (m *memDeviceStore) Get(_ context.Context, tenantID, deviceID string) (*models.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[devKey(tenantID, deviceID)]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (m *memDeviceStore) Create(_ context.Context, d *models.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := devKey(d.TenantID, d.DeviceID)
	if _, ok := m.devices[k]; ok {
		return errors.New("device already exists")
	}
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now
	cp := *d
	m.devices[k] = &cp
	return nil
}

func (m *memDeviceStore) UpdateKeys(_ context.Context, tenantID, deviceID, key, pendingKey string, graceExpiry *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[devKey(tenantID, deviceID)]
	if !ok {
		return ErrDeviceNotFound
	}
	d.Key = key
	d.PendingKey = pendingKey
	d.KeyGraceExpiry = graceExpiry
	d.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memDeviceStore) MarkSeen(_ context.Context, tenantID, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[devKey(tenantID, deviceID)]
	if !ok {
		return ErrDeviceNotFound
	}
	now := time.Now().UTC()
	d.LastSeenAt = &now
	d.Status = models.DeviceStatusOnline
	return nil
}

func (m *memDeviceStore) PurgeExpiredPendingKeys(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, d := range m.devices {
		if d.PendingKey != "" && d.KeyGraceExpiry != nil && now.After(*d.KeyGraceExpiry) {
			d.PendingKey = ""
			d.KeyGraceExpiry = nil
			n++
		}
	}
	return n, nil
}
