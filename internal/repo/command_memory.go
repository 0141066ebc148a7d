package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"sprout/internal/models"
)

// MemCommandStore — in-memory журнал команд (режим без БД).
type MemCommandStore struct {
	mu   sync.Mutex
	recs map[string]*models.CommandRecord // по command_id
	seq  uint
}

func NewMemCommandStore() *MemCommandStore {
	return &MemCommandStore{recs: make(map[string]*models.CommandRecord)}
}

func (m *MemCommandStore) Enqueue(_ context.Context, rec *models.CommandRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	m.seq++
	rec.ID = m.seq
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.Status == "" {
		rec.Status = models.CommandStatusPending
	}
	cp := *rec
	m.recs[rec.CommandID] = &cp
	return nil
}

func (m *MemCommandStore) ListPending(_ context.Context, deviceID string) ([]models.CommandRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.CommandRecord
	for _, r := range m.recs {
		if r.DeviceID == deviceID && r.Status == models.CommandStatusPending {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemCommandStore) GetByCommandID(_ context.Context, commandID string) (*models.CommandRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[commandID]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *MemCommandStore) MarkSent(_ context.Context, commandID string) error {
	return m.update(commandID, func(r *models.CommandRecord) {
		now := time.Now().UTC()
		r.Status = models.CommandStatusSent
		r.SentAt = &now
	})
}

func (m *MemCommandStore) MarkAcknowledged(_ context.Context, commandID string, ackPayload []byte) error {
	return m.update(commandID, func(r *models.CommandRecord) {
		now := time.Now().UTC()
		r.Status = models.CommandStatusAcknowledged
		r.AckedAt = &now
		r.AckPayload = ackPayload
	})
}

func (m *MemCommandStore) MarkFailed(_ context.Context, commandID, reason string) error {
	return m.update(commandID, func(r *models.CommandRecord) {
		r.Status = models.CommandStatusFailed
		r.LastError = reason
	})
}

func (m *MemCommandStore) update(commandID string, fn func(*models.CommandRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[commandID]
	if !ok {
		return ErrNotFound
	}
	fn(r)
	r.UpdatedAt = time.Now().UTC()
	return nil
}
