package keypool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tbourn/go-keypool-backend/internal/domain"
)

// MemoryStore is an in-process Store. It backs tests and embedders that do
// not need persistence.
type MemoryStore struct {
	mu          sync.Mutex
	creds       map[string]*domain.Credential
	assignments map[string]*domain.Assignment
	ordinal     int64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		creds:       make(map[string]*domain.Credential),
		assignments: make(map[string]*domain.Assignment),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) GetCredential(_ context.Context, id string) (*domain.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) sorted(activeOnly bool) []domain.Credential {
	out := make([]domain.Credential, 0, len(m.creds))
	for _, c := range m.creds {
		if activeOnly && !c.Active {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out
}

func (m *MemoryStore) ListActiveCredentials(context.Context) ([]domain.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(true), nil
}

func (m *MemoryStore) ListCredentials(context.Context) ([]domain.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(false), nil
}

func (m *MemoryStore) GetAssignment(_ context.Context, userID string) (*domain.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[userID]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) CountAssignments(_ context.Context, credentialID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.assignments {
		if a.CredentialID == credentialID {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Claim(_ context.Context, userID, credentialID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[credentialID]
	if !ok || !c.Active || c.Load >= c.Capacity {
		return false, nil
	}
	now := time.Now().UTC()
	if prev, ok := m.assignments[userID]; ok {
		if prev.CredentialID == credentialID {
			return true, nil
		}
		if old, ok := m.creds[prev.CredentialID]; ok && old.Load > 0 {
			old.Load--
		}
		prev.CredentialID = credentialID
		prev.UpdatedAt = now
	} else {
		m.assignments[userID] = &domain.Assignment{UserID: userID, CredentialID: credentialID, CreatedAt: now, UpdatedAt: now}
	}
	c.Load++
	return true, nil
}

func (m *MemoryStore) Unclaim(_ context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[userID]
	if !ok {
		return false, nil
	}
	delete(m.assignments, userID)
	if c, ok := m.creds[a.CredentialID]; ok && c.Load > 0 {
		c.Load--
	}
	return true, nil
}

func (m *MemoryStore) SetActive(_ context.Context, credentialID string, active bool, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[credentialID]
	if !ok {
		return false, nil
	}
	now := time.Now().UTC()
	c.Active = active
	c.UpdatedAt = now
	if active {
		c.DeactivatedAt = nil
		c.DeactivateReason = ""
	} else {
		c.DeactivatedAt = &now
		c.DeactivateReason = reason
	}
	return true, nil
}

func (m *MemoryStore) UpsertCredentials(_ context.Context, keys []string, capacity int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byKey := make(map[string]*domain.Credential, len(m.creds))
	for _, c := range m.creds {
		byKey[c.APIKey] = c
	}
	now := time.Now().UTC()
	inserted := 0
	for _, k := range keys {
		if c, ok := byKey[k]; ok {
			c.Capacity = capacity
			continue
		}
		m.ordinal++
		c := &domain.Credential{
			ID:        uuid.NewString(),
			APIKey:    k,
			Ordinal:   m.ordinal,
			Active:    true,
			Capacity:  capacity,
			CreatedAt: now,
			UpdatedAt: now,
		}
		m.creds[c.ID] = c
		byKey[k] = c
		inserted++
	}
	return inserted, nil
}
