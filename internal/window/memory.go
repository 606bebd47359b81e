package window

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tbourn/go-keypool-backend/internal/domain"
)

// MemoryStore is an in-process Store for tests and embedders.
type MemoryStore struct {
	mu    sync.Mutex
	chats map[string][]*domain.Chat // by user, oldest first
	turns map[string][]domain.Turn  // by chat, including archived
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chats: make(map[string][]*domain.Chat),
		turns: make(map[string][]domain.Turn),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) active(userID string) *domain.Chat {
	cs := m.chats[userID]
	if len(cs) == 0 {
		return nil
	}
	return cs[len(cs)-1]
}

func (m *MemoryStore) startChat(userID string) *domain.Chat {
	n := 1
	if cs := m.chats[userID]; len(cs) > 0 {
		n = cs[len(cs)-1].Number + 1
	}
	now := time.Now().UTC()
	c := &domain.Chat{ID: uuid.NewString(), UserID: userID, Number: n, Title: fmt.Sprintf("Chat %d", n), CreatedAt: now, UpdatedAt: now}
	m.chats[userID] = append(m.chats[userID], c)
	return c
}

func (m *MemoryStore) GetWindow(_ context.Context, userID string) ([]domain.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.active(userID)
	if c == nil {
		return []domain.Turn{}, nil
	}
	out := []domain.Turn{}
	for _, t := range m.turns[c.ID] {
		if !t.Archived {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *MemoryStore) PutWindow(_ context.Context, userID string, turns []domain.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.active(userID)
	if c == nil {
		return fmt.Errorf("no chat for %s", userID)
	}
	keep := make(map[string]bool, len(turns))
	for _, t := range turns {
		if t.ID != "" {
			keep[t.ID] = true
		}
	}
	stored := m.turns[c.ID]
	for i := range stored {
		if !keep[stored[i].ID] {
			stored[i].Archived = true
		}
	}
	var fresh []domain.Turn
	for _, t := range turns {
		if t.ID == "" {
			t.ID = uuid.NewString()
			t.ChatID = c.ID
			t.UserID = userID
			t.CreatedAt = time.Now().UTC()
			fresh = append(fresh, t)
		}
	}
	// Keep dialogue order: fresh summaries go before the first kept turn.
	merged := make([]domain.Turn, 0, len(stored)+len(fresh))
	for _, t := range stored {
		if t.Archived {
			merged = append(merged, t)
		}
	}
	merged = append(merged, fresh...)
	for _, t := range stored {
		if !t.Archived {
			merged = append(merged, t)
		}
	}
	m.turns[c.ID] = merged
	return nil
}

func (m *MemoryStore) AppendTurn(_ context.Context, userID, role, content string) (domain.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.active(userID)
	if c == nil {
		c = m.startChat(userID)
	}
	var last int64
	for _, t := range m.turns[c.ID] {
		if t.Seq > last {
			last = t.Seq
		}
	}
	t := domain.Turn{ID: uuid.NewString(), ChatID: c.ID, UserID: userID, Seq: last + 1, Role: role, Content: content, CreatedAt: time.Now().UTC()}
	m.turns[c.ID] = append(m.turns[c.ID], t)
	return t, nil
}

func (m *MemoryStore) StartChat(_ context.Context, userID string) (*domain.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *m.startChat(userID)
	return &c, nil
}

func (m *MemoryStore) DeleteChat(_ context.Context, userID, chatID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs := m.chats[userID]
	for i, c := range cs {
		if c.ID == chatID {
			m.chats[userID] = append(cs[:i:i], cs[i+1:]...)
			delete(m.turns, chatID)
			return true, nil
		}
	}
	return false, nil
}
