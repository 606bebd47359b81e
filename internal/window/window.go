// Package window keeps each user's conversation within a fixed number of
// turns.
//
// Turns are appended as they happen. When a prompt is built from a window
// that has grown past Max turns, the oldest turns are folded into a single
// summary turn and the newest Max-1 turns are kept verbatim; the compressed
// window is written back so the stored window stays bounded too.
package window

import (
	"context"
	"errors"
	"fmt"

	"github.com/tbourn/go-keypool-backend/internal/domain"
	"github.com/tbourn/go-keypool-backend/internal/userlock"
)

var (
	// ErrStoreUnavailable wraps failures of the backing store.
	ErrStoreUnavailable = errors.New("window: store unavailable")
	// ErrInvalidRole rejects turns that are neither user nor model.
	ErrInvalidRole = errors.New("window: role must be user or model")
	// ErrChatNotFound means the user has no chat with the given ID.
	ErrChatNotFound = errors.New("window: chat not found")
)

// Store persists windows. GetWindow returns the active chat's turns in
// dialogue order, empty when the user has none.
type Store interface {
	GetWindow(ctx context.Context, userID string) ([]domain.Turn, error)
	// PutWindow replaces the stored window; turns without an ID are new.
	PutWindow(ctx context.Context, userID string, turns []domain.Turn) error
	AppendTurn(ctx context.Context, userID, role, content string) (domain.Turn, error)
	StartChat(ctx context.Context, userID string) (*domain.Chat, error)
	// DeleteChat drops one of the user's chats with its turns; false when the
	// user has no such chat.
	DeleteChat(ctx context.Context, userID, chatID string) (bool, error)
}

// Summarizer condenses turns into the content of one summary turn.
type Summarizer interface {
	Summarize(ctx context.Context, userID string, turns []domain.Turn) (string, error)
}

// SummarizerFunc adapts a function to Summarizer.
type SummarizerFunc func(ctx context.Context, userID string, turns []domain.Turn) (string, error)

// Summarize calls f.
func (f SummarizerFunc) Summarize(ctx context.Context, userID string, turns []domain.Turn) (string, error) {
	return f(ctx, userID, turns)
}

// Manager owns the conversation windows. It is safe for concurrent use;
// operations on one user are serialized.
type Manager struct {
	store      Store
	max        int
	summarizer Summarizer
	locks      userlock.Locker
}

// New returns a Manager bounded to max turns (at least 1). A nil summarizer
// means Digest; a nil locker means an in-process one.
func New(store Store, max int, s Summarizer, locks userlock.Locker) *Manager {
	if max < 1 {
		max = 1
	}
	if s == nil {
		s = Digest{}
	}
	if locks == nil {
		locks = userlock.NewLocal()
	}
	return &Manager{store: store, max: max, summarizer: s, locks: locks}
}

// Max is the window size.
func (m *Manager) Max() int { return m.max }

func lockKey(userID string) string { return "window:" + userID }

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

// AppendTurn adds a turn to the end of the user's window.
func (m *Manager) AppendTurn(ctx context.Context, userID, role, content string) (domain.Turn, error) {
	if role != domain.RoleUser && role != domain.RoleModel {
		return domain.Turn{}, ErrInvalidRole
	}
	unlock, err := m.locks.Lock(ctx, lockKey(userID))
	if err != nil {
		return domain.Turn{}, err
	}
	defer unlock()

	t, err := m.store.AppendTurn(ctx, userID, role, content)
	if err != nil {
		return domain.Turn{}, storeErr("append turn", err)
	}
	return t, nil
}

// BuildPrompt returns the window to send upstream: never more than Max
// turns, in dialogue order, with a summary first if older turns were folded.
func (m *Manager) BuildPrompt(ctx context.Context, userID string) ([]domain.Turn, error) {
	unlock, err := m.locks.Lock(ctx, lockKey(userID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	turns, err := m.store.GetWindow(ctx, userID)
	if err != nil {
		return nil, storeErr("get window", err)
	}
	if len(turns) <= m.max {
		return turns, nil
	}
	out, err := Compress(ctx, userID, turns, m.max, m.summarizer)
	if err != nil {
		return nil, err
	}
	if err := m.store.PutWindow(ctx, userID, out); err != nil {
		return nil, storeErr("put window", err)
	}
	return out, nil
}

// Compress applies the manager's bound and summarizer to turns without
// touching the store.
func (m *Manager) Compress(ctx context.Context, userID string, turns []domain.Turn) ([]domain.Turn, error) {
	return Compress(ctx, userID, turns, m.max, m.summarizer)
}

// Reset starts a new, empty chat for the user. Earlier chats are kept.
func (m *Manager) Reset(ctx context.Context, userID string) (*domain.Chat, error) {
	unlock, err := m.locks.Lock(ctx, lockKey(userID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	c, err := m.store.StartChat(ctx, userID)
	if err != nil {
		return nil, storeErr("start chat", err)
	}
	return c, nil
}

// DeleteChat destroys a chat and its window. Deleting the active chat makes
// the next-newest chat active; with none left the window is empty.
func (m *Manager) DeleteChat(ctx context.Context, userID, chatID string) error {
	unlock, err := m.locks.Lock(ctx, lockKey(userID))
	if err != nil {
		return err
	}
	defer unlock()

	ok, err := m.store.DeleteChat(ctx, userID, chatID)
	if err != nil {
		return storeErr("delete chat", err)
	}
	if !ok {
		return ErrChatNotFound
	}
	return nil
}

// Window returns the stored window as is.
func (m *Manager) Window(ctx context.Context, userID string) ([]domain.Turn, error) {
	turns, err := m.store.GetWindow(ctx, userID)
	if err != nil {
		return nil, storeErr("get window", err)
	}
	return turns, nil
}

// Compress folds the oldest len(turns)-max+1 turns into one summary turn
// followed by the newest max-1 turns. Windows of at most max turns are
// returned unchanged. The summary has no ID, role model, and the Seq of the
// first turn it replaces.
func Compress(ctx context.Context, userID string, turns []domain.Turn, max int, s Summarizer) ([]domain.Turn, error) {
	if max < 1 {
		max = 1
	}
	if len(turns) <= max {
		return turns, nil
	}
	keep := max - 1
	cut := len(turns) - keep
	old, recent := turns[:cut], turns[cut:]

	content, err := s.Summarize(ctx, userID, old)
	if err != nil {
		return nil, fmt.Errorf("summarize: %w", err)
	}
	summary := domain.Turn{
		ChatID:  old[0].ChatID,
		UserID:  old[0].UserID,
		Seq:     old[0].Seq,
		Role:    domain.RoleModel,
		Content: content,
		Summary: true,
	}

	out := make([]domain.Turn, 0, max)
	out = append(out, summary)
	out = append(out, recent...)
	return out, nil
}
