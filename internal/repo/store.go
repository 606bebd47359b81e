package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/tbourn/go-keypool-backend/internal/domain"
	"github.com/tbourn/go-keypool-backend/internal/keypool"
	"github.com/tbourn/go-keypool-backend/internal/window"
)

// Store adapts the repository functions to keypool.Store and window.Store.
type Store struct {
	DB *gorm.DB
}

// NewStore wraps db.
func NewStore(db *gorm.DB) *Store { return &Store{DB: db} }

var (
	_ keypool.Store = (*Store)(nil)
	_ window.Store  = (*Store)(nil)
)

func (s *Store) GetCredential(ctx context.Context, id string) (*domain.Credential, error) {
	c, err := GetCredential(ctx, s.DB, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return c, err
}

func (s *Store) ListActiveCredentials(ctx context.Context) ([]domain.Credential, error) {
	return ListActiveCredentials(ctx, s.DB)
}

func (s *Store) ListCredentials(ctx context.Context) ([]domain.Credential, error) {
	return ListCredentials(ctx, s.DB)
}

func (s *Store) GetAssignment(ctx context.Context, userID string) (*domain.Assignment, error) {
	a, err := GetAssignment(ctx, s.DB, userID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return a, err
}

func (s *Store) CountAssignments(ctx context.Context, credentialID string) (int, error) {
	n, err := CountAssignments(ctx, s.DB, credentialID)
	return int(n), err
}

func (s *Store) Claim(ctx context.Context, userID, credentialID string) (bool, error) {
	return ClaimCredential(ctx, s.DB, userID, credentialID)
}

func (s *Store) Unclaim(ctx context.Context, userID string) (bool, error) {
	return UnclaimCredential(ctx, s.DB, userID)
}

func (s *Store) SetActive(ctx context.Context, credentialID string, active bool, reason string) (bool, error) {
	err := SetCredentialActive(ctx, s.DB, credentialID, active, reason)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) UpsertCredentials(ctx context.Context, keys []string, capacity int) (int, error) {
	return UpsertCredentials(ctx, s.DB, keys, capacity)
}

func (s *Store) GetWindow(ctx context.Context, userID string) ([]domain.Turn, error) {
	return ListWindow(ctx, s.DB, userID)
}

func (s *Store) PutWindow(ctx context.Context, userID string, turns []domain.Turn) error {
	return ReplaceWindow(ctx, s.DB, userID, turns)
}

func (s *Store) AppendTurn(ctx context.Context, userID, role, content string) (domain.Turn, error) {
	t, err := AppendTurn(ctx, s.DB, userID, role, content)
	if err != nil {
		return domain.Turn{}, err
	}
	return *t, nil
}

func (s *Store) StartChat(ctx context.Context, userID string) (*domain.Chat, error) {
	return CreateChat(ctx, s.DB, userID, "")
}

func (s *Store) DeleteChat(ctx context.Context, userID, chatID string) (bool, error) {
	err := DeleteChat(ctx, s.DB, chatID, userID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}
