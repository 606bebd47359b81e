// Package services – ChatService
//
// This file implements ChatService, which manages a user's lifecycle: first
// contact (credential lease, profile, first chat), starting, renaming and
// deleting chats, model preference, and deletion of the user. Conversation content is handled by
// MessageService.
//
// Service-level errors (e.g., ErrUnknownModel) are returned for predictable
// cases so handlers can map them to HTTP results consistently.
package services

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"

	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"golang.org/x/text/unicode/norm"

	"github.com/tbourn/go-keypool-backend/internal/domain"
	"github.com/tbourn/go-keypool-backend/internal/keypool"
	"github.com/tbourn/go-keypool-backend/internal/repo"
	"github.com/tbourn/go-keypool-backend/internal/upstream"
	"github.com/tbourn/go-keypool-backend/internal/utils"
	"github.com/tbourn/go-keypool-backend/internal/window"
)

// maxUserIDLen matches the width of the user_id columns.
const maxUserIDLen = 64

// Registration is the outcome of a user's first contact.
type Registration struct {
	UserID       string         `json:"user_id"`
	Status       string         `json:"status" example:"assigned"`
	CredentialID string         `json:"credential_id"`
	Key          string         `json:"key" example:"AIza…1234"`
	Model        upstream.Model `json:"model"`
	Chat         *domain.Chat   `json:"chat"`
}

// ChatService provides user-level operations on top of the allocator and the
// window manager.
type ChatService struct {
	// DB is the GORM handle used for profiles and chats.
	DB      *gorm.DB
	Keys    *keypool.Allocator
	Windows *window.Manager
	Catalog *upstream.Catalog

	// TitleMaxLen caps stored titles by rune length.
	TitleMaxLen int
}

// NewChatService constructs a ChatService with default title handling.
func NewChatService(db *gorm.DB, keys *keypool.Allocator, windows *window.Manager, catalog *upstream.Catalog) *ChatService {
	return &ChatService{
		DB:          db,
		Keys:        keys,
		Windows:     windows,
		Catalog:     catalog,
		TitleMaxLen: 60,
	}
}

func (s *ChatService) tracer() trace.Tracer { return otel.Tracer("services/ChatService") }

// validUser normalizes and checks a user ID.
func validUser(userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" || len(userID) > maxUserIDLen {
		return "", ErrInvalidUser
	}
	return userID, nil
}

// observeLease records the outcome of an allocator call.
func observeLease(l keypool.Lease, err error) {
	switch {
	case err == nil:
		leasesTotal.WithLabelValues(l.Status.String()).Inc()
	case errors.Is(err, keypool.ErrCapacityExhausted):
		exhaustedTotal.Inc()
	}
}

// Register gives the user a credential, a profile with the default model and
// an active chat. Registering again is harmless and reports status
// "existing".
func (s *ChatService) Register(ctx context.Context, userID string) (*Registration, error) {
	ctx, span := s.tracer().Start(ctx, "Register", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	userID, err := validUser(userID)
	if err != nil {
		return nil, err
	}

	lease, err := s.Keys.Assign(ctx, userID)
	observeLease(lease, err)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("lease.status", lease.Status.String()))

	if err := repo.EnsureProfile(ctx, s.DB, userID, s.Catalog.Default().ID); err != nil {
		return nil, err
	}
	chat, err := repo.ActiveChat(ctx, s.DB, userID)
	if errors.Is(err, repo.ErrNotFound) {
		chat, err = repo.CreateChat(ctx, s.DB, userID, "")
	}
	if err != nil {
		return nil, err
	}
	model, err := s.Model(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &Registration{
		UserID:       userID,
		Status:       lease.Status.String(),
		CredentialID: lease.Credential.ID,
		Key:          lease.Credential.Masked(),
		Model:        model,
		Chat:         chat,
	}, nil
}

// NewChat starts an empty window in a new chat. Earlier chats stay listable.
// A blank title keeps the default "Chat N".
func (s *ChatService) NewChat(ctx context.Context, userID, title string) (*domain.Chat, error) {
	ctx, span := s.tracer().Start(ctx, "NewChat", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	userID, err := validUser(userID)
	if err != nil {
		return nil, err
	}
	chat, err := s.Windows.Reset(ctx, userID)
	if err != nil {
		return nil, err
	}
	if title = s.clip(normalizeTitle(title)); title != "" {
		if err := repo.UpdateChatTitle(ctx, s.DB, chat.ID, userID, title); err != nil {
			return nil, err
		}
		chat.Title = title
	}
	return chat, nil
}

// UpdateTitle renames one of the user's chats. Titles are normalized and
// clipped like those given to NewChat; a blank title becomes "Untitled".
func (s *ChatService) UpdateTitle(ctx context.Context, userID, chatID, title string) error {
	ctx, span := s.tracer().Start(ctx, "UpdateTitle",
		trace.WithAttributes(attribute.String("user.id", userID), attribute.String("chat.id", chatID)),
	)
	defer span.End()

	userID, err := validUser(userID)
	if err != nil {
		return err
	}
	title = s.clip(normalizeTitle(title))
	if title == "" {
		title = "Untitled"
	}
	err = repo.UpdateChatTitle(ctx, s.DB, chatID, userID, title)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrChatNotFound
	}
	return err
}

// DeleteChat removes one of the user's chats with its window. When it was the
// active chat, the next-newest chat takes over; the credential is kept.
func (s *ChatService) DeleteChat(ctx context.Context, userID, chatID string) error {
	ctx, span := s.tracer().Start(ctx, "DeleteChat",
		trace.WithAttributes(attribute.String("user.id", userID), attribute.String("chat.id", chatID)),
	)
	defer span.End()

	userID, err := validUser(userID)
	if err != nil {
		return err
	}
	err = s.Windows.DeleteChat(ctx, userID, chatID)
	if errors.Is(err, window.ErrChatNotFound) {
		return ErrChatNotFound
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// ListChats returns a page of the user's chats, newest first, and the total.
func (s *ChatService) ListChats(ctx context.Context, userID string, page, pageSize int) ([]domain.Chat, int64, error) {
	ctx, span := s.tracer().Start(ctx, "ListChats",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	total, err := repo.CountChats(ctx, s.DB, userID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Chat{}, 0, nil
	}
	items, err := repo.ListChatsPage(ctx, s.DB, userID, utils.Offset(page, pageSize), pageSize)
	return items, total, err
}

// DeleteUser frees the user's credential slot and removes all of the user's
// chats, turns and preferences.
func (s *ChatService) DeleteUser(ctx context.Context, userID string) error {
	ctx, span := s.tracer().Start(ctx, "DeleteUser", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	userID, err := validUser(userID)
	if err != nil {
		return err
	}
	if err := s.Keys.Release(ctx, userID); err != nil {
		return err
	}
	return repo.DeleteUserData(ctx, s.DB, userID)
}

// Model returns the user's selected model, or the default when the user has
// no preference or the stored one is no longer available.
func (s *ChatService) Model(ctx context.Context, userID string) (upstream.Model, error) {
	return modelFor(ctx, s.DB, s.Catalog, userID)
}

func modelFor(ctx context.Context, db *gorm.DB, catalog *upstream.Catalog, userID string) (upstream.Model, error) {
	p, err := repo.GetProfile(ctx, db, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return catalog.Default(), nil
	}
	if err != nil {
		return upstream.Model{}, err
	}
	return catalog.Resolve(p.Model), nil
}

// SetModel stores the user's model preference.
func (s *ChatService) SetModel(ctx context.Context, userID, modelID string) (upstream.Model, error) {
	ctx, span := s.tracer().Start(ctx, "SetModel",
		trace.WithAttributes(attribute.String("user.id", userID), attribute.String("model.id", modelID)),
	)
	defer span.End()

	userID, err := validUser(userID)
	if err != nil {
		return upstream.Model{}, err
	}
	m, ok := s.Catalog.Lookup(modelID)
	if !ok {
		return upstream.Model{}, ErrUnknownModel
	}
	if m.Locked {
		return upstream.Model{}, ErrModelLocked
	}
	if err := repo.SetProfileModel(ctx, s.DB, userID, m.ID); err != nil {
		return upstream.Model{}, err
	}
	return m, nil
}

// Models lists the catalog.
func (s *ChatService) Models() []upstream.Model { return s.Catalog.List() }

// DefaultModel is the model used by users without a preference.
func (s *ChatService) DefaultModel() upstream.Model { return s.Catalog.Default() }

// clip truncates a chat title to the configured maximum rune length.
func (s *ChatService) clip(title string) string {
	if s.TitleMaxLen > 0 && utf8.RuneCountInString(title) > s.TitleMaxLen {
		return string([]rune(title)[:s.TitleMaxLen])
	}
	return title
}

// normalizeTitle applies NFC, trims whitespace and collapses runs of
// whitespace to one space.
func normalizeTitle(s string) string {
	return whitespaceRE.ReplaceAllString(strings.TrimSpace(norm.NFC.String(s)), " ")
}

// whitespaceRE collapses consecutive whitespace to a single space.
var whitespaceRE = regexp.MustCompile(`\s+`)
