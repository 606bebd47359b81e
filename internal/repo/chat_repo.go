// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Chat model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When a chat is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
//
// A user's chats are numbered 1, 2, 3... in creation order; the highest
// number is the active chat that receives new turns.
package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-keypool-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// CreateChat inserts the next numbered chat for userID, which becomes the
// user's active chat. The title defaults to "Chat N".
func CreateChat(ctx context.Context, db *gorm.DB, userID, title string) (*domain.Chat, error) {
	var c *domain.Chat
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int
		if err := tx.Model(&domain.Chat{}).
			Where("user_id = ?", userID).
			Select("COALESCE(MAX(number), 0)").
			Scan(&n).Error; err != nil {
			return err
		}
		n++
		if title == "" {
			title = fmt.Sprintf("Chat %d", n)
		}
		now := time.Now().UTC()
		c = &domain.Chat{
			ID:        uuid.NewString(),
			UserID:    userID,
			Number:    n,
			Title:     title,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return tx.Create(c).Error
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ActiveChat returns the user's highest-numbered chat or ErrNotFound.
func ActiveChat(ctx context.Context, db *gorm.DB, userID string) (*domain.Chat, error) {
	var c domain.Chat
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("number DESC").
		Take(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdateChatTitle renames a chat, only if it belongs to the user.
// Returns ErrNotFound if no row was updated.
func UpdateChatTitle(ctx context.Context, db *gorm.DB, id, userID, title string) error {
	res := db.WithContext(ctx).
		Model(&domain.Chat{}).
		Where("id = ? AND user_id = ?", id, userID).
		Updates(map[string]any{"title": title, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteChat removes a chat and its turns, only if it belongs to the user.
// Returns ErrNotFound if the user has no such chat. The next-newest chat, if
// any, becomes the active one.
func DeleteChat(ctx context.Context, db *gorm.DB, id, userID string) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND user_id = ?", id, userID).Delete(&domain.Chat{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Where("chat_id = ?", id).Delete(&domain.Turn{}).Error
	})
}

// CountChats returns the total number of chats owned by the user.
func CountChats(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Chat{}).
		Where("user_id = ?", userID).
		Count(&total).Error
	return total, err
}

// ListChatsPage returns a page of the user's chats, newest first.
// The caller is responsible for computing offset and limit (e.g., (page-1)*pageSize).
func ListChatsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Chat, error) {
	var out []domain.Chat
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("number DESC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// DeleteUserData removes every chat (with its turns), the profile and the
// idempotency records of a user. It does not touch the user's assignment.
func DeleteUserData(ctx context.Context, db *gorm.DB, userID string) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Turns first: cascades are not guaranteed on every driver configuration.
		if err := tx.Where("user_id = ?", userID).Delete(&domain.Turn{}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", userID).Delete(&domain.Chat{}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", userID).Delete(&domain.UserProfile{}).Error; err != nil {
			return err
		}
		return tx.Where("user_id = ?", userID).Delete(&domain.Idempotency{}).Error
	})
}
