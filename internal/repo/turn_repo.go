// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Turn model.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-keypool-backend/internal/domain"
)

// orderTurns is dialogue order inside a chat.
const orderTurns = "seq ASC, id ASC"

// AppendTurn adds a turn at the end of the user's active chat, creating the
// first chat when the user has none.
func AppendTurn(ctx context.Context, db *gorm.DB, userID, role, content string) (*domain.Turn, error) {
	var t *domain.Turn
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		chat, err := ActiveChat(ctx, tx, userID)
		if errors.Is(err, ErrNotFound) {
			chat, err = CreateChat(ctx, tx, userID, "")
		}
		if err != nil {
			return err
		}

		var last int64
		if err := tx.Model(&domain.Turn{}).
			Where("chat_id = ?", chat.ID).
			Select("COALESCE(MAX(seq), 0)").
			Scan(&last).Error; err != nil {
			return err
		}

		t = &domain.Turn{
			ID:        uuid.NewString(),
			ChatID:    chat.ID,
			UserID:    userID,
			Seq:       last + 1,
			Role:      role,
			Content:   content,
			CreatedAt: time.Now().UTC(),
		}
		return tx.Create(t).Error
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ListWindow returns the non-archived turns of the user's active chat in
// dialogue order. A user without chats has an empty window.
func ListWindow(ctx context.Context, db *gorm.DB, userID string) ([]domain.Turn, error) {
	chat, err := ActiveChat(ctx, db, userID)
	if errors.Is(err, ErrNotFound) {
		return []domain.Turn{}, nil
	}
	if err != nil {
		return nil, err
	}
	var out []domain.Turn
	err = db.WithContext(ctx).
		Where("chat_id = ? AND archived = ?", chat.ID, false).
		Order(orderTurns).
		Find(&out).Error
	return out, err
}

// ReplaceWindow makes window the stored window of the user's active chat.
// Active turns missing from window are archived; turns in window without an
// ID (summaries) are inserted. Existing turns are never rewritten.
func ReplaceWindow(ctx context.Context, db *gorm.DB, userID string, window []domain.Turn) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		chat, err := ActiveChat(ctx, tx, userID)
		if err != nil {
			return err
		}

		keep := make([]string, 0, len(window))
		var fresh []domain.Turn
		now := time.Now().UTC()
		for _, t := range window {
			if t.ID != "" {
				keep = append(keep, t.ID)
				continue
			}
			t.ID = uuid.NewString()
			t.ChatID = chat.ID
			t.UserID = userID
			if t.CreatedAt.IsZero() {
				t.CreatedAt = now
			}
			fresh = append(fresh, t)
		}

		q := tx.Model(&domain.Turn{}).Where("chat_id = ? AND archived = ?", chat.ID, false)
		if len(keep) > 0 {
			q = q.Where("id NOT IN ?", keep)
		}
		if err := q.Update("archived", true).Error; err != nil {
			return err
		}
		if len(fresh) > 0 {
			return tx.Create(&fresh).Error
		}
		return nil
	})
}

// GetTurn fetches a turn by ID or returns ErrNotFound.
func GetTurn(ctx context.Context, db *gorm.DB, id string) (*domain.Turn, error) {
	var t domain.Turn
	if err := db.WithContext(ctx).Where("id = ?", id).Take(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// CountTranscript returns the number of non-summary turns in a chat.
func CountTranscript(ctx context.Context, db *gorm.DB, chatID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Turn{}).
		Where("chat_id = ? AND summary = ?", chatID, false).
		Count(&total).Error
	return total, err
}

// ListTranscriptPage returns a page of the chat's full transcript (archived
// turns included, summaries excluded) in dialogue order.
func ListTranscriptPage(ctx context.Context, db *gorm.DB, chatID string, offset, limit int) ([]domain.Turn, error) {
	var out []domain.Turn
	err := db.WithContext(ctx).
		Where("chat_id = ? AND summary = ?", chatID, false).
		Order(orderTurns).
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}
