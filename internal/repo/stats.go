// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate queries used for
// conditional responses (ETag generation) and pool diagnostics.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-keypool-backend/internal/domain"
)

// TranscriptStats returns the number of transcript turns in a chat and the
// newest CreatedAt among them (nil when the chat is empty).
func TranscriptStats(ctx context.Context, db *gorm.DB, chatID string) (count int64, newest *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.Turn{}).Where("chat_id = ? AND summary = ?", chatID, false)

	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Avoid MAX() -> TEXT in SQLite.
	var row struct {
		CreatedAt time.Time
	}
	if err = q.Select("created_at").Order("created_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.CreatedAt, nil
}

// AssignmentCount is the number of assignments referencing one credential.
type AssignmentCount struct {
	CredentialID string
	Users        int64
}

// AssignmentCounts groups assignments by credential. Credentials without
// users are absent from the result.
func AssignmentCounts(ctx context.Context, db *gorm.DB) (map[string]int64, error) {
	var rows []AssignmentCount
	err := db.WithContext(ctx).
		Model(&domain.Assignment{}).
		Select("credential_id, COUNT(*) AS users").
		Group("credential_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.CredentialID] = r.Users
	}
	return out, nil
}
