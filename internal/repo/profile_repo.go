package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-keypool-backend/internal/domain"
)

// GetProfile returns the user's profile or ErrNotFound.
func GetProfile(ctx context.Context, db *gorm.DB, userID string) (*domain.UserProfile, error) {
	var p domain.UserProfile
	if err := db.WithContext(ctx).Where("user_id = ?", userID).Take(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// EnsureProfile creates a profile with the given model unless one exists.
func EnsureProfile(ctx context.Context, db *gorm.DB, userID, model string) error {
	now := time.Now().UTC()
	p := &domain.UserProfile{UserID: userID, Model: model, CreatedAt: now, UpdatedAt: now}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(p).Error
}

// SetProfileModel upserts the user's preferred model.
func SetProfileModel(ctx context.Context, db *gorm.DB, userID, model string) error {
	now := time.Now().UTC()
	p := &domain.UserProfile{UserID: userID, Model: model, CreatedAt: now, UpdatedAt: now}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"model", "updated_at"}),
		}).
		Create(p).Error
}
