// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the credential
// pool and user assignments.
//
// Credential load is only ever changed together with the assignment rows it
// counts, inside one transaction, and always through a conditional UPDATE so
// that concurrent claims can never push a credential past its capacity:
//
//	UPDATE credentials SET user_count = user_count + 1
//	 WHERE id = ? AND active AND user_count < capacity
//
// A claim that affects zero rows lost the race (or hit an inactive key) and
// the caller moves on to the next candidate.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-keypool-backend/internal/domain"
)

// maxReasonBytes is the width of credentials.deactivate_reason.
const maxReasonBytes = 255

// orderCredentials is the allocation order: load order, then creation time.
const orderCredentials = "ordinal ASC, created_at ASC, id ASC"

// GetCredential fetches a credential by ID or returns ErrNotFound.
func GetCredential(ctx context.Context, db *gorm.DB, id string) (*domain.Credential, error) {
	var c domain.Credential
	if err := db.WithContext(ctx).Where("id = ?", id).Take(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// ListActiveCredentials returns active credentials in allocation order.
func ListActiveCredentials(ctx context.Context, db *gorm.DB) ([]domain.Credential, error) {
	var out []domain.Credential
	err := db.WithContext(ctx).
		Where("active = ?", true).
		Order(orderCredentials).
		Find(&out).Error
	return out, err
}

// ListCredentials returns every credential, active or not, in allocation order.
func ListCredentials(ctx context.Context, db *gorm.DB) ([]domain.Credential, error) {
	var out []domain.Credential
	err := db.WithContext(ctx).Order(orderCredentials).Find(&out).Error
	return out, err
}

// UpsertCredentials inserts keys that are not yet stored, appending them to
// the allocation order, and re-syncs the capacity of keys that already exist.
// The active flag of existing keys is left untouched. It returns the number
// of inserted rows.
func UpsertCredentials(ctx context.Context, db *gorm.DB, keys []string, capacity int) (int, error) {
	inserted := 0
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxOrdinal int64
		if err := tx.Model(&domain.Credential{}).
			Select("COALESCE(MAX(ordinal), 0)").
			Scan(&maxOrdinal).Error; err != nil {
			return err
		}

		now := time.Now().UTC()
		for _, k := range keys {
			var existing domain.Credential
			err := tx.Where("api_key = ?", k).Take(&existing).Error
			switch {
			case err == nil:
				if existing.Capacity != capacity {
					if err := tx.Model(&domain.Credential{}).
						Where("id = ?", existing.ID).
						Updates(map[string]any{"capacity": capacity, "updated_at": now}).Error; err != nil {
						return err
					}
				}
			case errors.Is(err, gorm.ErrRecordNotFound):
				maxOrdinal++
				c := &domain.Credential{
					ID:        uuid.NewString(),
					APIKey:    k,
					Ordinal:   maxOrdinal,
					Active:    true,
					Capacity:  capacity,
					CreatedAt: now,
					UpdatedAt: now,
				}
				if err := tx.Create(c).Error; err != nil {
					return err
				}
				inserted++
			default:
				return err
			}
		}
		return nil
	})
	return inserted, err
}

// SetCredentialActive flips the active flag. Deactivation records the reason
// and timestamp; activation clears them. Assignments are not touched. It
// returns ErrNotFound when no credential has the given ID.
func SetCredentialActive(ctx context.Context, db *gorm.DB, id string, active bool, reason string) error {
	now := time.Now().UTC()
	updates := map[string]any{"active": active, "updated_at": now}
	if active {
		updates["deactivated_at"] = nil
		updates["deactivate_reason"] = ""
	} else {
		updates["deactivated_at"] = now
		updates["deactivate_reason"] = clipUTF8(reason, maxReasonBytes)
	}
	res := db.WithContext(ctx).
		Model(&domain.Credential{}).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetAssignment returns the user's assignment or ErrNotFound.
func GetAssignment(ctx context.Context, db *gorm.DB, userID string) (*domain.Assignment, error) {
	var a domain.Assignment
	if err := db.WithContext(ctx).Where("user_id = ?", userID).Take(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// CountAssignments returns the number of users assigned to a credential.
func CountAssignments(ctx context.Context, db *gorm.DB, credentialID string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.Assignment{}).
		Where("credential_id = ?", credentialID).
		Count(&n).Error
	return n, err
}

// ClaimCredential atomically reserves one slot on credentialID for userID and
// points the user's assignment at it, releasing the slot the user held on a
// previous credential. It reports false, without changing anything, when the
// credential is inactive or already full.
func ClaimCredential(ctx context.Context, db *gorm.DB, userID, credentialID string) (bool, error) {
	claimed := false
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()

		res := tx.Model(&domain.Credential{}).
			Where("id = ? AND active = ? AND user_count < capacity", credentialID, true).
			Updates(map[string]any{"user_count": gorm.Expr("user_count + 1"), "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		var prev domain.Assignment
		err := tx.Where("user_id = ?", userID).Take(&prev).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			a := &domain.Assignment{UserID: userID, CredentialID: credentialID, CreatedAt: now, UpdatedAt: now}
			if err := tx.Create(a).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		case prev.CredentialID == credentialID:
			// Already counted on this credential; undo the reservation.
			if err := releaseSlot(tx, credentialID, now); err != nil {
				return err
			}
		default:
			if err := releaseSlot(tx, prev.CredentialID, now); err != nil {
				return err
			}
			if err := tx.Model(&domain.Assignment{}).
				Where("user_id = ?", userID).
				Updates(map[string]any{"credential_id": credentialID, "updated_at": now}).Error; err != nil {
				return err
			}
		}
		claimed = true
		return nil
	})
	return claimed, err
}

// UnclaimCredential deletes the user's assignment and frees its slot. It
// reports whether an assignment existed.
func UnclaimCredential(ctx context.Context, db *gorm.DB, userID string) (bool, error) {
	found := false
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var a domain.Assignment
		err := tx.Where("user_id = ?", userID).Take(&a).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", userID).Delete(&domain.Assignment{}).Error; err != nil {
			return err
		}
		found = true
		return releaseSlot(tx, a.CredentialID, time.Now().UTC())
	})
	return found, err
}

func releaseSlot(tx *gorm.DB, credentialID string, now time.Time) error {
	return tx.Model(&domain.Credential{}).
		Where("id = ? AND user_count > 0", credentialID).
		Updates(map[string]any{"user_count": gorm.Expr("user_count - 1"), "updated_at": now}).Error
}

// clipUTF8 cuts s to at most n bytes without splitting a character. Invalid
// sequences are replaced first so the result is always valid UTF-8.
func clipUTF8(s string, n int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
