package domain

import "time"

// Idempotency records the model reply produced for a (user_id, key) pair so
// that a retried message POST replays the reply instead of appending the
// user's turn a second time.
type Idempotency struct {
	ID        string    `gorm:"type:char(36);primaryKey"`
	UserID    string    `gorm:"type:varchar(64);not null;uniqueIndex:ux_user_key,priority:1"`
	Key       string    `gorm:"column:idem_key;type:varchar(128);not null;uniqueIndex:ux_user_key,priority:2"`
	TurnID    string    `gorm:"type:char(36);not null"`
	Status    int       `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
	ExpiresAt time.Time `gorm:"not null;index"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }
