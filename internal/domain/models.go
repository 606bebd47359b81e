// Package domain defines the persistence models for upstream credentials,
// user assignments, chats and conversation turns. These types are mapped with
// GORM and form the core data layer of the service.
package domain

import (
	"time"
)

// Turn roles.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Credential is one upstream API key in the pool.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - APIKey: the opaque secret; unique, never serialized.
//   - Ordinal: load order; the allocator fills credentials in ascending order.
//   - Active: false once the upstream reported the key exhausted or revoked.
//   - Capacity: maximum number of users that may share the key.
//   - Load: number of users currently assigned to the key (column user_count).
//   - DeactivatedAt / DeactivateReason: set when the key is taken out of rotation.
type Credential struct {
	ID               string     `json:"id"                gorm:"type:char(36);primaryKey"`
	APIKey           string     `json:"-"                 gorm:"type:varchar(255);not null;uniqueIndex:ux_credentials_key"`
	Ordinal          int64      `json:"ordinal"           gorm:"not null;index:idx_credentials_order"`
	Active           bool       `json:"active"            gorm:"not null;default:true;index"`
	Capacity         int        `json:"capacity"          gorm:"not null;check:capacity >= 1"`
	Load             int        `json:"load"              gorm:"column:user_count;not null;default:0;check:user_count >= 0"`
	DeactivatedAt    *time.Time `json:"deactivated_at,omitempty"`
	DeactivateReason string     `json:"deactivate_reason,omitempty" gorm:"type:varchar(255)"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// TableName returns the database table name for Credential.
func (Credential) TableName() string { return "credentials" }

// Masked returns a printable form of the key that hides the secret part.
func (c Credential) Masked() string { return MaskKey(c.APIKey) }

// MaskKey keeps the first and last four characters of long keys.
func MaskKey(k string) string {
	if len(k) <= 8 {
		return "****"
	}
	return k[:4] + "…" + k[len(k)-4:]
}

// Assignment binds a user to the credential that serves them. A user has at
// most one assignment (UserID is the primary key).
type Assignment struct {
	UserID       string    `json:"user_id"       gorm:"type:varchar(64);primaryKey"`
	CredentialID string    `json:"credential_id" gorm:"type:char(36);not null;index:idx_assignments_credential"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	Credential Credential `json:"-" gorm:"foreignKey:CredentialID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
}

// TableName returns the database table name for Assignment.
func (Assignment) TableName() string { return "assignments" }

// Chat is one conversation of a user. The chat with the highest Number is the
// active one; its non-archived turns form the user's conversation window.
type Chat struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	UserID    string    `json:"user_id"    gorm:"type:varchar(64);not null;uniqueIndex:ux_user_chat_number,priority:1"`
	Number    int       `json:"number"     gorm:"not null;uniqueIndex:ux_user_chat_number,priority:2"`
	Title     string    `json:"title"      gorm:"type:varchar(255);not null;default:'New chat'"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for Chat.
func (Chat) TableName() string { return "chats" }

// Turn is a single utterance in a chat, authored by the user or the model.
//
// Seq defines dialogue order within the chat. A summary turn stands in for
// older turns that were archived by compression and carries the Seq of the
// first turn it replaced, so it always sorts before the turns kept verbatim.
type Turn struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	ChatID    string    `json:"chat_id"    gorm:"type:char(36);not null;index:idx_chat_turns,priority:1"`
	UserID    string    `json:"user_id"    gorm:"type:varchar(64);not null;index"`
	Seq       int64     `json:"seq"        gorm:"not null;index:idx_chat_turns,priority:3"`
	Role      string    `json:"role"       gorm:"type:varchar(16);not null;check:role IN ('user','model')"`
	Content   string    `json:"content"    gorm:"type:text;not null"`
	Summary   bool      `json:"summary"    gorm:"not null;default:false"`
	Archived  bool      `json:"-"          gorm:"not null;default:false;index:idx_chat_turns,priority:2"`
	CreatedAt time.Time `json:"created_at"`

	// Chat is the owning conversation. Turns are cascade-deleted with it.
	Chat Chat `json:"-" gorm:"foreignKey:ChatID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Turn.
func (Turn) TableName() string { return "turns" }

// UserProfile stores per-user preferences.
type UserProfile struct {
	UserID    string    `json:"user_id"    gorm:"type:varchar(64);primaryKey"`
	Model     string    `json:"model"      gorm:"type:varchar(32);not null"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for UserProfile.
func (UserProfile) TableName() string { return "user_profiles" }
