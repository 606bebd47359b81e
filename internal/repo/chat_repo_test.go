package repo

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-keypool-backend/internal/domain"
)

func TestCreateChat_Error_NoTable(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "empty.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	chat, err := CreateChat(context.Background(), db, "u1", "t")
	if err == nil || chat != nil {
		t.Fatalf("expected error creating without table, got chat=%v err=%v", chat, err)
	}
}

func TestCreateChat_NumbersPerUser(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	c1, err := CreateChat(ctx, db, "u1", "")
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	c2, err := CreateChat(ctx, db, "u1", "Trip planning")
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	other, err := CreateChat(ctx, db, "u2", "")
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	if c1.Number != 1 || c1.Title != "Chat 1" || c2.Number != 2 || c2.Title != "Trip planning" || other.Number != 1 {
		t.Fatalf("unexpected numbering: %+v %+v %+v", c1, c2, other)
	}

	active, err := ActiveChat(ctx, db, "u1")
	if err != nil || active.ID != c2.ID {
		t.Fatalf("ActiveChat = %+v, err=%v; want %s", active, err, c2.ID)
	}
	if _, err := ActiveChat(ctx, db, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := UpdateChatTitle(ctx, db, c1.ID, "u1", "Renamed"); err != nil {
		t.Fatalf("UpdateChatTitle: %v", err)
	}
	if err := UpdateChatTitle(ctx, db, c1.ID, "u2", "Stolen"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rename by another user: expected ErrNotFound, got %v", err)
	}

	total, err := CountChats(ctx, db, "u1")
	if err != nil || total != 2 {
		t.Fatalf("CountChats = %d, err=%v", total, err)
	}
	page, err := ListChatsPage(ctx, db, "u1", 0, 1)
	if err != nil || len(page) != 1 || page[0].ID != c2.ID {
		t.Fatalf("ListChatsPage newest first: %+v err=%v", page, err)
	}
}

func TestDeleteChat_CascadesTurnsAndActivatesPrevious(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	first, err := CreateChat(ctx, db, "u1", "")
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	if _, err := AppendTurn(ctx, db, "u1", domain.RoleUser, "old"); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}
	second, _ := CreateChat(ctx, db, "u1", "")
	if _, err := AppendTurn(ctx, db, "u1", domain.RoleUser, "new"); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}

	if err := DeleteChat(ctx, db, second.ID, "u2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign delete: expected ErrNotFound, got %v", err)
	}
	if err := DeleteChat(ctx, db, second.ID, "u1"); err != nil {
		t.Fatalf("DeleteChat: %v", err)
	}
	var left int64
	db.Model(&domain.Turn{}).Where("chat_id = ?", second.ID).Count(&left)
	if left != 0 {
		t.Fatalf("turns left: %d", left)
	}
	active, err := ActiveChat(ctx, db, "u1")
	if err != nil || active.ID != first.ID {
		t.Fatalf("active after delete = %+v err=%v", active, err)
	}
	w, _ := ListWindow(ctx, db, "u1")
	if len(w) != 1 || w[0].Content != "old" {
		t.Fatalf("window = %+v", w)
	}

	if err := DeleteChat(ctx, db, first.ID, "u1"); err != nil {
		t.Fatalf("DeleteChat: %v", err)
	}
	if w, err := ListWindow(ctx, db, "u1"); err != nil || len(w) != 0 {
		t.Fatalf("window with no chats = %+v err=%v", w, err)
	}
}

func TestDeleteUserData(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	if _, err := AppendTurn(ctx, db, "u1", domain.RoleUser, "hi"); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}
	if err := EnsureProfile(ctx, db, "u1", "flash"); err != nil {
		t.Fatalf("EnsureProfile: %v", err)
	}
	if _, err := AppendTurn(ctx, db, "u2", domain.RoleUser, "keep me"); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}

	if err := DeleteUserData(ctx, db, "u1"); err != nil {
		t.Fatalf("DeleteUserData: %v", err)
	}
	if n, _ := CountChats(ctx, db, "u1"); n != 0 {
		t.Fatalf("chats left: %d", n)
	}
	if _, err := GetProfile(ctx, db, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("profile should be gone, err=%v", err)
	}
	w, err := ListWindow(ctx, db, "u2")
	if err != nil || len(w) != 1 {
		t.Fatalf("other users must be untouched: %+v err=%v", w, err)
	}
}

func TestProfile_EnsureDoesNotOverwrite(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	if err := EnsureProfile(ctx, db, "u1", "flash"); err != nil {
		t.Fatalf("EnsureProfile: %v", err)
	}
	if err := SetProfileModel(ctx, db, "u1", "flash-latest"); err != nil {
		t.Fatalf("SetProfileModel: %v", err)
	}
	if err := EnsureProfile(ctx, db, "u1", "flash"); err != nil {
		t.Fatalf("EnsureProfile again: %v", err)
	}
	p, err := GetProfile(ctx, db, "u1")
	if err != nil || p.Model != "flash-latest" {
		t.Fatalf("profile = %+v err=%v", p, err)
	}
}
