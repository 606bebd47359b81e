package domain

import (
	"testing"
	"time"
)

func TestIdempotency_UniquePerUserAndKey(t *testing.T) {
	db := newDomainDB(t)
	now := time.Now().UTC()

	rec := &Idempotency{ID: "i1", UserID: "u1", Key: "k1", TurnID: "t1", Status: 201, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	if err := db.Create(rec).Error; err != nil {
		t.Fatalf("insert: %v", err)
	}

	var got Idempotency
	if err := db.First(&got, "id = ?", "i1").Error; err != nil {
		t.Fatalf("readback: %v", err)
	}
	if got.UserID != "u1" || got.Key != "k1" || got.TurnID != "t1" || got.Status != 201 {
		t.Fatalf("unexpected row: %+v", got)
	}
	if !got.ExpiresAt.After(got.CreatedAt) {
		t.Fatalf("ExpiresAt should be after CreatedAt: %v vs %v", got.ExpiresAt, got.CreatedAt)
	}

	dup := &Idempotency{ID: "i2", UserID: "u1", Key: "k1", TurnID: "t2", Status: 201, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	if err := db.Create(dup).Error; err == nil {
		t.Fatalf("expected UNIQUE violation on (user_id, key)")
	}

	other := &Idempotency{ID: "i3", UserID: "u2", Key: "k1", TurnID: "t3", Status: 201, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	if err := db.Create(other).Error; err != nil {
		t.Fatalf("same key for another user should be allowed: %v", err)
	}
}
