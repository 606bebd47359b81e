package repo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/tbourn/go-keypool-backend/internal/domain"
	"github.com/tbourn/go-keypool-backend/internal/keypool"
	"github.com/tbourn/go-keypool-backend/internal/window"
)

// The allocator and window manager run against the GORM store exactly as
// they do against their in-memory stores.

func TestStore_AllocatorScenarios(t *testing.T) {
	ctx := context.Background()
	s := NewStore(newTestDB(t))
	a := keypool.New(s, nil)

	if _, err := a.Seed(ctx, []string{"key-1", "key-2"}, 2); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	want := []string{"key-1", "key-1", "key-2", "key-2"}
	for i, w := range want {
		l, err := a.Assign(ctx, fmt.Sprintf("U%d", i+1))
		if err != nil || l.Credential.APIKey != w {
			t.Fatalf("U%d: lease=%+v err=%v; want %s", i+1, l, err, w)
		}
	}
	if _, err := a.Assign(ctx, "U5"); !errors.Is(err, keypool.ErrCapacityExhausted) {
		t.Fatalf("U5: expected ErrCapacityExhausted, got %v", err)
	}

	// key-1 revoked while serving U1: U1 cannot move (key-2 is full).
	l1, _ := a.Assign(ctx, "U1")
	if _, err := a.ReportFailure(ctx, "U1", l1.Credential.ID, errors.New("403")); !errors.Is(err, keypool.ErrCapacityExhausted) {
		t.Fatalf("expected exhaustion on reassignment, got %v", err)
	}
	// Freeing a slot on key-2 lets U1 in.
	if err := a.Release(ctx, "U4"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	l, err := a.Assign(ctx, "U1")
	if err != nil || l.Credential.APIKey != "key-2" {
		t.Fatalf("U1 after release: lease=%+v err=%v", l, err)
	}
	if n, err := a.CurrentLoad(ctx, l.Credential.ID); err != nil || n != 2 {
		t.Fatalf("CurrentLoad = %d err=%v", n, err)
	}
}

func TestStore_ReassignmentScenario(t *testing.T) {
	ctx := context.Background()
	s := NewStore(newTestDB(t))
	a := keypool.New(s, nil)
	if _, err := a.Seed(ctx, []string{"key-1", "key-2"}, 5); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	l, err := a.Assign(ctx, "U1")
	if err != nil || l.Credential.APIKey != "key-1" {
		t.Fatalf("Assign: %+v %v", l, err)
	}
	l, err = a.ReportFailure(ctx, "U1", l.Credential.ID, errors.New("quota"))
	if err != nil || l.Credential.APIKey != "key-2" || !l.Retryable() {
		t.Fatalf("ReportFailure: %+v %v", l, err)
	}
	l, err = a.Assign(ctx, "U1")
	if err != nil || l.Credential.APIKey != "key-2" || l.Status != keypool.StatusExisting {
		t.Fatalf("subsequent Assign: %+v %v", l, err)
	}

	stats, err := a.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats[0].Active || stats[0].Load != 0 || !stats[1].Active || stats[1].Load != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestStore_WindowScenario(t *testing.T) {
	ctx := context.Background()
	s := NewStore(newTestDB(t))
	m := window.New(s, 20, nil, nil)

	for i := 1; i <= 25; i++ {
		role := domain.RoleUser
		if i%2 == 0 {
			role = domain.RoleModel
		}
		if _, err := m.AppendTurn(ctx, "u1", role, fmt.Sprintf("turn #%d", i)); err != nil {
			t.Fatalf("AppendTurn: %v", err)
		}
	}
	got, err := m.BuildPrompt(ctx, "u1")
	if err != nil {
		t.Fatalf("BuildPrompt: %v", err)
	}
	if len(got) != 20 || !got[0].Summary || got[19].Content != "turn #25" || got[1].Content != "turn #7" {
		t.Fatalf("unexpected prompt: len=%d first=%+v last=%+v", len(got), got[0], got[len(got)-1])
	}

	stored, err := s.GetWindow(ctx, "u1")
	if err != nil || len(stored) != 20 || !stored[0].Summary || stored[0].ID == "" {
		t.Fatalf("stored window not bounded: len=%d err=%v", len(stored), err)
	}

	// A second build is a no-op.
	again, err := m.BuildPrompt(ctx, "u1")
	if err != nil || len(again) != 20 || again[0].ID != stored[0].ID {
		t.Fatalf("second BuildPrompt should not recompress")
	}

	if _, err := m.Reset(ctx, "u1"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	w, _ := m.Window(ctx, "u1")
	if len(w) != 0 {
		t.Fatalf("window after reset = %d turns", len(w))
	}
}

func TestStore_ConcurrentAssignNeverExceedsCapacity(t *testing.T) {
	cases := []struct{ users, keys, capacity int }{
		{users: 20, keys: 3, capacity: 4},
		{users: 8, keys: 2, capacity: 5},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("n%d_k%d_c%d", tc.users, tc.keys, tc.capacity), func(t *testing.T) {
			ctx := context.Background()
			s := NewStore(newTestDB(t))
			a := keypool.New(s, nil)
			keys := make([]string, tc.keys)
			for i := range keys {
				keys[i] = fmt.Sprintf("key-%d", i+1)
			}
			if _, err := a.Seed(ctx, keys, tc.capacity); err != nil {
				t.Fatalf("Seed: %v", err)
			}

			var mu sync.Mutex
			exhausted := 0
			var g errgroup.Group
			for i := 0; i < tc.users; i++ {
				uid := fmt.Sprintf("u%d", i)
				g.Go(func() error {
					_, err := a.Assign(ctx, uid)
					if errors.Is(err, keypool.ErrCapacityExhausted) {
						mu.Lock()
						exhausted++
						mu.Unlock()
						return nil
					}
					return err
				})
			}
			if err := g.Wait(); err != nil {
				t.Fatalf("Assign: %v", err)
			}

			want := max(tc.users-tc.keys*tc.capacity, 0)
			if exhausted != want {
				t.Fatalf("exhausted = %d; want %d", exhausted, want)
			}
			all, err := s.ListCredentials(ctx)
			if err != nil {
				t.Fatalf("ListCredentials: %v", err)
			}
			total := 0
			for _, c := range all {
				if c.Load > c.Capacity {
					t.Fatalf("credential %s over capacity: %d > %d", c.ID, c.Load, c.Capacity)
				}
				if n, _ := s.CountAssignments(ctx, c.ID); n != c.Load {
					t.Fatalf("load %d does not match %d assignments", c.Load, n)
				}
				total += c.Load
			}
			if total != tc.users-want {
				t.Fatalf("total load = %d; want %d", total, tc.users-want)
			}
		})
	}
}
