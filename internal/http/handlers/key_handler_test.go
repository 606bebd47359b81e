package handlers

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/tbourn/go-keypool-backend/internal/keypool"
	"github.com/tbourn/go-keypool-backend/internal/services"
)

func TestListKeys(t *testing.T) {
	keys := stubKeys{report: func(context.Context) (*services.PoolReport, error) {
		return &services.PoolReport{
			Keys:     []services.KeyStatus{{KeyUsage: keypool.KeyUsage{ID: "c1", Key: "AIza…0001", Active: true, Capacity: 3, Load: 2}, Users: 2}},
			Total:    1,
			Active:   1,
			Capacity: 3,
			Load:     2,
		}, nil
	}}
	r := newRouter(New(stubChats{}, stubMsgs{}, keys), nil)

	w := do(t, r, http.MethodGet, "/admin/keys", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	rep := decode[services.PoolReport](t, w)
	if rep.Total != 1 || rep.Load != 2 || len(rep.Keys) != 1 || rep.Keys[0].Users != 2 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestActivateDeactivateKey(t *testing.T) {
	id := uuid.NewString()
	var activated, deactivated, reason string
	keys := stubKeys{
		activate: func(_ context.Context, got string) error {
			if got != id {
				return keypool.ErrUnknownCredential
			}
			activated = got
			return nil
		},
		deactivate: func(_ context.Context, got, why string) error {
			if got != id {
				return keypool.ErrUnknownCredential
			}
			deactivated, reason = got, why
			return nil
		},
	}
	r := newRouter(New(stubChats{}, stubMsgs{}, keys), nil)

	if w := do(t, r, http.MethodPost, "/admin/keys/"+id+"/activate", ""); w.Code != http.StatusNoContent || activated != id {
		t.Fatalf("activate: status=%d id=%q", w.Code, activated)
	}
	if w := do(t, r, http.MethodPost, "/admin/keys/"+id+"/deactivate", `{"reason":"  billing  "}`); w.Code != http.StatusNoContent {
		t.Fatalf("deactivate: status=%d", w.Code)
	}
	if deactivated != id || reason != "billing" {
		t.Fatalf("deactivate(%q,%q)", deactivated, reason)
	}

	// Body is optional.
	reason = "unset"
	if w := do(t, r, http.MethodPost, "/admin/keys/"+id+"/deactivate", ""); w.Code != http.StatusNoContent || reason != "" {
		t.Fatalf("no body: status=%d reason=%q", w.Code, reason)
	}

	cases := []struct {
		target, body string
		want         int
	}{
		{"/admin/keys/not-a-uuid/activate", "", http.StatusBadRequest},
		{"/admin/keys/not-a-uuid/deactivate", "", http.StatusBadRequest},
		{"/admin/keys/" + uuid.NewString() + "/activate", "", http.StatusNotFound},
		{"/admin/keys/" + uuid.NewString() + "/deactivate", "", http.StatusNotFound},
		{"/admin/keys/" + id + "/deactivate", `{"reason":"` + strings.Repeat("x", 256) + `"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		if w := do(t, r, http.MethodPost, tc.target, tc.body); w.Code != tc.want {
			t.Fatalf("%s → %d; want %d", tc.target, w.Code, tc.want)
		}
	}
}
