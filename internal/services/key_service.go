// Package services – KeyService
//
// This file implements KeyService, the operator view of the credential pool:
// usage per credential, pool totals, bulk loading and manual activation. API
// keys never leave this service unmasked.
package services

import (
	"context"

	"github.com/samber/lo"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-keypool-backend/internal/keypool"
	"github.com/tbourn/go-keypool-backend/internal/repo"
)

// KeyStatus is one credential's usage. Users counts assignment rows and
// should always equal Load.
type KeyStatus struct {
	keypool.KeyUsage
	Users int64 `json:"users"`
}

// PoolReport summarizes the pool.
type PoolReport struct {
	Keys     []KeyStatus `json:"keys"`
	Total    int         `json:"total"`
	Active   int         `json:"active"`
	Capacity int         `json:"capacity"` // sum over active credentials
	Load     int         `json:"load"`
}

// KeyService exposes pool administration.
type KeyService struct {
	DB   *gorm.DB
	Keys *keypool.Allocator
}

func (s *KeyService) tracer() trace.Tracer { return otel.Tracer("services/KeyService") }

// Report lists every credential with its usage plus pool totals.
func (s *KeyService) Report(ctx context.Context) (*PoolReport, error) {
	ctx, span := s.tracer().Start(ctx, "Report")
	defer span.End()

	usage, err := s.Keys.Stats(ctx)
	if err != nil {
		return nil, err
	}
	users, err := repo.AssignmentCounts(ctx, s.DB)
	if err != nil {
		return nil, err
	}

	active := lo.Filter(usage, func(u keypool.KeyUsage, _ int) bool { return u.Active })
	rep := &PoolReport{
		Keys: lo.Map(usage, func(u keypool.KeyUsage, _ int) KeyStatus {
			return KeyStatus{KeyUsage: u, Users: users[u.ID]}
		}),
		Total:    len(usage),
		Active:   len(active),
		Capacity: lo.SumBy(active, func(u keypool.KeyUsage) int { return u.Capacity }),
		Load:     lo.SumBy(usage, func(u keypool.KeyUsage) int { return u.Load }),
	}
	span.SetAttributes(
		attribute.Int("pool.total", rep.Total),
		attribute.Int("pool.active", rep.Active),
		attribute.Int("pool.load", rep.Load),
	)
	return rep, nil
}

// Load bulk-loads keys with the given capacity. Known keys keep their active
// flag.
func (s *KeyService) Load(ctx context.Context, keys []string, capacity int) (keypool.SeedReport, error) {
	ctx, span := s.tracer().Start(ctx, "Load", trace.WithAttributes(attribute.Int("keys", len(keys))))
	defer span.End()

	keys = lo.Uniq(lo.Compact(keys))
	return s.Keys.Seed(ctx, keys, capacity)
}

// Activate returns a credential to rotation.
func (s *KeyService) Activate(ctx context.Context, id string) error {
	ctx, span := s.tracer().Start(ctx, "Activate", trace.WithAttributes(attribute.String("credential.id", id)))
	defer span.End()
	return s.Keys.Activate(ctx, id)
}

// Deactivate takes a credential out of rotation.
func (s *KeyService) Deactivate(ctx context.Context, id, reason string) error {
	ctx, span := s.tracer().Start(ctx, "Deactivate", trace.WithAttributes(attribute.String("credential.id", id)))
	defer span.End()
	if reason == "" {
		reason = "deactivated by operator"
	}
	return s.Keys.Deactivate(ctx, id, reason)
}
