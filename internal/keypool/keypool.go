// Package keypool assigns users to upstream API credentials.
//
// Each credential serves at most Capacity users. A user keeps its credential
// until it is released or the upstream reports the credential exhausted or
// revoked, at which point the credential is taken out of rotation for good
// (until an operator reactivates it) and the user is moved to the first
// active credential with spare capacity.
//
// Allocation is first-fit over active credentials in load order. The slot
// reservation itself is delegated to Store.Claim, which must perform a
// conditional increment so that no credential ever exceeds its capacity, no
// matter how many allocators share the store.
package keypool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tbourn/go-keypool-backend/internal/domain"
	"github.com/tbourn/go-keypool-backend/internal/userlock"
)

var (
	// ErrCapacityExhausted means every active credential is at capacity.
	ErrCapacityExhausted = errors.New("keypool: capacity exhausted")
	// ErrStoreUnavailable wraps failures of the backing store.
	ErrStoreUnavailable = errors.New("keypool: store unavailable")
	// ErrUnknownCredential is returned for credential IDs that do not exist.
	ErrUnknownCredential = errors.New("keypool: unknown credential")
	// ErrInvalidCapacity rejects seeding with a capacity below one.
	ErrInvalidCapacity = errors.New("keypool: capacity must be >= 1")
)

// Status tells the caller how a lease came about.
type Status int

const (
	// StatusExisting: the user's current credential is still active.
	StatusExisting Status = iota + 1
	// StatusAssigned: the user had no usable credential and got a new one.
	StatusAssigned
	// StatusReassigned: the previous credential failed; retry the upstream
	// call with this one.
	StatusReassigned
)

func (s Status) String() string {
	switch s {
	case StatusExisting:
		return "existing"
	case StatusAssigned:
		return "assigned"
	case StatusReassigned:
		return "reassigned"
	default:
		return "unknown"
	}
}

// Lease is the credential a user should call the upstream with.
type Lease struct {
	UserID     string
	Credential domain.Credential
	Status     Status
}

// Retryable reports whether the lease replaces a failed credential.
func (l Lease) Retryable() bool { return l.Status == StatusReassigned }

// Store is the persistence the allocator needs. Getters return (nil, nil)
// for missing rows.
type Store interface {
	GetCredential(ctx context.Context, id string) (*domain.Credential, error)
	ListActiveCredentials(ctx context.Context) ([]domain.Credential, error)
	ListCredentials(ctx context.Context) ([]domain.Credential, error)
	GetAssignment(ctx context.Context, userID string) (*domain.Assignment, error)
	CountAssignments(ctx context.Context, credentialID string) (int, error)

	// Claim reserves a slot on credentialID for userID if the credential is
	// active and below capacity, moving the user off any previous credential
	// in the same atomic step. It reports whether the slot was taken.
	Claim(ctx context.Context, userID, credentialID string) (bool, error)
	// Unclaim deletes the user's assignment and frees its slot.
	Unclaim(ctx context.Context, userID string) (bool, error)
	// SetActive flips a credential's active flag; false when it does not exist.
	SetActive(ctx context.Context, credentialID string, active bool, reason string) (bool, error)
	// UpsertCredentials inserts missing keys and re-syncs capacity.
	UpsertCredentials(ctx context.Context, keys []string, capacity int) (int, error)
}

// Allocator hands out credentials. It is safe for concurrent use.
type Allocator struct {
	store Store
	locks userlock.Locker
	group singleflight.Group
}

// New returns an Allocator. A nil locker means an in-process one.
func New(store Store, locks userlock.Locker) *Allocator {
	if locks == nil {
		locks = userlock.NewLocal()
	}
	return &Allocator{store: store, locks: locks}
}

func lockKey(userID string) string { return "assign:" + userID }

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

// assignTimeout bounds the work shared by collapsed Assign calls, which no
// single caller can cancel.
const assignTimeout = 30 * time.Second

// Assign returns the user's credential, assigning one if needed. Concurrent
// calls for the same user share one result; a caller that gives up does not
// abort the others.
func (a *Allocator) Assign(ctx context.Context, userID string) (Lease, error) {
	ch := a.group.DoChan(userID, func() (any, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), assignTimeout)
		defer cancel()
		unlock, err := a.locks.Lock(sctx, lockKey(userID))
		if err != nil {
			return Lease{}, err
		}
		defer unlock()
		return a.assignLocked(sctx, userID)
	})
	select {
	case <-ctx.Done():
		return Lease{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return Lease{}, r.Err
		}
		return r.Val.(Lease), nil
	}
}

func (a *Allocator) assignLocked(ctx context.Context, userID string) (Lease, error) {
	cur, err := a.currentLocked(ctx, userID)
	if err != nil {
		return Lease{}, err
	}
	if cur != nil {
		return Lease{UserID: userID, Credential: *cur, Status: StatusExisting}, nil
	}
	return a.claimFirst(ctx, userID, StatusAssigned)
}

// currentLocked returns the user's credential if it is assigned and active.
func (a *Allocator) currentLocked(ctx context.Context, userID string) (*domain.Credential, error) {
	asg, err := a.store.GetAssignment(ctx, userID)
	if err != nil {
		return nil, storeErr("get assignment", err)
	}
	if asg == nil {
		return nil, nil
	}
	cred, err := a.store.GetCredential(ctx, asg.CredentialID)
	if err != nil {
		return nil, storeErr("get credential", err)
	}
	if cred == nil || !cred.Active {
		return nil, nil
	}
	return cred, nil
}

func (a *Allocator) claimFirst(ctx context.Context, userID string, status Status) (Lease, error) {
	creds, err := a.store.ListActiveCredentials(ctx)
	if err != nil {
		return Lease{}, storeErr("list credentials", err)
	}
	for _, c := range creds {
		if c.Load >= c.Capacity {
			continue
		}
		ok, err := a.store.Claim(ctx, userID, c.ID)
		if err != nil {
			return Lease{}, storeErr("claim", err)
		}
		if !ok {
			// Filled up or deactivated since the listing.
			continue
		}
		c.Load++
		return Lease{UserID: userID, Credential: c, Status: status}, nil
	}
	return Lease{}, ErrCapacityExhausted
}

// Release removes the user's assignment and frees the slot. The credential's
// active flag is not changed. Releasing an unassigned user is a no-op.
func (a *Allocator) Release(ctx context.Context, userID string) error {
	unlock, err := a.locks.Lock(ctx, lockKey(userID))
	if err != nil {
		return err
	}
	defer unlock()
	if _, err := a.store.Unclaim(ctx, userID); err != nil {
		return storeErr("unclaim", err)
	}
	return nil
}

// ReportFailure takes credentialID out of rotation after the upstream
// rejected it for userID, then assigns the user a replacement. The returned
// lease is Retryable. ErrCapacityExhausted leaves the user unassigned.
//
// A report naming a credential the user no longer holds is stale (another
// call already moved the user); nothing is deactivated and the user's current
// credential is returned as the retry target.
func (a *Allocator) ReportFailure(ctx context.Context, userID, credentialID string, reason error) (Lease, error) {
	unlock, err := a.locks.Lock(ctx, lockKey(userID))
	if err != nil {
		return Lease{}, err
	}
	defer unlock()

	asg, err := a.store.GetAssignment(ctx, userID)
	if err != nil {
		return Lease{}, storeErr("get assignment", err)
	}
	if asg != nil && asg.CredentialID != credentialID {
		cur, err := a.currentLocked(ctx, userID)
		if err != nil {
			return Lease{}, err
		}
		if cur != nil {
			return Lease{UserID: userID, Credential: *cur, Status: StatusReassigned}, nil
		}
	} else {
		msg := "reported by caller"
		if reason != nil {
			msg = reason.Error()
		}
		if _, err := a.store.SetActive(ctx, credentialID, false, msg); err != nil {
			return Lease{}, storeErr("deactivate", err)
		}
	}

	if _, err := a.store.Unclaim(ctx, userID); err != nil {
		return Lease{}, storeErr("unclaim", err)
	}
	return a.claimFirst(ctx, userID, StatusReassigned)
}

// CurrentLoad returns the number of users assigned to a credential.
func (a *Allocator) CurrentLoad(ctx context.Context, credentialID string) (int, error) {
	n, err := a.store.CountAssignments(ctx, credentialID)
	if err != nil {
		return 0, storeErr("count assignments", err)
	}
	if n == 0 {
		cred, err := a.store.GetCredential(ctx, credentialID)
		if err != nil {
			return 0, storeErr("get credential", err)
		}
		if cred == nil {
			return 0, ErrUnknownCredential
		}
	}
	return n, nil
}

// KeyUsage is a diagnostic view of one credential. It never carries the key.
type KeyUsage struct {
	ID               string     `json:"id"`
	Key              string     `json:"key"`
	Active           bool       `json:"active"`
	Load             int        `json:"load"`
	Capacity         int        `json:"capacity"`
	DeactivatedAt    *time.Time `json:"deactivated_at,omitempty"`
	DeactivateReason string     `json:"deactivate_reason,omitempty"`
}

// Stats lists every credential with its usage, in allocation order.
func (a *Allocator) Stats(ctx context.Context) ([]KeyUsage, error) {
	creds, err := a.store.ListCredentials(ctx)
	if err != nil {
		return nil, storeErr("list credentials", err)
	}
	out := make([]KeyUsage, 0, len(creds))
	for _, c := range creds {
		out = append(out, KeyUsage{
			ID:               c.ID,
			Key:              c.Masked(),
			Active:           c.Active,
			Load:             c.Load,
			Capacity:         c.Capacity,
			DeactivatedAt:    c.DeactivatedAt,
			DeactivateReason: c.DeactivateReason,
		})
	}
	return out, nil
}

// SeedReport summarizes a Seed call.
type SeedReport struct {
	Inserted int
	Total    int
	Active   int
}

// Seed bulk-loads keys. Missing keys are inserted as active with the given
// capacity; keys already stored keep their active flag and get the new
// capacity. Lowering capacity never evicts users already assigned.
func (a *Allocator) Seed(ctx context.Context, keys []string, capacity int) (SeedReport, error) {
	if capacity < 1 {
		return SeedReport{}, ErrInvalidCapacity
	}
	n, err := a.store.UpsertCredentials(ctx, keys, capacity)
	if err != nil {
		return SeedReport{}, storeErr("upsert credentials", err)
	}
	all, err := a.store.ListCredentials(ctx)
	if err != nil {
		return SeedReport{}, storeErr("list credentials", err)
	}
	rep := SeedReport{Inserted: n, Total: len(all)}
	for _, c := range all {
		if c.Active {
			rep.Active++
		}
	}
	return rep, nil
}

// Deactivate takes a credential out of rotation. Users still assigned to it
// are moved on their next Assign.
func (a *Allocator) Deactivate(ctx context.Context, credentialID, reason string) error {
	ok, err := a.store.SetActive(ctx, credentialID, false, reason)
	if err != nil {
		return storeErr("deactivate", err)
	}
	if !ok {
		return ErrUnknownCredential
	}
	return nil
}

// Activate returns a credential to rotation.
func (a *Allocator) Activate(ctx context.Context, credentialID string) error {
	ok, err := a.store.SetActive(ctx, credentialID, true, "")
	if err != nil {
		return storeErr("activate", err)
	}
	if !ok {
		return ErrUnknownCredential
	}
	return nil
}
