// Package leases coordinates single-owner work across engine processes.
// Each polled transfer is guarded by a lease named PollName(burnTxHash) so
// that only one process ticks it at a time.
package leases

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidInput = errors.New("leases: invalid input")
	ErrNotFound     = errors.New("leases: not found")
	ErrNotOwner     = errors.New("leases: not owner")
)

type Lease struct {
	Name      string
	Owner     string
	ExpiresAt time.Time
}

// HeldBy reports whether owner holds the lease at now.
func (l Lease) HeldBy(owner string, now time.Time) bool {
	return l.Owner == owner && l.ExpiresAt.After(now)
}

// Store provides a compare-and-swap style lease API.
//
// Semantics:
// - TryAcquire succeeds if the lease is absent, expired, or already held by
//   owner. A successful call sets the expiry to now+ttl.
// - Renew succeeds only if the lease exists and is owned by owner.
// - Release is idempotent if the lease is already absent.
type Store interface {
	TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (Lease, bool, error)
	Renew(ctx context.Context, name, owner string, ttl time.Duration) (Lease, bool, error)
	Release(ctx context.Context, name, owner string) error
	Get(ctx context.Context, name string) (Lease, error)
}

// PollName is the lease guarding attestation polling for a transfer.
func PollName(burnTxHash string) string {
	return "poll:" + burnTxHash
}

// Guard holds leases on behalf of one process.
type Guard struct {
	store Store
	owner string
	ttl   time.Duration
}

// NewGuard returns a Guard for owner. An empty owner gets a random id.
func NewGuard(store Store, owner string, ttl time.Duration) (*Guard, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidInput)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: ttl must be > 0", ErrInvalidInput)
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		owner = uuid.NewString()
	}
	return &Guard{store: store, owner: owner, ttl: ttl}, nil
}

func (g *Guard) Owner() string { return g.owner }

// Hold acquires or extends name for this process. It returns false when
// another owner holds an unexpired lease.
func (g *Guard) Hold(ctx context.Context, name string) (bool, error) {
	_, ok, err := g.store.TryAcquire(ctx, name, g.owner, g.ttl)
	return ok, err
}

// Drop releases name if this process holds it.
func (g *Guard) Drop(ctx context.Context, name string) error {
	err := g.store.Release(ctx, name, g.owner)
	if errors.Is(err, ErrNotOwner) {
		return nil
	}
	return err
}

func validate(name, owner string, ttl time.Duration) error {
	if name == "" || owner == "" || ttl <= 0 {
		return fmt.Errorf("%w: name/owner must be non-empty and ttl must be > 0", ErrInvalidInput)
	}
	return nil
}
