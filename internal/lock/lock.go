// Package lock provides the mutual-exclusion domains used around stock
// mutations. A lock is scoped to one key, so holders of different keys never
// wait on each other.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Unlock releases a held lock.
type Unlock func(ctx context.Context) error

// Locker hands out exclusive locks per key.
type Locker interface {
	Lock(ctx context.Context, key string) (Unlock, error)
}

// ErrNotObtained is returned when a lock could not be acquired before the
// caller gave up.
var ErrNotObtained = errors.New("lock: not obtained")

// WeaponStockKey is the lock key guarding one weapon's stock row.
func WeaponStockKey(weaponID int64) string {
	return fmt.Sprintf("weapon:%d:stock", weaponID)
}

// Keyed is an in-process Locker. Waiting honours context cancellation.
type Keyed struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewKeyed() *Keyed {
	return &Keyed{slots: make(map[string]*slot)}
}

func (k *Keyed) Lock(ctx context.Context, key string) (Unlock, error) {
	k.mu.Lock()
	s, ok := k.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		k.slots[key] = s
	}
	s.refs++
	k.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		k.drop(key, s)
		return nil, fmt.Errorf("%w: %s: %v", ErrNotObtained, key, ctx.Err())
	}

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			<-s.ch
			k.drop(key, s)
		})
		return nil
	}, nil
}

func (k *Keyed) drop(key string, s *slot) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(k.slots, key)
	}
}

// size reports how many keys are currently tracked.
func (k *Keyed) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.slots)
}
