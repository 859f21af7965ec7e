// Package stock is the only writer of weapon stock counts. Every check and
// decrement for a weapon runs inside that weapon's lock, and the store repeats
// the check in its conditional update.
package stock

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/safar/arms-allocation/internal/database"
	"github.com/safar/arms-allocation/internal/lock"
	"github.com/safar/arms-allocation/internal/models"
)

// Store persists stock records.
//
// DecrementAvailable must fail with *models.InsufficientStockError instead of
// going below zero, and IncrementAvailable with models.ErrStockOverflow
// instead of going above the total.
type Store interface {
	GetStock(ctx context.Context, weaponID int64) (*models.StockRecord, error)
	DecrementAvailable(ctx context.Context, weaponID int64, quantity int) (*models.StockRecord, error)
	IncrementAvailable(ctx context.Context, weaponID int64, quantity int) (*models.StockRecord, error)
}

// Reservation is a committed decrement of available units. It can be
// released once.
type Reservation struct {
	WeaponID   int64
	Quantity   int
	ReservedAt time.Time

	released atomic.Bool
}

// Released reports whether the units have been handed back.
func (r *Reservation) Released() bool {
	return r.released.Load()
}

// Restore rebuilds the reservation held by a persisted assignment so it can
// be released later.
func Restore(weaponID int64, quantity int, reservedAt time.Time) *Reservation {
	return &Reservation{WeaponID: weaponID, Quantity: quantity, ReservedAt: reservedAt}
}

const releaseTimeout = 5 * time.Second

type Service struct {
	store  Store
	locker lock.Locker
	log    logrus.FieldLogger
	now    func() time.Time
}

func NewService(store Store, locker lock.Locker, log logrus.FieldLogger) *Service {
	return &Service{
		store:  store,
		locker: locker,
		log:    log.WithField("module", "stock"),
		now:    time.Now,
	}
}

// Stock returns the current record for a weapon.
func (s *Service) Stock(ctx context.Context, weaponID int64) (*models.StockRecord, error) {
	var rec *models.StockRecord
	err := database.RetryTransient(ctx, 1, func() error {
		var err error
		rec, err = s.store.GetStock(ctx, weaponID)
		return err
	})
	if err != nil {
		return nil, models.WrapPersistence("get stock", err)
	}
	return rec, nil
}

// Reserve takes quantity units of a weapon out of the available pool.
func (s *Service) Reserve(ctx context.Context, weaponID int64, quantity int) (*Reservation, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive, got %d", models.ErrInvalidQuantity, quantity)
	}

	unlock, err := s.locker.Lock(ctx, lock.WeaponStockKey(weaponID))
	if err != nil {
		return nil, models.WrapPersistence("lock stock", fmt.Errorf("%w: weapon %d: %w", database.ErrLockTimeout, weaponID, err))
	}
	defer s.unlock(ctx, unlock, weaponID)

	rec, err := s.Stock(ctx, weaponID)
	if err != nil {
		return nil, err
	}
	if rec.AvailableUnits < quantity {
		return nil, &models.InsufficientStockError{
			WeaponID:  weaponID,
			Requested: quantity,
			Available: rec.AvailableUnits,
		}
	}

	err = database.RetryTransient(ctx, 1, func() error {
		rec, err = s.store.DecrementAvailable(ctx, weaponID, quantity)
		return err
	})
	if err != nil {
		return nil, models.WrapPersistence("decrement stock", err)
	}

	s.log.WithFields(logrus.Fields{
		"weapon_id": weaponID,
		"quantity":  quantity,
		"available": rec.AvailableUnits,
	}).Info("stock reserved")

	return &Reservation{WeaponID: weaponID, Quantity: quantity, ReservedAt: s.now()}, nil
}

// Release hands the reserved units back. Releasing the same reservation
// twice is a no-op. The release runs even if ctx is already cancelled.
func (s *Service) Release(ctx context.Context, r *Reservation) error {
	if r == nil {
		return nil
	}
	fields := logrus.Fields{"weapon_id": r.WeaponID, "quantity": r.Quantity}
	if !r.released.CompareAndSwap(false, true) {
		s.log.WithFields(fields).Debug("reservation already released")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	unlock, err := s.locker.Lock(ctx, lock.WeaponStockKey(r.WeaponID))
	if err != nil {
		r.released.Store(false)
		return models.WrapPersistence("lock stock", fmt.Errorf("%w: weapon %d: %w", database.ErrLockTimeout, r.WeaponID, err))
	}
	defer s.unlock(ctx, unlock, r.WeaponID)

	var rec *models.StockRecord
	err = database.RetryTransient(ctx, 1, func() error {
		var err error
		rec, err = s.store.IncrementAvailable(ctx, r.WeaponID, r.Quantity)
		return err
	})
	if err != nil {
		r.released.Store(false)
		s.log.WithFields(fields).WithError(err).Error("stock release failed")
		return models.WrapPersistence("increment stock", err)
	}

	fields["available"] = rec.AvailableUnits
	s.log.WithFields(fields).Info("stock released")
	return nil
}

func (s *Service) unlock(ctx context.Context, unlock lock.Unlock, weaponID int64) {
	if err := unlock(context.WithoutCancel(ctx)); err != nil {
		s.log.WithField("weapon_id", weaponID).WithError(err).Warn("unlock weapon stock")
	}
}
