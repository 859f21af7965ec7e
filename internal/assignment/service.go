// Package assignment binds reserved weapon units to clients.
package assignment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/safar/arms-allocation/internal/database"
	"github.com/safar/arms-allocation/internal/models"
	"github.com/safar/arms-allocation/internal/stock"
	"github.com/safar/arms-allocation/internal/store"
)

type Catalog interface {
	GetWeapon(ctx context.Context, id int64) (*models.Weapon, error)
}

type Reserver interface {
	Reserve(ctx context.Context, weaponID int64, quantity int) (*stock.Reservation, error)
	Release(ctx context.Context, r *stock.Reservation) error
}

// Store persists assignments. UpdateAssignmentStatus must only apply when
// the stored status equals from.
type Store interface {
	CreateAssignment(ctx context.Context, a *models.Assignment) error
	GetAssignment(ctx context.Context, id int64) (*models.Assignment, error)
	UpdateAssignmentStatus(ctx context.Context, id int64, from, to string) error
	ListAssignmentsCursor(ctx context.Context, clientID int64, cursor string, limit int) (*store.CursorPage, error)
}

// Draft is a priced assignment whose stock is already reserved but which
// has not been written yet. Whoever holds it must either persist the
// assignment or release the reservation.
type Draft struct {
	Assignment  *models.Assignment
	Reservation *stock.Reservation
}

var transitions = map[string][]string{
	models.AssignmentStatusReserved:  {models.AssignmentStatusConfirmed, models.AssignmentStatusCancelled},
	models.AssignmentStatusConfirmed: {models.AssignmentStatusDelivered, models.AssignmentStatusCancelled},
}

// CanTransition reports whether an assignment may move from one status to
// another.
func CanTransition(from, to string) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Service struct {
	catalog  Catalog
	reserver Reserver
	store    Store
	log      logrus.FieldLogger
	now      func() time.Time
}

func NewService(catalog Catalog, reserver Reserver, store Store, log logrus.FieldLogger) *Service {
	return &Service{
		catalog:  catalog,
		reserver: reserver,
		store:    store,
		log:      log.WithField("module", "assignment"),
		now:      time.Now,
	}
}

// Prepare validates the input, prices it and reserves the stock.
func (s *Service) Prepare(ctx context.Context, in Input) (*Draft, error) {
	if err := Validate(in); err != nil {
		return nil, err
	}
	fields := logrus.Fields{"client_id": in.ClientID, "weapon_id": in.WeaponID}

	quantity := 1
	if in.Quantity == nil {
		s.log.WithFields(fields).Info("no usable quantity supplied, assigning one unit")
	} else {
		quantity = *in.Quantity
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("%w: must be positive, got %d", models.ErrInvalidQuantity, quantity)
	}

	var weapon *models.Weapon
	err := database.RetryTransient(ctx, 1, func() error {
		var err error
		weapon, err = s.catalog.GetWeapon(ctx, in.WeaponID)
		return err
	})
	if err != nil {
		return nil, models.WrapPersistence("get weapon", err)
	}

	price := s.resolvePrice(in.UnitPrice, weapon, fields)

	reservation, err := s.reserver.Reserve(ctx, in.WeaponID, quantity)
	if err != nil {
		return nil, err
	}

	return &Draft{
		Assignment: &models.Assignment{
			Reference:  "ASG-" + uuid.NewString(),
			ClientID:   in.ClientID,
			WeaponID:   in.WeaponID,
			UnitPrice:  price,
			Quantity:   quantity,
			Status:     models.AssignmentStatusReserved,
			AssignedAt: s.now(),
		},
		Reservation: reservation,
	}, nil
}

// resolvePrice prefers the caller's price, then the catalog's, then zero.
func (s *Service) resolvePrice(requested *decimal.Decimal, weapon *models.Weapon, fields logrus.Fields) decimal.Decimal {
	if requested != nil {
		if !requested.IsNegative() {
			return requested.Round(2)
		}
		s.log.WithFields(fields).WithField("unit_price", requested.String()).
			Warn("ignoring negative unit price")
	}
	if weapon.ReferencePrice.Valid {
		return weapon.ReferencePrice.Decimal.Round(2)
	}
	s.log.WithFields(fields).Warn("weapon has no reference price, assigning at zero")
	return decimal.Zero
}

// Assign reserves stock and records the assignment.
func (s *Service) Assign(ctx context.Context, in Input) (*models.Assignment, *stock.Reservation, error) {
	draft, err := s.Prepare(ctx, in)
	if err != nil {
		return nil, nil, err
	}
	a, err := s.Commit(ctx, draft)
	if err != nil {
		return nil, nil, err
	}
	return a, draft.Reservation, nil
}

// Commit writes a prepared assignment. If the write fails the draft's
// reservation is released before returning.
func (s *Service) Commit(ctx context.Context, draft *Draft) (*models.Assignment, error) {
	a := draft.Assignment
	err := database.RetryTransient(ctx, 1, func() error {
		return s.store.CreateAssignment(ctx, a)
	})
	if err != nil {
		if relErr := s.reserver.Release(ctx, draft.Reservation); relErr != nil {
			s.log.WithFields(logrus.Fields{
				"weapon_id": a.WeaponID,
				"quantity":  a.Quantity,
			}).WithError(relErr).Error("release after failed assignment write")
		}
		return nil, models.WrapPersistence("create assignment", err)
	}

	s.log.WithFields(logrus.Fields{
		"assignment_id": a.ID,
		"reference":     a.Reference,
		"client_id":     a.ClientID,
		"weapon_id":     a.WeaponID,
		"quantity":      a.Quantity,
		"unit_price":    a.UnitPrice.String(),
	}).Info("assignment created")

	return a, nil
}

func (s *Service) Get(ctx context.Context, id int64) (*models.Assignment, error) {
	var a *models.Assignment
	err := database.RetryTransient(ctx, 1, func() error {
		var err error
		a, err = s.store.GetAssignment(ctx, id)
		return err
	})
	if err != nil {
		return nil, models.WrapPersistence("get assignment", err)
	}
	return a, nil
}

func (s *Service) ListByClient(ctx context.Context, clientID int64, cursor string, limit int) (*store.CursorPage, error) {
	page, err := s.store.ListAssignmentsCursor(ctx, clientID, cursor, limit)
	if err != nil {
		return nil, models.WrapPersistence("list assignments", err)
	}
	return page, nil
}

// Transition moves an assignment to status to. Cancelling also hands the
// units back to stock.
func (s *Service) Transition(ctx context.Context, id int64, to string) (*models.Assignment, error) {
	if to == models.AssignmentStatusCancelled {
		return s.Cancel(ctx, id, nil)
	}

	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.setStatus(ctx, a, to); err != nil {
		return nil, err
	}
	return a, nil
}

// Cancel marks the assignment CANCELLED and releases its units. r is the
// reservation made for it, if the caller still holds it; otherwise one is
// rebuilt from the assignment.
func (s *Service) Cancel(ctx context.Context, id int64, r *stock.Reservation) (*models.Assignment, error) {
	a, err := s.Void(ctx, id)
	if err != nil {
		return nil, err
	}
	return a, s.ReturnUnits(ctx, a, r)
}

// Void marks the assignment CANCELLED without touching stock. Only the
// caller whose status write succeeds may hand the units back, so a failed
// or lost Void must be followed by no release at all.
func (s *Service) Void(ctx context.Context, id int64) (*models.Assignment, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.setStatus(ctx, a, models.AssignmentStatusCancelled); err != nil {
		return nil, err
	}
	return a, nil
}

// ReturnUnits releases the units of a voided assignment.
func (s *Service) ReturnUnits(ctx context.Context, a *models.Assignment, r *stock.Reservation) error {
	if a.Status != models.AssignmentStatusCancelled {
		return fmt.Errorf("%w: assignment %d is %s, units are still held", models.ErrInvalidTransition, a.ID, a.Status)
	}
	if r == nil {
		r = stock.Restore(a.WeaponID, a.Quantity, a.AssignedAt)
	}
	if err := s.reserver.Release(ctx, r); err != nil {
		s.log.WithFields(logrus.Fields{
			"assignment_id": a.ID,
			"weapon_id":     a.WeaponID,
			"quantity":      a.Quantity,
		}).WithError(err).Error("assignment cancelled but stock not released")
		return err
	}
	return nil
}

func (s *Service) setStatus(ctx context.Context, a *models.Assignment, to string) error {
	from := a.Status
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: assignment %d cannot go from %s to %s", models.ErrInvalidTransition, a.ID, from, to)
	}

	err := database.RetryTransient(ctx, 1, func() error {
		return s.store.UpdateAssignmentStatus(ctx, a.ID, from, to)
	})
	if err != nil {
		return models.WrapPersistence("update assignment status", err)
	}

	a.Status = to
	a.UpdatedAt = s.now()
	s.log.WithFields(logrus.Fields{
		"assignment_id": a.ID,
		"from":          from,
		"to":            to,
	}).Info("assignment status changed")
	return nil
}
