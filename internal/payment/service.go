package payment

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/safar/arms-allocation/internal/database"
	"github.com/safar/arms-allocation/internal/models"
)

// Store loads and saves payment records. GetPayment returns the record with
// its installments ordered by sequence number. SavePaymentProgress writes the
// record and the changed installments only if the stored version still equals
// rec.Version, failing with database.ErrOptimisticLockFailed otherwise, and
// bumps rec.Version on success.
type Store interface {
	GetPayment(ctx context.Context, id int64) (*models.PaymentRecord, error)
	GetPaymentByAssignment(ctx context.Context, assignmentID int64) (*models.PaymentRecord, error)
	SavePaymentProgress(ctx context.Context, rec *models.PaymentRecord, changed []models.Installment) error
}

// Service applies manual payment events to stored records.
type Service struct {
	store Store
	log   logrus.FieldLogger
	now   func() time.Time
}

func NewService(store Store, log logrus.FieldLogger) *Service {
	return &Service{store: store, log: log.WithField("module", "payment"), now: time.Now}
}

func (s *Service) Get(ctx context.Context, id int64) (*models.PaymentRecord, error) {
	var rec *models.PaymentRecord
	err := database.RetryTransient(ctx, 1, func() error {
		var err error
		rec, err = s.store.GetPayment(ctx, id)
		return err
	})
	if err != nil {
		return nil, models.WrapPersistence("get payment", err)
	}
	return rec, nil
}

func (s *Service) GetByAssignment(ctx context.Context, assignmentID int64) (*models.PaymentRecord, error) {
	var rec *models.PaymentRecord
	err := database.RetryTransient(ctx, 1, func() error {
		var err error
		rec, err = s.store.GetPaymentByAssignment(ctx, assignmentID)
		return err
	})
	if err != nil {
		return nil, models.WrapPersistence("get payment by assignment", err)
	}
	return rec, nil
}

// ConfirmInstallment records that installment seq was paid.
func (s *Service) ConfirmInstallment(ctx context.Context, paymentID int64, seq int) (*models.PaymentRecord, error) {
	rec, err := s.update(ctx, paymentID, func(rec *models.PaymentRecord) ([]models.Installment, error) {
		inst, err := ConfirmInstallment(rec, seq, s.now())
		if err != nil {
			return nil, err
		}
		return []models.Installment{inst}, nil
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"payment_id": paymentID,
		"sequence":   seq,
		"paid":       rec.PaidAmount.String(),
		"pending":    rec.PendingAmount.String(),
		"status":     rec.Status,
	}).Info("installment confirmed")
	return rec, nil
}

// MarkOverdue flags installments of a payment that fell due before asOf.
func (s *Service) MarkOverdue(ctx context.Context, paymentID int64, asOf time.Time) (*models.PaymentRecord, error) {
	rec, err := s.update(ctx, paymentID, func(rec *models.PaymentRecord) ([]models.Installment, error) {
		return MarkOverdue(rec, asOf), nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Cancel voids an unpaid payment.
func (s *Service) Cancel(ctx context.Context, paymentID int64) (*models.PaymentRecord, error) {
	rec, err := s.update(ctx, paymentID, func(rec *models.PaymentRecord) ([]models.Installment, error) {
		return Cancel(rec, s.now())
	})
	if err != nil {
		return nil, err
	}
	s.log.WithField("payment_id", paymentID).Info("payment cancelled")
	return rec, nil
}

// update loads the record, applies fn and saves the result. A concurrent
// writer bumping the version causes one reload and retry.
func (s *Service) update(ctx context.Context, paymentID int64, fn func(*models.PaymentRecord) ([]models.Installment, error)) (*models.PaymentRecord, error) {
	var rec *models.PaymentRecord
	err := database.RetryTransient(ctx, 1, func() error {
		var err error
		rec, err = s.store.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		changed, err := fn(rec)
		if err != nil {
			return err
		}
		if len(changed) == 0 {
			return nil
		}
		return s.store.SavePaymentProgress(ctx, rec, changed)
	})
	if err != nil {
		return nil, models.WrapPersistence("update payment", err)
	}
	return rec, nil
}
