package payment

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/safar/arms-allocation/internal/models"
)

// ConfirmInstallment marks installment seq of rec as paid and moves the
// amount from pending to paid. It returns the changed installment.
func ConfirmInstallment(rec *models.PaymentRecord, seq int, paidAt time.Time) (models.Installment, error) {
	if rec.Status == models.PaymentStatusCancelled {
		return models.Installment{}, fmt.Errorf("%w: payment %d is cancelled", models.ErrInvalidTransition, rec.ID)
	}

	idx := -1
	for i := range rec.Installments {
		if rec.Installments[i].SequenceNumber == seq {
			idx = i
			break
		}
	}
	if idx < 0 {
		return models.Installment{}, models.InvalidPaymentData("payment %d has no installment %d", rec.ID, seq)
	}

	inst := &rec.Installments[idx]
	switch inst.Status {
	case models.InstallmentStatusPending, models.InstallmentStatusOverdue:
	default:
		return models.Installment{}, fmt.Errorf("%w: installment %d is %s", models.ErrInvalidTransition, seq, inst.Status)
	}

	paid := paidAt
	inst.Status = models.InstallmentStatusPaid
	inst.PaidAt = &paid

	rec.PaidAmount = rec.PaidAmount.Add(inst.Amount)
	rec.PendingAmount = rec.PendingAmount.Sub(inst.Amount)
	rec.CurrentInstallment = nextOpen(rec.Installments)
	if rec.CurrentInstallment == 0 {
		rec.Status = models.PaymentStatusPaid
	} else {
		rec.Status = models.PaymentStatusPartiallyPaid
	}
	rec.UpdatedAt = paidAt

	return *inst, nil
}

// MarkOverdue flags pending installments due before asOf. It returns the
// installments it changed.
func MarkOverdue(rec *models.PaymentRecord, asOf time.Time) []models.Installment {
	if rec.Status == models.PaymentStatusCancelled || rec.Status == models.PaymentStatusPaid {
		return nil
	}

	cutoff := startOfDay(asOf)
	var changed []models.Installment
	for i := range rec.Installments {
		inst := &rec.Installments[i]
		if inst.Status == models.InstallmentStatusPending && inst.DueDate.Before(cutoff) {
			inst.Status = models.InstallmentStatusOverdue
			changed = append(changed, *inst)
		}
	}
	if len(changed) > 0 {
		rec.UpdatedAt = asOf
	}
	return changed
}

// Cancel voids an unpaid payment and all its open installments.
func Cancel(rec *models.PaymentRecord, at time.Time) ([]models.Installment, error) {
	if rec.Status == models.PaymentStatusCancelled {
		return nil, nil
	}
	if !rec.PaidAmount.IsZero() {
		return nil, fmt.Errorf("%w: payment %d already has %s paid", models.ErrInvalidTransition, rec.ID, rec.PaidAmount)
	}

	var changed []models.Installment
	for i := range rec.Installments {
		inst := &rec.Installments[i]
		if inst.Status == models.InstallmentStatusPending || inst.Status == models.InstallmentStatusOverdue {
			inst.Status = models.InstallmentStatusCancelled
			changed = append(changed, *inst)
		}
	}
	rec.Status = models.PaymentStatusCancelled
	rec.CurrentInstallment = 0
	rec.UpdatedAt = at
	return changed, nil
}

// CheckInvariants verifies the additive money invariants of a record.
func CheckInvariants(rec *models.PaymentRecord) error {
	if !rec.Subtotal.Add(rec.TaxAmount).Equal(rec.Total) {
		return fmt.Errorf("subtotal %s + tax %s != total %s", rec.Subtotal, rec.TaxAmount, rec.Total)
	}
	if !rec.PaidAmount.Add(rec.PendingAmount).Equal(rec.Total) {
		return fmt.Errorf("paid %s + pending %s != total %s", rec.PaidAmount, rec.PendingAmount, rec.Total)
	}
	if len(rec.Installments) > 0 {
		sum := decimal.Zero
		for _, inst := range rec.Installments {
			sum = sum.Add(inst.Amount)
		}
		if !sum.Equal(rec.Total) {
			return fmt.Errorf("installments sum %s != total %s", sum, rec.Total)
		}
	}
	return nil
}

func nextOpen(installments []models.Installment) int {
	next := 0
	for _, inst := range installments {
		if inst.Status != models.InstallmentStatusPending && inst.Status != models.InstallmentStatusOverdue {
			continue
		}
		if next == 0 || inst.SequenceNumber < next {
			next = inst.SequenceNumber
		}
	}
	return next
}
