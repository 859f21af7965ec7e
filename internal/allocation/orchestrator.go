// Package allocation runs a purchase end to end: reserve stock, record the
// assignment, build and record the payment plan. Any failure after stock
// was reserved hands the units back before the error is returned.
package allocation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/safar/arms-allocation/internal/assignment"
	"github.com/safar/arms-allocation/internal/database"
	"github.com/safar/arms-allocation/internal/models"
	"github.com/safar/arms-allocation/internal/payment"
	"github.com/safar/arms-allocation/internal/stock"
)

type State string

const (
	StateStart         State = "START"
	StateStockReserved State = "STOCK_RESERVED"
	StateAssigned      State = "ASSIGNED"
	StatePaymentBuilt  State = "PAYMENT_BUILT"
	StateComplete      State = "COMPLETE"
	StateFailed        State = "FAILED"
)

// Request is one purchase. Quantity and UnitPrice follow assignment.Input.
// Subtotal, when set, is trusted over the configured tax rate. Installments,
// when set, must add up to the purchase total.
type Request struct {
	ClientID         int64                      `json:"client_id" validate:"required,gt=0"`
	WeaponID         int64                      `json:"weapon_id" validate:"required,gt=0"`
	Quantity         *int                       `json:"quantity,omitempty"`
	UnitPrice        *decimal.Decimal           `json:"unit_price,omitempty"`
	Mode             string                     `json:"mode"`
	Subtotal         *decimal.Decimal           `json:"subtotal,omitempty"`
	InstallmentCount int                        `json:"installment_count,omitempty"`
	Installments     []payment.InstallmentInput `json:"installments,omitempty"`
}

// Result is a completed purchase. Callers such as contract generation read
// it and never modify it.
type Result struct {
	Assignment   *models.Assignment    `json:"assignment"`
	Payment      *models.PaymentRecord `json:"payment"`
	Installments []models.Installment  `json:"installments"`
	State        State                 `json:"state"`
}

// AllocationError reports the last state a failed allocation reached.
type AllocationError struct {
	State State
	Err   error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("allocation failed after %s: %v", e.State, e.Err)
}

func (e *AllocationError) Unwrap() error {
	return e.Err
}

// PaymentWriter stores a payment record with its installments.
type PaymentWriter interface {
	CreatePayment(ctx context.Context, rec *models.PaymentRecord, installments []models.Installment) error
}

// PurchaseWriter is implemented by stores that can write an assignment and
// its payment in a single transaction.
type PurchaseWriter interface {
	CreatePurchase(ctx context.Context, a *models.Assignment, rec *models.PaymentRecord, installments []models.Installment) error
}

const (
	compensationTimeout  = 10 * time.Second
	compensationAttempts = 3
	compensationBackoff  = 50 * time.Millisecond
)

type Orchestrator struct {
	assignments *assignment.Service
	stock       assignment.Reserver
	payments    *payment.Service
	engine      *payment.Engine
	store       PaymentWriter
	taxRate     decimal.Decimal
	log         logrus.FieldLogger
}

func NewOrchestrator(
	assignments *assignment.Service,
	stocks assignment.Reserver,
	payments *payment.Service,
	engine *payment.Engine,
	store PaymentWriter,
	taxRatePercent decimal.Decimal,
	log logrus.FieldLogger,
) *Orchestrator {
	return &Orchestrator{
		assignments: assignments,
		stock:       stocks,
		payments:    payments,
		engine:      engine,
		store:       store,
		taxRate:     taxRatePercent,
		log:         log.WithField("module", "allocation"),
	}
}

// run tracks one Allocate call through its states.
type run struct {
	state State
	log   logrus.FieldLogger
}

func (r *run) advance(to State) {
	r.log.WithFields(logrus.Fields{"from": r.state, "to": to}).Info("allocation state changed")
	r.state = to
}

func (r *run) fail(err error) error {
	r.log.WithFields(logrus.Fields{"from": r.state, "to": StateFailed}).WithError(err).Warn("allocation failed")
	return &AllocationError{State: r.state, Err: err}
}

// Allocate runs one purchase.
func (o *Orchestrator) Allocate(ctx context.Context, req Request) (*Result, error) {
	r := &run{
		state: StateStart,
		log: o.log.WithFields(logrus.Fields{
			"allocation_id": uuid.NewString(),
			"client_id":     req.ClientID,
			"weapon_id":     req.WeaponID,
		}),
	}

	if err := precheck(req); err != nil {
		return nil, r.fail(err)
	}

	draft, err := o.assignments.Prepare(ctx, assignment.Input{
		ClientID:  req.ClientID,
		WeaponID:  req.WeaponID,
		Quantity:  req.Quantity,
		UnitPrice: req.UnitPrice,
	})
	if err != nil {
		return nil, r.fail(err)
	}
	r.advance(StateStockReserved)

	if pw, ok := o.store.(PurchaseWriter); ok {
		return o.allocateAtomic(ctx, r, req, draft, pw)
	}
	return o.allocateSequential(ctx, r, req, draft)
}

// allocateAtomic writes assignment and payment in one transaction, so a
// failure leaves nothing behind but the reservation to release.
func (o *Orchestrator) allocateAtomic(ctx context.Context, r *run, req Request, draft *assignment.Draft, pw PurchaseWriter) (*Result, error) {
	a := draft.Assignment
	r.advance(StateAssigned)

	plan, err := o.buildPlan(req, a)
	if err != nil {
		o.release(ctx, r, draft.Reservation)
		return nil, r.fail(err)
	}
	r.advance(StatePaymentBuilt)

	rec := plan.Record
	if err := pw.CreatePurchase(ctx, a, &rec, plan.Installments); err != nil {
		o.release(ctx, r, draft.Reservation)
		return nil, r.fail(models.WrapPersistence("create purchase", err))
	}

	return o.complete(r, a, &rec, plan.Installments), nil
}

// allocateSequential writes the assignment first and the payment second.
// A failure after the assignment exists cancels it, which also releases
// the stock.
func (o *Orchestrator) allocateSequential(ctx context.Context, r *run, req Request, draft *assignment.Draft) (*Result, error) {
	a, err := o.assignments.Commit(ctx, draft)
	if err != nil {
		return nil, r.fail(err)
	}
	r.advance(StateAssigned)

	plan, err := o.buildPlan(req, a)
	if err != nil {
		o.cancelAssignment(ctx, r, a, draft.Reservation)
		return nil, r.fail(err)
	}
	r.advance(StatePaymentBuilt)

	rec := plan.Record
	err = database.RetryTransient(ctx, 1, func() error {
		return o.store.CreatePayment(ctx, &rec, plan.Installments)
	})
	if err != nil {
		o.cancelAssignment(ctx, r, a, draft.Reservation)
		return nil, r.fail(models.WrapPersistence("create payment", err))
	}

	return o.complete(r, a, &rec, plan.Installments), nil
}

func (o *Orchestrator) complete(r *run, a *models.Assignment, rec *models.PaymentRecord, installments []models.Installment) *Result {
	r.advance(StateComplete)
	r.log.WithFields(logrus.Fields{
		"assignment_id": a.ID,
		"payment_id":    rec.ID,
		"total":         rec.Total.String(),
		"installments":  len(installments),
	}).Info("allocation complete")

	return &Result{
		Assignment:   a,
		Payment:      rec,
		Installments: installments,
		State:        r.state,
	}
}

func (o *Orchestrator) buildPlan(req Request, a *models.Assignment) (*payment.Plan, error) {
	total := a.Total()
	if len(req.Installments) > 0 {
		sum := decimal.Zero
		for _, inst := range req.Installments {
			sum = sum.Add(inst.Amount)
		}
		if !sum.Equal(total) {
			return nil, models.InvalidPaymentData("installments add up to %s, purchase total is %s", sum, total)
		}
	}

	return o.engine.Build(payment.PlanInput{
		ClientID:         a.ClientID,
		AssignmentID:     a.ID,
		Total:            total,
		Mode:             req.Mode,
		Subtotal:         req.Subtotal,
		TaxRatePercent:   o.taxRate,
		InstallmentCount: req.InstallmentCount,
		Installments:     req.Installments,
	})
}

// precheck rejects requests that would fail after stock is reserved.
func precheck(req Request) error {
	if err := assignment.Validate(req); err != nil {
		return err
	}
	switch req.Mode {
	case models.PaymentModeLumpSum, models.PaymentModeInstallments:
	default:
		return models.InvalidPaymentData("unknown payment mode %q", req.Mode)
	}
	if req.InstallmentCount < 0 {
		return models.InvalidPaymentData("installment count must not be negative, got %d", req.InstallmentCount)
	}
	return nil
}

func (o *Orchestrator) release(ctx context.Context, r *run, res *stock.Reservation) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	if err := o.stock.Release(ctx, res); err != nil {
		r.log.WithError(err).Error("compensating stock release failed")
	}
}

func (o *Orchestrator) cancelAssignment(ctx context.Context, r *run, a *models.Assignment, res *stock.Reservation) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	var err error
	for attempt := 1; attempt <= compensationAttempts; attempt++ {
		_, err = o.assignments.Void(ctx, a.ID)
		if err == nil || !errors.Is(err, models.ErrPersistence) || attempt == compensationAttempts {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(time.Duration(attempt) * compensationBackoff):
		}
	}
	if err != nil {
		// Units stay held by the RESERVED assignment; reconcile lists it as
		// an unpaid reservation and Cancel frees them exactly once.
		r.log.WithField("assignment_id", a.ID).WithError(err).
			Error("compensating assignment cancel failed, units stay held")
		return
	}

	o.release(ctx, r, res)
}

// Cancel voids an unpaid purchase. The assignment is cancelled first; its
// status write decides the race with concurrent transitions, and only then
// are the payment and the reserved stock let go.
func (o *Orchestrator) Cancel(ctx context.Context, assignmentID int64) (*models.Assignment, *models.PaymentRecord, error) {
	a, err := o.assignments.Get(ctx, assignmentID)
	if err != nil {
		return nil, nil, err
	}
	if !assignment.CanTransition(a.Status, models.AssignmentStatusCancelled) {
		return nil, nil, fmt.Errorf("%w: assignment %d is %s", models.ErrInvalidTransition, a.ID, a.Status)
	}

	existing, err := o.payments.GetByAssignment(ctx, assignmentID)
	switch {
	case errors.Is(err, models.ErrPaymentNotFound):
		existing = nil
	case err != nil:
		return nil, nil, err
	case !existing.PaidAmount.IsZero():
		return nil, nil, fmt.Errorf("%w: payment %d already has %s paid", models.ErrInvalidTransition, existing.ID, existing.PaidAmount)
	}

	a, err = o.assignments.Void(ctx, assignmentID)
	if err != nil {
		return nil, nil, err
	}
	fields := logrus.Fields{
		"assignment_id": assignmentID,
		"weapon_id":     a.WeaponID,
		"quantity":      a.Quantity,
	}

	var rec *models.PaymentRecord
	var payErr error
	if existing != nil {
		rec, payErr = o.payments.Cancel(ctx, existing.ID)
		if payErr != nil {
			o.log.WithFields(fields).WithField("payment_id", existing.ID).WithError(payErr).
				Error("assignment cancelled but payment not voided")
		}
	}

	if err := o.assignments.ReturnUnits(ctx, a, nil); err != nil {
		return a, rec, err
	}
	if payErr != nil {
		return a, rec, payErr
	}

	o.log.WithFields(fields).Info("purchase cancelled")
	return a, rec, nil
}
