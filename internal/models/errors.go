package models

import (
	"errors"
	"fmt"
)

var (
	ErrWeaponNotFound     = errors.New("weapon not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInvalidQuantity    = errors.New("invalid quantity")
	ErrInvalidPaymentData = errors.New("invalid payment data")
	ErrPersistence        = errors.New("persistence failure")
	ErrInvalidRequest     = errors.New("invalid request")

	ErrAssignmentNotFound = errors.New("assignment not found")
	ErrPaymentNotFound    = errors.New("payment not found")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrStockOverflow      = errors.New("release would exceed total units")
	ErrPaymentExists      = errors.New("assignment already has a payment")
)

// InsufficientStockError reports the quantity asked for against what was
// available when the check ran.
type InsufficientStockError struct {
	WeaponID  int64
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for weapon %d: requested %d, available %d",
		e.WeaponID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

type PaymentDataError struct {
	Reason string
}

func (e *PaymentDataError) Error() string {
	return "invalid payment data: " + e.Reason
}

func (e *PaymentDataError) Is(target error) bool {
	return target == ErrInvalidPaymentData
}

// InvalidPaymentData builds a PaymentDataError from a format string.
func InvalidPaymentData(format string, args ...any) error {
	return &PaymentDataError{Reason: fmt.Sprintf(format, args...)}
}

// IsInputError reports whether err is a caller input error that must not be
// retried.
func IsInputError(err error) bool {
	return errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrWeaponNotFound) ||
		errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrInvalidPaymentData) ||
		errors.Is(err, ErrInvalidRequest)
}

// WrapPersistence tags a store failure with ErrPersistence. Taxonomy errors
// pass through untouched so callers can still match them.
func WrapPersistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsInputError(err) ||
		errors.Is(err, ErrPersistence) ||
		errors.Is(err, ErrAssignmentNotFound) ||
		errors.Is(err, ErrPaymentNotFound) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrStockOverflow) ||
		errors.Is(err, ErrPaymentExists) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}
