package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Weapon struct {
	ID             int64               `json:"id"`
	SKU            string              `json:"sku"`
	Name           string              `json:"name"`
	Caliber        string              `json:"caliber,omitempty"`
	ReferencePrice decimal.NullDecimal `json:"reference_price"`
	CreatedAt      time.Time           `json:"created_at"`
}

// StockRecord holds the unit counts for one weapon. AvailableUnits stays
// within [0, TotalUnits].
type StockRecord struct {
	WeaponID       int64     `json:"weapon_id"`
	TotalUnits     int       `json:"total_units"`
	AvailableUnits int       `json:"available_units"`
	UpdatedAt      time.Time `json:"updated_at"`
	Version        int       `json:"version"`
}

// Assignment binds reserved units of a weapon to a client at a fixed unit
// price. Quantity and UnitPrice never change after creation.
type Assignment struct {
	ID         int64           `json:"id"`
	Reference  string          `json:"reference"`
	ClientID   int64           `json:"client_id"`
	WeaponID   int64           `json:"weapon_id"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	Quantity   int             `json:"quantity"`
	Status     string          `json:"status"`
	AssignedAt time.Time       `json:"assigned_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Total is the unit price times quantity rounded to cents.
func (a Assignment) Total() decimal.Decimal {
	return a.UnitPrice.Mul(decimal.NewFromInt(int64(a.Quantity))).Round(2)
}

type PaymentRecord struct {
	ID                 int64           `json:"id"`
	ClientID           int64           `json:"client_id"`
	AssignmentID       int64           `json:"assignment_id"`
	Subtotal           decimal.Decimal `json:"subtotal"`
	TaxAmount          decimal.Decimal `json:"tax_amount"`
	Total              decimal.Decimal `json:"total"`
	Mode               string          `json:"mode"`
	InstallmentCount   int             `json:"installment_count"`
	PaidAmount         decimal.Decimal `json:"paid_amount"`
	PendingAmount      decimal.Decimal `json:"pending_amount"`
	CurrentInstallment int             `json:"current_installment"`
	Status             string          `json:"status"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	Version            int             `json:"version"`
	Installments       []Installment   `json:"installments,omitempty"`
}

type Installment struct {
	ID             int64           `json:"id"`
	PaymentID      int64           `json:"payment_id"`
	SequenceNumber int             `json:"sequence_number"`
	Amount         decimal.Decimal `json:"amount"`
	DueDate        time.Time       `json:"due_date"`
	Status         string          `json:"status"`
	PaidAt         *time.Time      `json:"paid_at,omitempty"`
}

const (
	AssignmentStatusReserved  = "RESERVED"
	AssignmentStatusConfirmed = "CONFIRMED"
	AssignmentStatusCancelled = "CANCELLED"
	AssignmentStatusDelivered = "DELIVERED"
)

const (
	PaymentModeLumpSum      = "LUMP_SUM"
	PaymentModeInstallments = "INSTALLMENTS"
)

const (
	PaymentStatusPending       = "PENDING"
	PaymentStatusPartiallyPaid = "PARTIALLY_PAID"
	PaymentStatusPaid          = "PAID"
	PaymentStatusCancelled     = "CANCELLED"
)

const (
	InstallmentStatusPending   = "PENDING"
	InstallmentStatusPaid      = "PAID"
	InstallmentStatusOverdue   = "OVERDUE"
	InstallmentStatusCancelled = "CANCELLED"
)
