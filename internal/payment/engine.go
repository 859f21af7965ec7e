// Package payment builds payment records with rounding-exact installment
// schedules and applies manual confirmations to them.
package payment

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/safar/arms-allocation/internal/models"
)

const DefaultInstallmentCount = 12

// InstallmentInput is one caller-supplied schedule entry.
type InstallmentInput struct {
	SequenceNumber int             `json:"sequence_number"`
	Amount         decimal.Decimal `json:"amount"`
	DueDate        time.Time       `json:"due_date"`
}

// PlanInput describes the payment to build. Subtotal is trusted when set;
// otherwise it is derived from Total and TaxRatePercent. InstallmentCount of
// zero means the engine default. Installments, when set, are used verbatim.
type PlanInput struct {
	ClientID         int64
	AssignmentID     int64
	Total            decimal.Decimal
	Mode             string
	Subtotal         *decimal.Decimal
	TaxRatePercent   decimal.Decimal
	InstallmentCount int
	Installments     []InstallmentInput
}

type Plan struct {
	Record       models.PaymentRecord
	Installments []models.Installment
}

// Engine is stateless apart from its clock and default installment count.
type Engine struct {
	defaultCount int
	now          func() time.Time
}

func NewEngine(defaultCount int) *Engine {
	if defaultCount < 1 {
		defaultCount = DefaultInstallmentCount
	}
	return &Engine{defaultCount: defaultCount, now: time.Now}
}

// WithClock returns a copy of the engine reading today's date from now.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	cp := *e
	cp.now = now
	return &cp
}

// Build produces the payment record and its installments.
func (e *Engine) Build(in PlanInput) (*Plan, error) {
	if !in.Total.IsPositive() {
		return nil, models.InvalidPaymentData("total must be positive, got %s", in.Total)
	}
	if !IsCents(in.Total) {
		return nil, models.InvalidPaymentData("total %s has more than %d decimal places", in.Total, Scale)
	}
	if in.TaxRatePercent.IsNegative() {
		return nil, models.InvalidPaymentData("tax rate must not be negative, got %s", in.TaxRatePercent)
	}

	subtotal, tax, err := splitTotal(in)
	if err != nil {
		return nil, err
	}

	today := startOfDay(e.now())

	var installments []models.Installment
	switch in.Mode {
	case models.PaymentModeLumpSum:
		if len(in.Installments) > 0 {
			return nil, models.InvalidPaymentData("lump sum payment does not take an installment schedule")
		}
		installments = []models.Installment{{
			SequenceNumber: 1,
			Amount:         in.Total,
			DueDate:        today,
			Status:         models.InstallmentStatusPending,
		}}
	case models.PaymentModeInstallments:
		if len(in.Installments) > 0 {
			installments, err = explicitSchedule(in.Installments)
		} else {
			n := in.InstallmentCount
			if n == 0 {
				n = e.defaultCount
			}
			installments, err = evenSchedule(in.Total, n, today)
		}
		if err != nil {
			return nil, err
		}
	default:
		return nil, models.InvalidPaymentData("unknown payment mode %q", in.Mode)
	}

	amounts := make([]decimal.Decimal, len(installments))
	for i, inst := range installments {
		amounts[i] = inst.Amount
	}

	now := e.now()
	record := models.PaymentRecord{
		ClientID:           in.ClientID,
		AssignmentID:       in.AssignmentID,
		Subtotal:           subtotal,
		TaxAmount:          tax,
		Total:              in.Total,
		Mode:               in.Mode,
		InstallmentCount:   len(installments),
		PaidAmount:         decimal.Zero,
		PendingAmount:      Sum(amounts...),
		CurrentInstallment: installments[0].SequenceNumber,
		Status:             models.PaymentStatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	return &Plan{Record: record, Installments: installments}, nil
}

func splitTotal(in PlanInput) (subtotal, tax decimal.Decimal, err error) {
	if in.Subtotal == nil {
		subtotal, tax = SplitTaxInclusive(in.Total, in.TaxRatePercent)
		return subtotal, tax, nil
	}

	subtotal = *in.Subtotal
	if subtotal.IsNegative() || subtotal.GreaterThan(in.Total) {
		return decimal.Zero, decimal.Zero, models.InvalidPaymentData("subtotal %s outside [0, %s]", subtotal, in.Total)
	}
	if !IsCents(subtotal) {
		return decimal.Zero, decimal.Zero, models.InvalidPaymentData("subtotal %s has more than %d decimal places", subtotal, Scale)
	}
	return subtotal, in.Total.Sub(subtotal), nil
}

// evenSchedule splits total into n monthly shares. The last share absorbs
// the rounding remainder so the shares add up to total exactly.
func evenSchedule(total decimal.Decimal, n int, today time.Time) ([]models.Installment, error) {
	if n < 1 {
		return nil, models.InvalidPaymentData("installment count must be positive, got %d", n)
	}

	base, last, ok := evenShares(total, n)
	if !ok {
		fit := n - 1
		for ; fit > 1; fit-- {
			if _, _, ok := evenShares(total, fit); ok {
				break
			}
		}
		return nil, models.InvalidPaymentData("total %s cannot be split into %d positive installments, at most %d fit", total, n, fit)
	}

	installments := make([]models.Installment, n)
	for i := 0; i < n; i++ {
		amount := base
		if i == n-1 {
			amount = last
		}
		installments[i] = models.Installment{
			SequenceNumber: i + 1,
			Amount:         amount,
			DueDate:        AddMonths(today, i+1),
			Status:         models.InstallmentStatusPending,
		}
	}
	return installments, nil
}

// evenShares returns the rounded share and the remainder-absorbing last
// share of total over n. ok is false when either is not positive, which
// happens once n exceeds what half-up rounding of whole cents can carry.
func evenShares(total decimal.Decimal, n int) (base, last decimal.Decimal, ok bool) {
	base = total.DivRound(decimal.NewFromInt(int64(n)), Scale)
	last = total.Sub(base.Mul(decimal.NewFromInt(int64(n - 1))))
	return base, last, base.IsPositive() && last.IsPositive()
}

func explicitSchedule(entries []InstallmentInput) ([]models.Installment, error) {
	sorted := make([]InstallmentInput, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SequenceNumber < sorted[j].SequenceNumber })

	installments := make([]models.Installment, len(sorted))
	for i, entry := range sorted {
		if entry.SequenceNumber <= 0 {
			return nil, models.InvalidPaymentData("sequence number must be positive, got %d", entry.SequenceNumber)
		}
		if i > 0 && entry.SequenceNumber == sorted[i-1].SequenceNumber {
			return nil, models.InvalidPaymentData("duplicate sequence number %d", entry.SequenceNumber)
		}
		if !entry.Amount.IsPositive() || !IsCents(entry.Amount) {
			return nil, models.InvalidPaymentData("installment %d amount %s must be positive whole cents", entry.SequenceNumber, entry.Amount)
		}
		if entry.DueDate.IsZero() {
			return nil, models.InvalidPaymentData("installment %d has no due date", entry.SequenceNumber)
		}
		if i > 0 && !entry.DueDate.After(sorted[i-1].DueDate) {
			return nil, models.InvalidPaymentData("installment %d due %s is not after installment %d",
				entry.SequenceNumber, entry.DueDate.Format(time.DateOnly), sorted[i-1].SequenceNumber)
		}
		installments[i] = models.Installment{
			SequenceNumber: entry.SequenceNumber,
			Amount:         entry.Amount,
			DueDate:        entry.DueDate,
			Status:         models.InstallmentStatusPending,
		}
	}
	return installments, nil
}
