package assignment

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/safar/arms-allocation/internal/models"
)

// Input is a request to assign units of a weapon to a client. A nil
// Quantity means one unit. A nil UnitPrice means the catalog price.
type Input struct {
	ClientID  int64            `json:"client_id" validate:"required,gt=0"`
	WeaponID  int64            `json:"weapon_id" validate:"required,gt=0"`
	Quantity  *int             `json:"quantity,omitempty"`
	UnitPrice *decimal.Decimal `json:"unit_price,omitempty"`
}

var validate = validator.New()

// Validate checks the declared constraints of a request struct and maps
// failures onto the error taxonomy.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, len(verrs))
		for i, fe := range verrs {
			fields[i] = fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
		}
		return fmt.Errorf("%w: %s", models.ErrInvalidRequest, strings.Join(fields, ", "))
	}
	return fmt.Errorf("%w: %v", models.ErrInvalidRequest, err)
}

// ParseQuantity reads a raw quantity. Empty or unreadable input yields nil
// so the default of one unit applies. Anything that reads as a number must
// be a positive whole number.
func ParseQuantity(raw string) (*int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, nil
	}
	if !d.IsInteger() {
		return nil, fmt.Errorf("%w: %s is not a whole number", models.ErrInvalidQuantity, raw)
	}
	if !d.IsPositive() {
		return nil, fmt.Errorf("%w: must be positive, got %s", models.ErrInvalidQuantity, raw)
	}
	if d.GreaterThan(decimal.NewFromInt(math.MaxInt32)) {
		return nil, fmt.Errorf("%w: %s is too large", models.ErrInvalidQuantity, raw)
	}
	q := int(d.IntPart())
	return &q, nil
}

// ParsePrice reads a raw unit price. It returns nil whenever the catalog
// price should apply instead, including for negative values.
func ParsePrice(raw string) *decimal.Decimal {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil || d.IsNegative() {
		return nil
	}
	return &d
}
