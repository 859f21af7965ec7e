package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/safar/arms-allocation/internal/models"
)

var ErrDuplicateSKU = errors.New("weapon sku already exists")

// WeaponSeed is one catalog entry in a seed file.
type WeaponSeed struct {
	SKU            string           `json:"sku" validate:"required,max=64"`
	Name           string           `json:"name" validate:"required,max=255"`
	Caliber        string           `json:"caliber" validate:"max=64"`
	ReferencePrice *decimal.Decimal `json:"reference_price"`
	TotalUnits     int              `json:"total_units" validate:"gte=0"`
}

type WeaponCreator interface {
	CreateWeapon(ctx context.Context, sku, name, caliber string, price decimal.NullDecimal, totalUnits int) (*models.Weapon, error)
}

var seedValidator = validator.New()

// ReadSeed decodes and validates a JSON array of weapons.
func ReadSeed(r io.Reader) ([]WeaponSeed, error) {
	var seeds []WeaponSeed
	if err := json.NewDecoder(r).Decode(&seeds); err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	for i, s := range seeds {
		if err := seedValidator.Struct(s); err != nil {
			return nil, fmt.Errorf("seed entry %d: %w", i, err)
		}
		if s.ReferencePrice != nil && s.ReferencePrice.IsNegative() {
			return nil, fmt.Errorf("seed entry %d: negative reference price %s", i, s.ReferencePrice)
		}
	}
	return seeds, nil
}

// Seed creates the given weapons, skipping SKUs that already exist. It
// returns the weapons it created.
func Seed(ctx context.Context, dst WeaponCreator, seeds []WeaponSeed) ([]*models.Weapon, error) {
	var created []*models.Weapon
	for _, s := range seeds {
		var price decimal.NullDecimal
		if s.ReferencePrice != nil {
			price = decimal.NewNullDecimal(s.ReferencePrice.Round(2))
		}
		w, err := dst.CreateWeapon(ctx, s.SKU, s.Name, s.Caliber, price, s.TotalUnits)
		if errors.Is(err, ErrDuplicateSKU) {
			continue
		}
		if err != nil {
			return created, fmt.Errorf("seed weapon %s: %w", s.SKU, err)
		}
		created = append(created, w)
	}
	return created, nil
}
