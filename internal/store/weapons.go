package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/safar/arms-allocation/internal/database"
	"github.com/safar/arms-allocation/internal/models"
)

// CreateWeapon inserts a catalog entry together with its stock row, all
// units available.
func CreateWeapon(ctx context.Context, q database.Querier, sku, name, caliber string, price decimal.NullDecimal, totalUnits int) (*models.Weapon, error) {
	weapon := &models.Weapon{}

	query := `
		WITH w AS (
			INSERT INTO weapons (sku, name, caliber, reference_price, created_at)
			VALUES ($1, $2, $3, $4, NOW())
			RETURNING id, sku, name, caliber, reference_price, created_at
		), s AS (
			INSERT INTO weapon_stock (weapon_id, total_units, available_units, updated_at, version)
			SELECT id, $5, $5, NOW(), 1 FROM w
		)
		SELECT id, sku, name, caliber, reference_price, created_at FROM w`

	err := q.QueryRowContext(ctx, query, sku, name, caliber, price, totalUnits).Scan(
		&weapon.ID,
		&weapon.SKU,
		&weapon.Name,
		&weapon.Caliber,
		&weapon.ReferencePrice,
		&weapon.CreatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSKU, sku)
		}
		return nil, fmt.Errorf("create weapon: %w", err)
	}

	return weapon, nil
}

func GetWeapon(ctx context.Context, q database.Querier, id int64) (*models.Weapon, error) {
	weapon := &models.Weapon{}

	query := `
		SELECT id, sku, name, caliber, reference_price, created_at
		FROM weapons
		WHERE id = $1`

	err := q.QueryRowContext(ctx, query, id).Scan(
		&weapon.ID,
		&weapon.SKU,
		&weapon.Name,
		&weapon.Caliber,
		&weapon.ReferencePrice,
		&weapon.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, models.ErrWeaponNotFound
		}
		return nil, fmt.Errorf("get weapon: %w", err)
	}

	return weapon, nil
}

func GetStock(ctx context.Context, q database.Querier, weaponID int64) (*models.StockRecord, error) {
	stock := &models.StockRecord{}

	query := `
		SELECT weapon_id, total_units, available_units, updated_at, version
		FROM weapon_stock
		WHERE weapon_id = $1`

	err := q.QueryRowContext(ctx, query, weaponID).Scan(
		&stock.WeaponID,
		&stock.TotalUnits,
		&stock.AvailableUnits,
		&stock.UpdatedAt,
		&stock.Version,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, models.ErrWeaponNotFound
		}
		return nil, fmt.Errorf("get stock: %w", err)
	}

	return stock, nil
}

// DecrementAvailable takes quantity units out of the pool. The update is
// conditional on availability so two writers can never drive the count
// below zero, even without the application lock.
func DecrementAvailable(ctx context.Context, q database.Querier, weaponID int64, quantity int) (*models.StockRecord, error) {
	stock := &models.StockRecord{}

	query := `
		UPDATE weapon_stock
		SET available_units = available_units - $1,
		    updated_at = NOW(),
		    version = version + 1
		WHERE weapon_id = $2
		  AND available_units >= $1
		RETURNING weapon_id, total_units, available_units, updated_at, version`

	err := q.QueryRowContext(ctx, query, quantity, weaponID).Scan(
		&stock.WeaponID,
		&stock.TotalUnits,
		&stock.AvailableUnits,
		&stock.UpdatedAt,
		&stock.Version,
	)
	if err == nil {
		return stock, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("decrement stock: %w", err)
	}

	current, err := GetStock(ctx, q, weaponID)
	if err != nil {
		return nil, err
	}
	return nil, &models.InsufficientStockError{
		WeaponID:  weaponID,
		Requested: quantity,
		Available: current.AvailableUnits,
	}
}

// IncrementAvailable returns quantity units to the pool, refusing to push
// the available count past the total.
func IncrementAvailable(ctx context.Context, q database.Querier, weaponID int64, quantity int) (*models.StockRecord, error) {
	stock := &models.StockRecord{}

	query := `
		UPDATE weapon_stock
		SET available_units = available_units + $1,
		    updated_at = NOW(),
		    version = version + 1
		WHERE weapon_id = $2
		  AND available_units + $1 <= total_units
		RETURNING weapon_id, total_units, available_units, updated_at, version`

	err := q.QueryRowContext(ctx, query, quantity, weaponID).Scan(
		&stock.WeaponID,
		&stock.TotalUnits,
		&stock.AvailableUnits,
		&stock.UpdatedAt,
		&stock.Version,
	)
	if err == nil {
		return stock, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("increment stock: %w", err)
	}

	current, err := GetStock(ctx, q, weaponID)
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: weapon %d has %d of %d available, releasing %d",
		models.ErrStockOverflow, weaponID, current.AvailableUnits, current.TotalUnits, quantity)
}
