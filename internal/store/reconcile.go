package store

import (
	"context"
	"fmt"
	"time"

	"github.com/safar/arms-allocation/internal/database"
	"github.com/safar/arms-allocation/internal/models"
)

// StockDrift is a weapon whose removed units disagree with the units held by
// live assignments. Positive Drift means units left the pool without an
// assignment to show for them, typically an abandoned reservation.
type StockDrift struct {
	WeaponID       int64  `json:"weapon_id"`
	SKU            string `json:"sku"`
	TotalUnits     int    `json:"total_units"`
	AvailableUnits int    `json:"available_units"`
	HeldUnits      int    `json:"held_units"`
	Drift          int    `json:"drift"`
}

// holdingStatuses are the assignment statuses that keep units out of the pool.
var holdingStatuses = []string{
	models.AssignmentStatusReserved,
	models.AssignmentStatusConfirmed,
	models.AssignmentStatusDelivered,
}

func ListStockDrift(ctx context.Context, q database.Querier) ([]StockDrift, error) {
	query := `
		SELECT s.weapon_id, w.sku, s.total_units, s.available_units,
		       COALESCE(SUM(a.quantity) FILTER (WHERE a.status IN ($1, $2, $3)), 0) AS held
		FROM weapon_stock s
		JOIN weapons w ON w.id = s.weapon_id
		LEFT JOIN assignments a ON a.weapon_id = s.weapon_id
		GROUP BY s.weapon_id, w.sku, s.total_units, s.available_units
		HAVING s.total_units - s.available_units
		       <> COALESCE(SUM(a.quantity) FILTER (WHERE a.status IN ($1, $2, $3)), 0)
		ORDER BY s.weapon_id`

	rows, err := q.QueryContext(ctx, query, holdingStatuses[0], holdingStatuses[1], holdingStatuses[2])
	if err != nil {
		return nil, fmt.Errorf("list stock drift: %w", err)
	}
	defer rows.Close()

	var drifts []StockDrift
	for rows.Next() {
		var d StockDrift
		if err := rows.Scan(&d.WeaponID, &d.SKU, &d.TotalUnits, &d.AvailableUnits, &d.HeldUnits); err != nil {
			return nil, fmt.Errorf("scan stock drift: %w", err)
		}
		d.Drift = d.TotalUnits - d.AvailableUnits - d.HeldUnits
		drifts = append(drifts, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return drifts, nil
}

func isHolding(status string) bool {
	for _, s := range holdingStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// ListUnpaidReservations returns RESERVED assignments assigned before the
// cutoff that have no payment. Each one still holds its units; it is what a
// purchase leaves behind when its rollback could not cancel the assignment.
func ListUnpaidReservations(ctx context.Context, q database.Querier, before time.Time) ([]models.Assignment, error) {
	query := `
		SELECT a.id, a.reference, a.client_id, a.weapon_id, a.unit_price, a.quantity, a.status, a.assigned_at, a.updated_at
		FROM assignments a
		LEFT JOIN payments p ON p.assignment_id = a.id
		WHERE a.status = $1
		  AND p.id IS NULL
		  AND a.assigned_at < $2
		ORDER BY a.id`

	rows, err := q.QueryContext(ctx, query, models.AssignmentStatusReserved, before)
	if err != nil {
		return nil, fmt.Errorf("list unpaid reservations: %w", err)
	}
	defer rows.Close()

	var items []models.Assignment
	for rows.Next() {
		var a models.Assignment
		err := rows.Scan(
			&a.ID,
			&a.Reference,
			&a.ClientID,
			&a.WeaponID,
			&a.UnitPrice,
			&a.Quantity,
			&a.Status,
			&a.AssignedAt,
			&a.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		items = append(items, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}
