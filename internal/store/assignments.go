package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/safar/arms-allocation/internal/database"
	"github.com/safar/arms-allocation/internal/models"
)

func CreateAssignment(ctx context.Context, q database.Querier, a *models.Assignment) error {
	query := `
		INSERT INTO assignments (reference, client_id, weapon_id, unit_price, quantity, status, assigned_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		RETURNING id, assigned_at, updated_at`

	err := q.QueryRowContext(ctx, query,
		a.Reference, a.ClientID, a.WeaponID, a.UnitPrice, a.Quantity, a.Status,
	).Scan(&a.ID, &a.AssignedAt, &a.UpdatedAt)
	if err != nil {
		if database.IsForeignKeyViolation(err) {
			return models.ErrWeaponNotFound
		}
		return fmt.Errorf("create assignment: %w", err)
	}

	return nil
}

func GetAssignment(ctx context.Context, q database.Querier, id int64) (*models.Assignment, error) {
	a := &models.Assignment{}

	query := `
		SELECT id, reference, client_id, weapon_id, unit_price, quantity, status, assigned_at, updated_at
		FROM assignments
		WHERE id = $1`

	err := q.QueryRowContext(ctx, query, id).Scan(
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
		if err == sql.ErrNoRows {
			return nil, models.ErrAssignmentNotFound
		}
		return nil, fmt.Errorf("get assignment: %w", err)
	}

	return a, nil
}

// UpdateAssignmentStatus moves an assignment from one status to another. The
// write only lands if the row is still in the from status.
func UpdateAssignmentStatus(ctx context.Context, q database.Querier, id int64, from, to string) error {
	result, err := q.ExecContext(ctx,
		`UPDATE assignments
		 SET status = $1,
		     updated_at = NOW()
		 WHERE id = $2
		   AND status = $3`,
		to, id, from)
	if err != nil {
		return fmt.Errorf("update assignment status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	current, err := GetAssignment(ctx, q, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: assignment %d is %s, not %s", models.ErrInvalidTransition, id, current.Status, from)
}

func ListAssignmentsCursor(ctx context.Context, q database.Querier, clientID int64, cursor string, limit int) (*CursorPage, error) {
	cursorData, err := DecodeCursor(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: decode cursor: %v", models.ErrInvalidRequest, err)
	}

	query := `
		SELECT id, reference, client_id, weapon_id, unit_price, quantity, status, assigned_at, updated_at
		FROM assignments
		WHERE client_id = $1
		  AND (assigned_at, id) < ($2, $3)
		ORDER BY assigned_at DESC, id DESC
		LIMIT $4`

	rows, err := q.QueryContext(ctx, query, clientID, cursorData.CreatedAt, cursorData.ID, limit+1)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
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

	return assignmentPage(items, limit), nil
}
