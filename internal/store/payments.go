package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/safar/arms-allocation/internal/database"
	"github.com/safar/arms-allocation/internal/models"
)

const paymentColumns = `id, client_id, assignment_id, subtotal, tax_amount, total, mode, installment_count,
		       paid_amount, pending_amount, current_installment, status, created_at, updated_at, version`

// CreatePayment inserts the record and its installments. Run it inside a
// transaction; on its own it can leave a record without its schedule.
func CreatePayment(ctx context.Context, q database.Querier, rec *models.PaymentRecord, installments []models.Installment) error {
	err := q.QueryRowContext(ctx,
		`INSERT INTO payments (client_id, assignment_id, subtotal, tax_amount, total, mode, installment_count,
		                       paid_amount, pending_amount, current_installment, status, created_at, updated_at, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW(), 1)
		 RETURNING id, created_at, updated_at, version`,
		rec.ClientID, rec.AssignmentID, rec.Subtotal, rec.TaxAmount, rec.Total, rec.Mode, rec.InstallmentCount,
		rec.PaidAmount, rec.PendingAmount, rec.CurrentInstallment, rec.Status,
	).Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt, &rec.Version)
	if err != nil {
		switch {
		case database.IsUniqueViolation(err):
			return fmt.Errorf("%w: assignment %d", models.ErrPaymentExists, rec.AssignmentID)
		case database.IsForeignKeyViolation(err):
			return models.ErrAssignmentNotFound
		case database.IsCheckViolation(err):
			return models.InvalidPaymentData("record rejected by store: %v", err)
		}
		return fmt.Errorf("create payment: %w", err)
	}

	for i := range installments {
		inst := &installments[i]
		inst.PaymentID = rec.ID
		err := q.QueryRowContext(ctx,
			`INSERT INTO installments (payment_id, sequence_number, amount, due_date, status, paid_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 RETURNING id`,
			rec.ID, inst.SequenceNumber, inst.Amount, inst.DueDate, inst.Status, inst.PaidAt,
		).Scan(&inst.ID)
		if err != nil {
			if database.IsCheckViolation(err) || database.IsUniqueViolation(err) {
				return models.InvalidPaymentData("installment %d rejected by store: %v", inst.SequenceNumber, err)
			}
			return fmt.Errorf("create installment %d: %w", inst.SequenceNumber, err)
		}
	}

	return nil
}

func GetPayment(ctx context.Context, q database.Querier, id int64) (*models.PaymentRecord, error) {
	rec, err := scanPayment(q.QueryRowContext(ctx,
		`SELECT `+paymentColumns+`
		 FROM payments
		 WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}

	rec.Installments, err = ListInstallments(ctx, q, rec.ID)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func GetPaymentByAssignment(ctx context.Context, q database.Querier, assignmentID int64) (*models.PaymentRecord, error) {
	rec, err := scanPayment(q.QueryRowContext(ctx,
		`SELECT `+paymentColumns+`
		 FROM payments
		 WHERE assignment_id = $1`, assignmentID))
	if err != nil {
		return nil, err
	}

	rec.Installments, err = ListInstallments(ctx, q, rec.ID)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func ListInstallments(ctx context.Context, q database.Querier, paymentID int64) ([]models.Installment, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, payment_id, sequence_number, amount, due_date, status, paid_at
		 FROM installments
		 WHERE payment_id = $1
		 ORDER BY sequence_number`,
		paymentID)
	if err != nil {
		return nil, fmt.Errorf("list installments: %w", err)
	}
	defer rows.Close()

	var installments []models.Installment
	for rows.Next() {
		var inst models.Installment
		var paidAt sql.NullTime
		err := rows.Scan(
			&inst.ID,
			&inst.PaymentID,
			&inst.SequenceNumber,
			&inst.Amount,
			&inst.DueDate,
			&inst.Status,
			&paidAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan installment: %w", err)
		}
		if paidAt.Valid {
			t := paidAt.Time
			inst.PaidAt = &t
		}
		installments = append(installments, inst)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return installments, nil
}

// SavePaymentProgress writes the mutable fields of rec and the status of
// each changed installment, provided the stored version still matches
// rec.Version. Run it inside a transaction.
func SavePaymentProgress(ctx context.Context, q database.Querier, rec *models.PaymentRecord, changed []models.Installment) error {
	var version int
	err := q.QueryRowContext(ctx,
		`UPDATE payments
		 SET paid_amount = $1,
		     pending_amount = $2,
		     current_installment = $3,
		     status = $4,
		     updated_at = NOW(),
		     version = version + 1
		 WHERE id = $5
		   AND version = $6
		 RETURNING version`,
		rec.PaidAmount, rec.PendingAmount, rec.CurrentInstallment, rec.Status, rec.ID, rec.Version,
	).Scan(&version)
	if err != nil {
		if err != sql.ErrNoRows {
			return fmt.Errorf("update payment: %w", err)
		}
		var exists bool
		if err := q.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM payments WHERE id = $1)",
			rec.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check payment exists: %w", err)
		}
		if !exists {
			return models.ErrPaymentNotFound
		}
		return database.ErrOptimisticLockFailed
	}

	for _, inst := range changed {
		_, err := q.ExecContext(ctx,
			`UPDATE installments
			 SET status = $1,
			     paid_at = $2
			 WHERE payment_id = $3
			   AND sequence_number = $4`,
			inst.Status, inst.PaidAt, rec.ID, inst.SequenceNumber)
		if err != nil {
			return fmt.Errorf("update installment %d: %w", inst.SequenceNumber, err)
		}
	}

	rec.Version = version
	return nil
}

func scanPayment(row *sql.Row) (*models.PaymentRecord, error) {
	rec := &models.PaymentRecord{}
	err := row.Scan(
		&rec.ID,
		&rec.ClientID,
		&rec.AssignmentID,
		&rec.Subtotal,
		&rec.TaxAmount,
		&rec.Total,
		&rec.Mode,
		&rec.InstallmentCount,
		&rec.PaidAmount,
		&rec.PendingAmount,
		&rec.CurrentInstallment,
		&rec.Status,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.Version,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, models.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return rec, nil
}
