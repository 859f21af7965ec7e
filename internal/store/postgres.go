package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"

	"github.com/safar/arms-allocation/internal/database"
	"github.com/safar/arms-allocation/internal/models"
)

// Postgres adapts the query functions in this package to the service ports.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) CreateWeapon(ctx context.Context, sku, name, caliber string, price decimal.NullDecimal, totalUnits int) (*models.Weapon, error) {
	return CreateWeapon(ctx, p.db, sku, name, caliber, price, totalUnits)
}

func (p *Postgres) GetWeapon(ctx context.Context, id int64) (*models.Weapon, error) {
	return GetWeapon(ctx, p.db, id)
}

func (p *Postgres) GetStock(ctx context.Context, weaponID int64) (*models.StockRecord, error) {
	return GetStock(ctx, p.db, weaponID)
}

func (p *Postgres) DecrementAvailable(ctx context.Context, weaponID int64, quantity int) (*models.StockRecord, error) {
	return DecrementAvailable(ctx, p.db, weaponID, quantity)
}

func (p *Postgres) IncrementAvailable(ctx context.Context, weaponID int64, quantity int) (*models.StockRecord, error) {
	return IncrementAvailable(ctx, p.db, weaponID, quantity)
}

func (p *Postgres) CreateAssignment(ctx context.Context, a *models.Assignment) error {
	return CreateAssignment(ctx, p.db, a)
}

func (p *Postgres) GetAssignment(ctx context.Context, id int64) (*models.Assignment, error) {
	return GetAssignment(ctx, p.db, id)
}

func (p *Postgres) UpdateAssignmentStatus(ctx context.Context, id int64, from, to string) error {
	return UpdateAssignmentStatus(ctx, p.db, id, from, to)
}

func (p *Postgres) ListAssignmentsCursor(ctx context.Context, clientID int64, cursor string, limit int) (*CursorPage, error) {
	return ListAssignmentsCursor(ctx, p.db, clientID, cursor, limit)
}

func (p *Postgres) CreatePayment(ctx context.Context, rec *models.PaymentRecord, installments []models.Installment) error {
	return database.WithTransaction(ctx, p.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		return CreatePayment(ctx, tx, rec, installments)
	})
}

func (p *Postgres) GetPayment(ctx context.Context, id int64) (*models.PaymentRecord, error) {
	return GetPayment(ctx, p.db, id)
}

func (p *Postgres) GetPaymentByAssignment(ctx context.Context, assignmentID int64) (*models.PaymentRecord, error) {
	return GetPaymentByAssignment(ctx, p.db, assignmentID)
}

func (p *Postgres) ListInstallments(ctx context.Context, paymentID int64) ([]models.Installment, error) {
	return ListInstallments(ctx, p.db, paymentID)
}

func (p *Postgres) SavePaymentProgress(ctx context.Context, rec *models.PaymentRecord, changed []models.Installment) error {
	return database.WithTransaction(ctx, p.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		return SavePaymentProgress(ctx, tx, rec, changed)
	})
}

// CreatePurchase writes an assignment and its payment in one transaction,
// retrying the whole unit once on a transient failure. IDs assigned by a
// rolled back attempt are overwritten by the next one.
func (p *Postgres) CreatePurchase(ctx context.Context, a *models.Assignment, rec *models.PaymentRecord, installments []models.Installment) error {
	return database.WithRetry(ctx, p.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		if err := CreateAssignment(ctx, tx, a); err != nil {
			return err
		}
		rec.AssignmentID = a.ID
		return CreatePayment(ctx, tx, rec, installments)
	})
}

func (p *Postgres) StockDrift(ctx context.Context) ([]StockDrift, error) {
	return ListStockDrift(ctx, p.db)
}

func (p *Postgres) UnpaidReservations(ctx context.Context, before time.Time) ([]models.Assignment, error) {
	return ListUnpaidReservations(ctx, p.db, before)
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}
