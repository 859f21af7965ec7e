package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/safar/arms-allocation/internal/database"
	"github.com/safar/arms-allocation/internal/models"
)

// Memory keeps everything in process. It has no multi-record transactions,
// so the allocation flow writes assignment and payment one after the other.
type Memory struct {
	mu           sync.RWMutex
	weapons      map[int64]*models.Weapon
	stocks       map[int64]*models.StockRecord
	assignments  map[int64]*models.Assignment
	payments     map[int64]*models.PaymentRecord
	installments map[int64][]models.Installment
	nextID       int64
}

func NewMemory() *Memory {
	return &Memory{
		weapons:      make(map[int64]*models.Weapon),
		stocks:       make(map[int64]*models.StockRecord),
		assignments:  make(map[int64]*models.Assignment),
		payments:     make(map[int64]*models.PaymentRecord),
		installments: make(map[int64][]models.Installment),
	}
}

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

// AddWeapon provisions a catalog entry with totalUnits all available.
func (m *Memory) AddWeapon(w models.Weapon, totalUnits int) *models.Weapon {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addWeapon(w, totalUnits)
}

func (m *Memory) CreateWeapon(ctx context.Context, sku, name, caliber string, price decimal.NullDecimal, totalUnits int) (*models.Weapon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range m.weapons {
		if w.SKU == sku {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSKU, sku)
		}
	}
	return m.addWeapon(models.Weapon{SKU: sku, Name: name, Caliber: caliber, ReferencePrice: price}, totalUnits), nil
}

func (m *Memory) addWeapon(w models.Weapon, totalUnits int) *models.Weapon {
	if w.ID == 0 {
		w.ID = m.id()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}
	m.weapons[w.ID] = &w
	m.stocks[w.ID] = &models.StockRecord{
		WeaponID:       w.ID,
		TotalUnits:     totalUnits,
		AvailableUnits: totalUnits,
		UpdatedAt:      w.CreatedAt,
		Version:        1,
	}
	cp := w
	return &cp
}

func (m *Memory) GetWeapon(ctx context.Context, id int64) (*models.Weapon, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.weapons[id]
	if !ok {
		return nil, models.ErrWeaponNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *Memory) GetStock(ctx context.Context, weaponID int64) (*models.StockRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.stocks[weaponID]
	if !ok {
		return nil, models.ErrWeaponNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) DecrementAvailable(ctx context.Context, weaponID int64, quantity int) (*models.StockRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.stocks[weaponID]
	if !ok {
		return nil, models.ErrWeaponNotFound
	}
	if s.AvailableUnits < quantity {
		return nil, &models.InsufficientStockError{WeaponID: weaponID, Requested: quantity, Available: s.AvailableUnits}
	}
	s.AvailableUnits -= quantity
	s.Version++
	s.UpdatedAt = time.Now()
	cp := *s
	return &cp, nil
}

func (m *Memory) IncrementAvailable(ctx context.Context, weaponID int64, quantity int) (*models.StockRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.stocks[weaponID]
	if !ok {
		return nil, models.ErrWeaponNotFound
	}
	if s.AvailableUnits+quantity > s.TotalUnits {
		return nil, fmt.Errorf("%w: weapon %d has %d of %d available, releasing %d",
			models.ErrStockOverflow, weaponID, s.AvailableUnits, s.TotalUnits, quantity)
	}
	s.AvailableUnits += quantity
	s.Version++
	s.UpdatedAt = time.Now()
	cp := *s
	return &cp, nil
}

func (m *Memory) CreateAssignment(ctx context.Context, a *models.Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.weapons[a.WeaponID]; !ok {
		return models.ErrWeaponNotFound
	}
	a.ID = m.id()
	if a.AssignedAt.IsZero() {
		a.AssignedAt = time.Now()
	}
	a.UpdatedAt = a.AssignedAt
	cp := *a
	m.assignments[a.ID] = &cp
	return nil
}

func (m *Memory) GetAssignment(ctx context.Context, id int64) (*models.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.assignments[id]
	if !ok {
		return nil, models.ErrAssignmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) UpdateAssignmentStatus(ctx context.Context, id int64, from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.assignments[id]
	if !ok {
		return models.ErrAssignmentNotFound
	}
	if a.Status != from {
		return fmt.Errorf("%w: assignment %d is %s, not %s", models.ErrInvalidTransition, id, a.Status, from)
	}
	a.Status = to
	a.UpdatedAt = time.Now()
	return nil
}

// ListAssignmentsCursor pages a client's assignments newest first.
func (m *Memory) ListAssignmentsCursor(ctx context.Context, clientID int64, cursor string, limit int) (*CursorPage, error) {
	cursorData, err := DecodeCursor(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: decode cursor: %v", models.ErrInvalidRequest, err)
	}

	m.mu.RLock()
	var matched []models.Assignment
	for _, a := range m.assignments {
		if a.ClientID != clientID {
			continue
		}
		if a.AssignedAt.Before(cursorData.CreatedAt) ||
			(a.AssignedAt.Equal(cursorData.CreatedAt) && a.ID < cursorData.ID) {
			matched = append(matched, *a)
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].AssignedAt.Equal(matched[j].AssignedAt) {
			return matched[i].AssignedAt.After(matched[j].AssignedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	return assignmentPage(matched, limit), nil
}

func (m *Memory) CreatePayment(ctx context.Context, rec *models.PaymentRecord, installments []models.Installment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.assignments[rec.AssignmentID]; !ok {
		return models.ErrAssignmentNotFound
	}
	for _, p := range m.payments {
		if p.AssignmentID == rec.AssignmentID {
			return fmt.Errorf("%w: assignment %d", models.ErrPaymentExists, rec.AssignmentID)
		}
	}

	rec.ID = m.id()
	rec.Version = 1
	stored := make([]models.Installment, len(installments))
	for i := range installments {
		installments[i].ID = m.id()
		installments[i].PaymentID = rec.ID
		stored[i] = installments[i]
	}
	sort.Slice(stored, func(i, j int) bool { return stored[i].SequenceNumber < stored[j].SequenceNumber })

	cp := *rec
	cp.Installments = nil
	m.payments[rec.ID] = &cp
	m.installments[rec.ID] = stored
	return nil
}

func (m *Memory) GetPayment(ctx context.Context, id int64) (*models.PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payments[id]
	if !ok {
		return nil, models.ErrPaymentNotFound
	}
	return m.paymentWithInstallments(p), nil
}

func (m *Memory) GetPaymentByAssignment(ctx context.Context, assignmentID int64) (*models.PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.payments {
		if p.AssignmentID == assignmentID {
			return m.paymentWithInstallments(p), nil
		}
	}
	return nil, models.ErrPaymentNotFound
}

func (m *Memory) ListInstallments(ctx context.Context, paymentID int64) ([]models.Installment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.payments[paymentID]; !ok {
		return nil, models.ErrPaymentNotFound
	}
	out := make([]models.Installment, len(m.installments[paymentID]))
	copy(out, m.installments[paymentID])
	return out, nil
}

func (m *Memory) SavePaymentProgress(ctx context.Context, rec *models.PaymentRecord, changed []models.Installment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[rec.ID]
	if !ok {
		return models.ErrPaymentNotFound
	}
	if p.Version != rec.Version {
		return database.ErrOptimisticLockFailed
	}

	stored := m.installments[rec.ID]
	for _, c := range changed {
		for i := range stored {
			if stored[i].SequenceNumber == c.SequenceNumber {
				stored[i].Status = c.Status
				stored[i].PaidAt = c.PaidAt
			}
		}
	}

	rec.Version++
	p.PaidAmount = rec.PaidAmount
	p.PendingAmount = rec.PendingAmount
	p.CurrentInstallment = rec.CurrentInstallment
	p.Status = rec.Status
	p.UpdatedAt = rec.UpdatedAt
	p.Version = rec.Version
	return nil
}

func (m *Memory) paymentWithInstallments(p *models.PaymentRecord) *models.PaymentRecord {
	cp := *p
	cp.Installments = make([]models.Installment, len(m.installments[p.ID]))
	copy(cp.Installments, m.installments[p.ID])
	return &cp
}

func (m *Memory) StockDrift(ctx context.Context) ([]StockDrift, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	held := make(map[int64]int)
	for _, a := range m.assignments {
		if isHolding(a.Status) {
			held[a.WeaponID] += a.Quantity
		}
	}

	var drifts []StockDrift
	for id, s := range m.stocks {
		d := StockDrift{
			WeaponID:       id,
			SKU:            m.weapons[id].SKU,
			TotalUnits:     s.TotalUnits,
			AvailableUnits: s.AvailableUnits,
			HeldUnits:      held[id],
		}
		d.Drift = d.TotalUnits - d.AvailableUnits - d.HeldUnits
		if d.Drift != 0 {
			drifts = append(drifts, d)
		}
	}
	sort.Slice(drifts, func(i, j int) bool { return drifts[i].WeaponID < drifts[j].WeaponID })
	return drifts, nil
}

func (m *Memory) UnpaidReservations(ctx context.Context, before time.Time) ([]models.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	paid := make(map[int64]bool, len(m.payments))
	for _, p := range m.payments {
		paid[p.AssignmentID] = true
	}

	var out []models.Assignment
	for _, a := range m.assignments {
		if a.Status == models.AssignmentStatusReserved && !paid[a.ID] && a.AssignedAt.Before(before) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return nil
}
