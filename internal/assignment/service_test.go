package assignment

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safar/arms-allocation/internal/lock"
	"github.com/safar/arms-allocation/internal/models"
	"github.com/safar/arms-allocation/internal/stock"
	"github.com/safar/arms-allocation/internal/store"
)

var errDiskFull = errors.New("disk full")

// brokenWrites fails every assignment insert.
type brokenWrites struct {
	*store.Memory
}

func (b brokenWrites) CreateAssignment(ctx context.Context, a *models.Assignment) error {
	return errDiskFull
}

type fixture struct {
	mem   *store.Memory
	svc   *Service
	hook  *logtest.Hook
	rifle *models.Weapon
	bare  *models.Weapon
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	log, hook := logtest.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	stocks := stock.NewService(mem, lock.NewKeyed(), log)
	return &fixture{
		mem:   mem,
		svc:   NewService(mem, stocks, mem, log),
		hook:  hook,
		rifle: mem.AddWeapon(models.Weapon{SKU: "SCAR", ReferencePrice: decimal.NewNullDecimal(decimal.RequireFromString("2100.00"))}, 5),
		bare:  mem.AddWeapon(models.Weapon{SKU: "NOPRICE"}, 5),
	}
}

func (f *fixture) available(t *testing.T, weaponID int64) int {
	t.Helper()
	rec, err := f.mem.GetStock(context.Background(), weaponID)
	require.NoError(t, err)
	return rec.AvailableUnits
}

func (f *fixture) warned(msg string) bool {
	for _, e := range f.hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Message == msg {
			return true
		}
	}
	return false
}

func intp(v int) *int { return &v }

func decp(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestAssignWithExplicitValues(t *testing.T) {
	f := newFixture(t)
	a, r, err := f.svc.Assign(context.Background(), Input{ClientID: 1, WeaponID: f.rifle.ID, Quantity: intp(2), UnitPrice: decp("1999.995")})
	require.NoError(t, err)

	assert.Equal(t, models.AssignmentStatusReserved, a.Status)
	assert.Equal(t, 2, a.Quantity)
	assert.Equal(t, "2000.00", a.UnitPrice.StringFixed(2))
	assert.Regexp(t, `^ASG-[0-9a-f-]{36}$`, a.Reference)
	assert.NotZero(t, a.ID)
	assert.Equal(t, 2, r.Quantity)
	assert.Equal(t, 3, f.available(t, f.rifle.ID))

	stored, err := f.svc.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Reference, stored.Reference)
}

func TestAssignDefaultsQuantityAndCatalogPrice(t *testing.T) {
	f := newFixture(t)
	a, _, err := f.svc.Assign(context.Background(), Input{ClientID: 1, WeaponID: f.rifle.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, a.Quantity)
	assert.Equal(t, "2100.00", a.UnitPrice.StringFixed(2))
	assert.Equal(t, 4, f.available(t, f.rifle.ID))
}

func TestAssignIgnoresNegativePrice(t *testing.T) {
	f := newFixture(t)
	a, _, err := f.svc.Assign(context.Background(), Input{ClientID: 1, WeaponID: f.rifle.ID, UnitPrice: decp("-5")})
	require.NoError(t, err)
	assert.Equal(t, "2100.00", a.UnitPrice.StringFixed(2))
	assert.True(t, f.warned("ignoring negative unit price"))
}

func TestAssignWithoutAnyPriceIsZeroAndWarns(t *testing.T) {
	f := newFixture(t)
	a, _, err := f.svc.Assign(context.Background(), Input{ClientID: 1, WeaponID: f.bare.ID, Quantity: intp(1)})
	require.NoError(t, err)
	assert.True(t, a.UnitPrice.IsZero())
	assert.True(t, f.warned("weapon has no reference price, assigning at zero"))
}

func TestAssignFailuresCreateNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, _, err := f.svc.Assign(ctx, Input{ClientID: 1, WeaponID: 9999})
	require.ErrorIs(t, err, models.ErrWeaponNotFound)

	_, _, err = f.svc.Assign(ctx, Input{ClientID: 1, WeaponID: f.rifle.ID, Quantity: intp(6)})
	require.ErrorIs(t, err, models.ErrInsufficientStock)

	_, _, err = f.svc.Assign(ctx, Input{ClientID: 1, WeaponID: f.rifle.ID, Quantity: intp(0)})
	require.ErrorIs(t, err, models.ErrInvalidQuantity)

	_, _, err = f.svc.Assign(ctx, Input{WeaponID: f.rifle.ID})
	require.ErrorIs(t, err, models.ErrInvalidRequest)

	page, err := f.svc.ListByClient(ctx, 1, "", 10)
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.Equal(t, 5, f.available(t, f.rifle.ID))
}

func TestAssignReleasesStockWhenWriteFails(t *testing.T) {
	mem := store.NewMemory()
	log, _ := logtest.NewNullLogger()
	w := mem.AddWeapon(models.Weapon{SKU: "MP5"}, 3)
	svc := NewService(mem, stock.NewService(mem, lock.NewKeyed(), log), brokenWrites{mem}, log)

	_, _, err := svc.Assign(context.Background(), Input{ClientID: 1, WeaponID: w.ID, Quantity: intp(2)})
	require.ErrorIs(t, err, models.ErrPersistence)
	require.ErrorIs(t, err, errDiskFull)

	rec, err := mem.GetStock(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, rec.AvailableUnits)
}

func TestTransitions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a, _, err := f.svc.Assign(ctx, Input{ClientID: 1, WeaponID: f.rifle.ID, Quantity: intp(2)})
	require.NoError(t, err)

	_, err = f.svc.Transition(ctx, a.ID, models.AssignmentStatusDelivered)
	require.ErrorIs(t, err, models.ErrInvalidTransition)

	got, err := f.svc.Transition(ctx, a.ID, models.AssignmentStatusConfirmed)
	require.NoError(t, err)
	assert.Equal(t, models.AssignmentStatusConfirmed, got.Status)

	got, err = f.svc.Transition(ctx, a.ID, models.AssignmentStatusDelivered)
	require.NoError(t, err)
	assert.Equal(t, models.AssignmentStatusDelivered, got.Status)

	_, err = f.svc.Transition(ctx, a.ID, models.AssignmentStatusCancelled)
	require.ErrorIs(t, err, models.ErrInvalidTransition)
	assert.Equal(t, 3, f.available(t, f.rifle.ID))

	_, err = f.svc.Transition(ctx, 123456, models.AssignmentStatusConfirmed)
	require.ErrorIs(t, err, models.ErrAssignmentNotFound)
}

func TestCancelReleasesOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a, r, err := f.svc.Assign(ctx, Input{ClientID: 1, WeaponID: f.rifle.ID, Quantity: intp(3)})
	require.NoError(t, err)
	assert.Equal(t, 2, f.available(t, f.rifle.ID))

	got, err := f.svc.Cancel(ctx, a.ID, r)
	require.NoError(t, err)
	assert.Equal(t, models.AssignmentStatusCancelled, got.Status)
	assert.True(t, r.Released())
	assert.Equal(t, 5, f.available(t, f.rifle.ID))

	_, err = f.svc.Cancel(ctx, a.ID, nil)
	require.ErrorIs(t, err, models.ErrInvalidTransition)
	assert.Equal(t, 5, f.available(t, f.rifle.ID))

	drifts, err := f.mem.StockDrift(ctx)
	require.NoError(t, err)
	assert.Empty(t, drifts)
}

func TestVoidKeepsUnitsUntilReturned(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a, _, err := f.svc.Assign(ctx, Input{ClientID: 1, WeaponID: f.rifle.ID, Quantity: intp(2)})
	require.NoError(t, err)

	require.ErrorIs(t, f.svc.ReturnUnits(ctx, a, nil), models.ErrInvalidTransition)
	assert.Equal(t, 3, f.available(t, f.rifle.ID))

	voided, err := f.svc.Void(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AssignmentStatusCancelled, voided.Status)
	assert.Equal(t, 3, f.available(t, f.rifle.ID))

	_, err = f.svc.Void(ctx, a.ID)
	require.ErrorIs(t, err, models.ErrInvalidTransition)

	require.NoError(t, f.svc.ReturnUnits(ctx, voided, nil))
	assert.Equal(t, 5, f.available(t, f.rifle.ID))
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(models.AssignmentStatusReserved, models.AssignmentStatusConfirmed))
	assert.True(t, CanTransition(models.AssignmentStatusConfirmed, models.AssignmentStatusCancelled))
	assert.False(t, CanTransition(models.AssignmentStatusReserved, models.AssignmentStatusDelivered))
	assert.False(t, CanTransition(models.AssignmentStatusCancelled, models.AssignmentStatusReserved))
	assert.False(t, CanTransition(models.AssignmentStatusDelivered, models.AssignmentStatusCancelled))
}
