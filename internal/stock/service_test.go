package stock

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/safar/arms-allocation/internal/database"
	"github.com/safar/arms-allocation/internal/lock"
	"github.com/safar/arms-allocation/internal/models"
	"github.com/safar/arms-allocation/internal/store"
)

// flakyStore fails the next failures calls to DecrementAvailable or
// IncrementAvailable with a transient error.
type flakyStore struct {
	*store.Memory
	failures atomic.Int32
	err      error
}

func (f *flakyStore) fail() error {
	if f.failures.Add(-1) >= 0 {
		return f.err
	}
	return nil
}

func (f *flakyStore) DecrementAvailable(ctx context.Context, weaponID int64, quantity int) (*models.StockRecord, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.Memory.DecrementAvailable(ctx, weaponID, quantity)
}

func (f *flakyStore) IncrementAvailable(ctx context.Context, weaponID int64, quantity int) (*models.StockRecord, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.Memory.IncrementAvailable(ctx, weaponID, quantity)
}

func newService(t *testing.T, units int) (*Service, *store.Memory, int64) {
	t.Helper()
	mem := store.NewMemory()
	w := mem.AddWeapon(models.Weapon{SKU: "G19", Name: "Pistol", ReferencePrice: decimal.NullDecimal{}}, units)
	log, _ := logtest.NewNullLogger()
	return NewService(mem, lock.NewKeyed(), log), mem, w.ID
}

func available(t *testing.T, mem *store.Memory, weaponID int64) int {
	t.Helper()
	rec, err := mem.GetStock(context.Background(), weaponID)
	require.NoError(t, err)
	return rec.AvailableUnits
}

func TestReserveReleaseRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc, mem, id := newService(t, 5)

	r, err := svc.Reserve(ctx, id, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, r.Quantity)
	assert.Equal(t, 2, available(t, mem, id))

	require.NoError(t, svc.Release(ctx, r))
	assert.True(t, r.Released())
	assert.Equal(t, 5, available(t, mem, id))
}

func TestReserveInsufficientStock(t *testing.T) {
	ctx := context.Background()
	svc, mem, id := newService(t, 5)

	_, err := svc.Reserve(ctx, id, 6)
	require.ErrorIs(t, err, models.ErrInsufficientStock)

	var ise *models.InsufficientStockError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, id, ise.WeaponID)
	assert.Equal(t, 6, ise.Requested)
	assert.Equal(t, 5, ise.Available)
	assert.Equal(t, 5, available(t, mem, id))
}

func TestReserveRejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	svc, mem, id := newService(t, 5)

	for _, q := range []int{0, -1} {
		_, err := svc.Reserve(ctx, id, q)
		require.ErrorIs(t, err, models.ErrInvalidQuantity)
		assert.False(t, errors.Is(err, models.ErrPersistence))
	}

	_, err := svc.Reserve(ctx, 777, 1)
	require.ErrorIs(t, err, models.ErrWeaponNotFound)
	assert.Equal(t, 5, available(t, mem, id))
}

func TestDoubleReleaseIsNoop(t *testing.T) {
	ctx := context.Background()
	svc, mem, id := newService(t, 4)

	r, err := svc.Reserve(ctx, id, 2)
	require.NoError(t, err)
	require.NoError(t, svc.Release(ctx, r))
	require.NoError(t, svc.Release(ctx, r))
	assert.Equal(t, 4, available(t, mem, id))

	require.NoError(t, svc.Release(ctx, nil))
}

func TestReleaseNeverExceedsTotal(t *testing.T) {
	ctx := context.Background()
	svc, mem, id := newService(t, 4)

	err := svc.Release(ctx, Restore(id, 1, time.Now()))
	require.ErrorIs(t, err, models.ErrStockOverflow)
	assert.Equal(t, 4, available(t, mem, id))
}

func TestReleaseRunsAfterCancel(t *testing.T) {
	svc, mem, id := newService(t, 4)

	ctx, cancel := context.WithCancel(context.Background())
	r, err := svc.Reserve(ctx, id, 4)
	require.NoError(t, err)
	cancel()

	require.NoError(t, svc.Release(ctx, r))
	assert.Equal(t, 4, available(t, mem, id))
}

func TestConcurrentReservesNeverOversell(t *testing.T) {
	ctx := context.Background()
	svc, mem, id := newService(t, 10)

	var granted atomic.Int32
	var g errgroup.Group
	for i := 0; i < 40; i++ {
		g.Go(func() error {
			_, err := svc.Reserve(ctx, id, 1)
			if errors.Is(err, models.ErrInsufficientStock) {
				return nil
			}
			if err != nil {
				return err
			}
			granted.Add(1)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(10), granted.Load())
	assert.Equal(t, 0, available(t, mem, id))
}

func TestConcurrentReservesWithRedisLock(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	mem := store.NewMemory()
	w := mem.AddWeapon(models.Weapon{SKU: "M9"}, 6)
	log, _ := logtest.NewNullLogger()
	svc := NewService(mem, lock.NewRedis(rdb, 5*time.Second, 200, 5*time.Millisecond), log)

	var granted atomic.Int32
	var g errgroup.Group
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			_, err := svc.Reserve(ctx, w.ID, 1)
			if errors.Is(err, models.ErrInsufficientStock) {
				return nil
			}
			if err != nil {
				return err
			}
			granted.Add(1)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(6), granted.Load())
	assert.Equal(t, 0, available(t, mem, w.ID))
}

func TestTransientFailureRetriedOnce(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	w := mem.AddWeapon(models.Weapon{SKU: "P226"}, 3)
	flaky := &flakyStore{Memory: mem, err: database.ErrTransient}
	log, _ := logtest.NewNullLogger()
	svc := NewService(flaky, lock.NewKeyed(), log)

	flaky.failures.Store(1)
	r, err := svc.Reserve(ctx, w.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, available(t, mem, w.ID))

	flaky.failures.Store(2)
	err = svc.Release(ctx, r)
	require.ErrorIs(t, err, models.ErrPersistence)
	assert.False(t, r.Released())
	assert.Equal(t, 1, available(t, mem, w.ID))

	require.NoError(t, svc.Release(ctx, r))
	assert.Equal(t, 3, available(t, mem, w.ID))
}

func TestReserveLogsFields(t *testing.T) {
	mem := store.NewMemory()
	w := mem.AddWeapon(models.Weapon{SKU: "CZ75"}, 2)
	log, hook := logtest.NewNullLogger()
	svc := NewService(mem, lock.NewKeyed(), log)

	_, err := svc.Reserve(context.Background(), w.ID, 1)
	require.NoError(t, err)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "stock reserved", entry.Message)
	assert.Equal(t, w.ID, entry.Data["weapon_id"])
	assert.Equal(t, 1, entry.Data["available"])
	assert.Equal(t, "stock", entry.Data["module"])
}
