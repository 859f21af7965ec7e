package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safar/arms-allocation/internal/allocation"
	"github.com/safar/arms-allocation/internal/assignment"
	"github.com/safar/arms-allocation/internal/lock"
	"github.com/safar/arms-allocation/internal/models"
	"github.com/safar/arms-allocation/internal/payment"
	"github.com/safar/arms-allocation/internal/stock"
	"github.com/safar/arms-allocation/internal/store"
)

type downPinger struct{}

func (downPinger) Ping(ctx context.Context) error { return errors.New("connection refused") }

type server struct {
	mem    *store.Memory
	router http.Handler
	rifle  *models.Weapon
}

func newServer(t *testing.T, pinger Pinger) *server {
	t.Helper()
	mem := store.NewMemory()
	log, _ := logtest.NewNullLogger()

	stocks := stock.NewService(mem, lock.NewKeyed(), log)
	assignments := assignment.NewService(mem, stocks, mem, log)
	payments := payment.NewService(mem, log)
	orch := allocation.NewOrchestrator(assignments, stocks, payments, payment.NewEngine(12), mem, decimal.NewFromInt(15), log)

	if pinger == nil {
		pinger = mem
	}
	h := NewHandler(orch, assignments, payments, stocks, pinger, log, 5*time.Second)

	return &server{
		mem:    mem,
		router: h.Routes(),
		rifle:  mem.AddWeapon(models.Weapon{SKU: "AUG", ReferencePrice: decimal.NewNullDecimal(decimal.RequireFromString("1000.00"))}, 5),
	}
}

func (s *server) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func TestAllocateEndpoint(t *testing.T) {
	s := newServer(t, nil)

	rec := s.do(t, http.MethodPost, "/allocations", map[string]any{
		"client_id": 11,
		"weapon_id": s.rifle.ID,
		"quantity":  "1",
		"mode":      models.PaymentModeLumpSum,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	res := decode[allocation.Result](t, rec)
	assert.Equal(t, allocation.StateComplete, res.State)
	assert.Equal(t, "869.57", res.Payment.Subtotal.StringFixed(2))
	assert.Equal(t, "130.43", res.Payment.TaxAmount.StringFixed(2))
	require.Len(t, res.Installments, 1)

	rec = s.do(t, http.MethodGet, "/weapons/1/stock", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 4, decode[models.StockRecord](t, rec).AvailableUnits)
}

func TestAllocateEndpointExplicitSchedule(t *testing.T) {
	s := newServer(t, nil)

	rec := s.do(t, http.MethodPost, "/allocations", map[string]any{
		"client_id":  11,
		"weapon_id":  s.rifle.ID,
		"quantity":   2,
		"unit_price": "50",
		"mode":       models.PaymentModeInstallments,
		"installments": []map[string]any{
			{"sequence_number": 1, "amount": "40.00", "due_date": "2026-11-01"},
			{"sequence_number": 2, "amount": 60, "due_date": "2026-12-01"},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decode[allocation.Result](t, rec)
	require.Len(t, res.Installments, 2)
	assert.Equal(t, "100.00", res.Payment.Total.StringFixed(2))

	rec = s.do(t, http.MethodPost, "/allocations", map[string]any{
		"client_id": 11, "weapon_id": s.rifle.ID, "mode": models.PaymentModeInstallments,
		"installments": []map[string]any{{"sequence_number": 1, "amount": "10", "due_date": "next week"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_payment_data", decode[ErrorResponse](t, rec).Code)
}

func TestAllocateEndpointErrors(t *testing.T) {
	s := newServer(t, nil)

	rec := s.do(t, http.MethodPost, "/allocations", map[string]any{
		"client_id": 1, "weapon_id": s.rifle.ID, "quantity": 6, "mode": models.PaymentModeLumpSum,
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decode[ErrorResponse](t, rec)
	assert.Equal(t, "insufficient_stock", body.Code)
	details := body.Details.(map[string]any)
	assert.EqualValues(t, 6, details["requested"])
	assert.EqualValues(t, 5, details["available"])

	rec = s.do(t, http.MethodPost, "/allocations", map[string]any{
		"client_id": 1, "weapon_id": s.rifle.ID, "quantity": "1.5", "mode": models.PaymentModeLumpSum,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_quantity", decode[ErrorResponse](t, rec).Code)

	rec = s.do(t, http.MethodPost, "/allocations", map[string]any{
		"client_id": 1, "weapon_id": 999, "mode": models.PaymentModeLumpSum,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/allocations", map[string]any{
		"client_id": 1, "weapon_id": s.rifle.ID, "mode": "BARTER",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/allocations", bytes.NewBufferString("{not json"))
	raw := httptest.NewRecorder()
	s.router.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)

	rec = s.do(t, http.MethodGet, "/weapons/1/stock", nil)
	assert.Equal(t, 5, decode[models.StockRecord](t, rec).AvailableUnits)
}

func TestPaymentEndpoints(t *testing.T) {
	s := newServer(t, nil)

	rec := s.do(t, http.MethodPost, "/allocations", map[string]any{
		"client_id": 3, "weapon_id": s.rifle.ID, "mode": models.PaymentModeInstallments, "installment_count": 4,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decode[allocation.Result](t, rec)
	paymentPath := "/payments/" + itoa(res.Payment.ID)

	rec = s.do(t, http.MethodGet, paymentPath, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[models.PaymentRecord](t, rec)
	require.Len(t, got.Installments, 4)
	assert.Equal(t, 1, got.Installments[0].SequenceNumber)

	rec = s.do(t, http.MethodPost, paymentPath+"/installments/1/confirm", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got = decode[models.PaymentRecord](t, rec)
	assert.Equal(t, models.PaymentStatusPartiallyPaid, got.Status)
	assert.Equal(t, "250.00", got.PaidAmount.StringFixed(2))

	rec = s.do(t, http.MethodPost, paymentPath+"/installments/1/confirm", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, paymentPath+"/installments/x/confirm", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, paymentPath+"/overdue?as_of=2099-01-01", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got = decode[models.PaymentRecord](t, rec)
	for _, inst := range got.Installments[1:] {
		assert.Equal(t, models.InstallmentStatusOverdue, inst.Status)
	}

	rec = s.do(t, http.MethodPost, paymentPath+"/overdue?as_of=tomorrow", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/payments/424242", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAssignmentEndpoints(t *testing.T) {
	s := newServer(t, nil)

	var ids []int64
	for i := 0; i < 3; i++ {
		rec := s.do(t, http.MethodPost, "/allocations", map[string]any{
			"client_id": 8, "weapon_id": s.rifle.ID, "mode": models.PaymentModeLumpSum,
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		ids = append(ids, decode[allocation.Result](t, rec).Assignment.ID)
	}

	rec := s.do(t, http.MethodGet, "/clients/8/assignments?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[store.CursorPage](t, rec)
	assert.Len(t, page.Items, 2)
	assert.True(t, page.HasMore)

	rec = s.do(t, http.MethodGet, "/clients/8/assignments?limit=2&cursor="+page.NextCursor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[store.CursorPage](t, rec).Items, 1)

	rec = s.do(t, http.MethodGet, "/clients/8/assignments?cursor=%25%25", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	path := "/assignments/" + itoa(ids[0])
	rec = s.do(t, http.MethodPost, path+"/transition", map[string]string{"status": models.AssignmentStatusConfirmed})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.AssignmentStatusConfirmed, decode[models.Assignment](t, rec).Status)

	rec = s.do(t, http.MethodPost, path+"/transition", map[string]string{"status": models.AssignmentStatusReserved})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, path+"/transition", map[string]string{"status": models.AssignmentStatusCancelled})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[purchaseResponse](t, rec)
	assert.Equal(t, models.AssignmentStatusCancelled, out.Assignment.Status)
	require.NotNil(t, out.Payment)
	assert.Equal(t, models.PaymentStatusCancelled, out.Payment.Status)

	rec = s.do(t, http.MethodPost, "/allocations/"+itoa(ids[1])+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/weapons/1/stock", nil)
	assert.Equal(t, 4, decode[models.StockRecord](t, rec).AvailableUnits)

	rec = s.do(t, http.MethodGet, "/assignments/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = s.do(t, http.MethodGet, "/assignments/777", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	s := newServer(t, nil)
	rec := s.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	s = newServer(t, downPinger{})
	rec = s.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{models.ErrInvalidQuantity, http.StatusBadRequest},
		{models.InvalidPaymentData("bad"), http.StatusBadRequest},
		{&allocation.AllocationError{State: allocation.StateStart, Err: models.ErrWeaponNotFound}, http.StatusNotFound},
		{&models.InsufficientStockError{Requested: 2, Available: 1}, http.StatusConflict},
		{models.WrapPersistence("op", errors.New("boom")), http.StatusServiceUnavailable},
		{errors.New("unexpected"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		status, _ := classify(c.err)
		assert.Equal(t, c.status, status, c.err.Error())
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
