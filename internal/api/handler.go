// Package api exposes allocation, assignment, payment and stock operations
// over HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/safar/arms-allocation/internal/allocation"
	"github.com/safar/arms-allocation/internal/assignment"
	"github.com/safar/arms-allocation/internal/models"
	"github.com/safar/arms-allocation/internal/payment"
	"github.com/safar/arms-allocation/internal/stock"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	orchestrator *allocation.Orchestrator
	assignments  *assignment.Service
	payments     *payment.Service
	stock        *stock.Service
	pinger       Pinger
	log          logrus.FieldLogger
	timeout      time.Duration
}

func NewHandler(
	orchestrator *allocation.Orchestrator,
	assignments *assignment.Service,
	payments *payment.Service,
	stock *stock.Service,
	pinger Pinger,
	log logrus.FieldLogger,
	timeout time.Duration,
) *Handler {
	return &Handler{
		orchestrator: orchestrator,
		assignments:  assignments,
		payments:     payments,
		stock:        stock,
		pinger:       pinger,
		log:          log.WithField("module", "api"),
		timeout:      timeout,
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.requestLogger)
	if h.timeout > 0 {
		r.Use(middleware.Timeout(h.timeout))
	}

	r.Get("/healthz", h.Health)

	r.Post("/allocations", h.Allocate)
	r.Post("/allocations/{assignmentID}/cancel", h.CancelAllocation)

	r.Get("/assignments/{assignmentID}", h.GetAssignment)
	r.Post("/assignments/{assignmentID}/transition", h.TransitionAssignment)
	r.Get("/clients/{clientID}/assignments", h.ListClientAssignments)

	r.Get("/payments/{paymentID}", h.GetPayment)
	r.Post("/payments/{paymentID}/installments/{seq}/confirm", h.ConfirmInstallment)
	r.Post("/payments/{paymentID}/overdue", h.MarkOverdue)

	r.Get("/weapons/{weaponID}/stock", h.GetStock)

	return r
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.log.WithFields(logrus.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"bytes":      ww.BytesWritten(),
			"duration":   time.Since(start).String(),
		}).Info("http request")
	})
}

// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.pinger.Ping(r.Context()); err != nil {
		h.log.WithError(err).Warn("health check failed")
		h.respondError(w, http.StatusServiceUnavailable, "unavailable", "store unreachable")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type installmentDTO struct {
	SequenceNumber int        `json:"sequence_number"`
	Amount         flexString `json:"amount"`
	DueDate        string     `json:"due_date"`
}

type allocateRequest struct {
	ClientID         int64            `json:"client_id"`
	WeaponID         int64            `json:"weapon_id"`
	Quantity         flexString       `json:"quantity"`
	UnitPrice        flexString       `json:"unit_price"`
	Mode             string           `json:"mode"`
	Subtotal         flexString       `json:"subtotal"`
	InstallmentCount int              `json:"installment_count"`
	Installments     []installmentDTO `json:"installments"`
}

func (req allocateRequest) toRequest() (allocation.Request, error) {
	quantity, err := assignment.ParseQuantity(string(req.Quantity))
	if err != nil {
		return allocation.Request{}, err
	}

	out := allocation.Request{
		ClientID:         req.ClientID,
		WeaponID:         req.WeaponID,
		Quantity:         quantity,
		UnitPrice:        assignment.ParsePrice(string(req.UnitPrice)),
		Mode:             req.Mode,
		InstallmentCount: req.InstallmentCount,
	}

	if req.Subtotal != "" {
		sub := assignment.ParsePrice(string(req.Subtotal))
		if sub == nil {
			return out, models.InvalidPaymentData("subtotal %q is not a non-negative amount", string(req.Subtotal))
		}
		out.Subtotal = sub
	}

	for _, inst := range req.Installments {
		amount := assignment.ParsePrice(string(inst.Amount))
		if amount == nil {
			return out, models.InvalidPaymentData("installment %d amount %q is invalid", inst.SequenceNumber, string(inst.Amount))
		}
		due, err := time.Parse(time.DateOnly, inst.DueDate)
		if err != nil {
			return out, models.InvalidPaymentData("installment %d due date %q is not YYYY-MM-DD", inst.SequenceNumber, inst.DueDate)
		}
		out.Installments = append(out.Installments, payment.InstallmentInput{
			SequenceNumber: inst.SequenceNumber,
			Amount:         *amount,
			DueDate:        due,
		})
	}

	return out, nil
}

// POST /allocations
func (h *Handler) Allocate(w http.ResponseWriter, r *http.Request) {
	var body allocateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_body", "invalid request body")
		return
	}

	req, err := body.toRequest()
	if err != nil {
		h.respondFailure(w, r, err)
		return
	}

	res, err := h.orchestrator.Allocate(r.Context(), req)
	if err != nil {
		h.respondFailure(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusCreated, res)
}

type purchaseResponse struct {
	Assignment *models.Assignment    `json:"assignment"`
	Payment    *models.PaymentRecord `json:"payment,omitempty"`
}

// POST /allocations/{assignmentID}/cancel
func (h *Handler) CancelAllocation(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "assignmentID")
	if !ok {
		return
	}

	a, rec, err := h.orchestrator.Cancel(r.Context(), id)
	if err != nil {
		h.respondFailure(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, purchaseResponse{Assignment: a, Payment: rec})
}

// GET /assignments/{assignmentID}
func (h *Handler) GetAssignment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "assignmentID")
	if !ok {
		return
	}

	a, err := h.assignments.Get(r.Context(), id)
	if err != nil {
		h.respondFailure(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, a)
}

// POST /assignments/{assignmentID}/transition
func (h *Handler) TransitionAssignment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "assignmentID")
	if !ok {
		return
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Status == "" {
		h.respondError(w, http.StatusBadRequest, "invalid_body", "status is required")
		return
	}

	if body.Status == models.AssignmentStatusCancelled {
		a, rec, err := h.orchestrator.Cancel(r.Context(), id)
		if err != nil {
			h.respondFailure(w, r, err)
			return
		}
		h.respondJSON(w, http.StatusOK, purchaseResponse{Assignment: a, Payment: rec})
		return
	}

	a, err := h.assignments.Transition(r.Context(), id, body.Status)
	if err != nil {
		h.respondFailure(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, purchaseResponse{Assignment: a})
}

// GET /clients/{clientID}/assignments?cursor=&limit=
func (h *Handler) ListClientAssignments(w http.ResponseWriter, r *http.Request) {
	clientID, ok := h.pathID(w, r, "clientID")
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 || limit > 100 {
		limit = 20
	}

	page, err := h.assignments.ListByClient(r.Context(), clientID, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		h.respondFailure(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, page)
}

// GET /payments/{paymentID}
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "paymentID")
	if !ok {
		return
	}

	rec, err := h.payments.Get(r.Context(), id)
	if err != nil {
		h.respondFailure(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, rec)
}

// POST /payments/{paymentID}/installments/{seq}/confirm
func (h *Handler) ConfirmInstallment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "paymentID")
	if !ok {
		return
	}
	seq, err := strconv.Atoi(chi.URLParam(r, "seq"))
	if err != nil || seq < 1 {
		h.respondError(w, http.StatusBadRequest, "invalid_sequence", "invalid installment sequence number")
		return
	}

	rec, err := h.payments.ConfirmInstallment(r.Context(), id, seq)
	if err != nil {
		h.respondFailure(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, rec)
}

// POST /payments/{paymentID}/overdue?as_of=YYYY-MM-DD
func (h *Handler) MarkOverdue(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "paymentID")
	if !ok {
		return
	}

	asOf := time.Now()
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		parsed, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "invalid_date", "as_of must be YYYY-MM-DD")
			return
		}
		asOf = parsed
	}

	rec, err := h.payments.MarkOverdue(r.Context(), id, asOf)
	if err != nil {
		h.respondFailure(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, rec)
}

// GET /weapons/{weaponID}/stock
func (h *Handler) GetStock(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "weaponID")
	if !ok {
		return
	}

	rec, err := h.stock.Stock(r.Context(), id)
	if err != nil {
		h.respondFailure(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, rec)
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id < 1 {
		h.respondError(w, http.StatusBadRequest, "invalid_id", fmt.Sprintf("invalid %s", name))
		return 0, false
	}
	return id, true
}
