package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/safar/arms-allocation/internal/logging"
	"github.com/safar/arms-allocation/internal/models"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.WithError(err).Error("encode response")
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, code, message string) {
	h.respondJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// respondFailure maps a service error onto a status code and error body.
// Server-side failures are logged and their detail withheld.
func (h *Handler) respondFailure(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	resp := ErrorResponse{Error: err.Error(), Code: code}

	var ise *models.InsufficientStockError
	if errors.As(err, &ise) {
		resp.Details = map[string]any{
			"weapon_id": ise.WeaponID,
			"requested": ise.Requested,
			"available": ise.Available,
		}
	}

	if status >= http.StatusInternalServerError {
		logging.LogError(h.log, "api", r.Method+" "+r.URL.Path, map[string]any{
			"status":     status,
			"request_id": middleware.GetReqID(r.Context()),
		}, err)
		resp.Error = http.StatusText(status)
	} else {
		h.log.WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"status": status,
		}).WithError(err).Debug("request rejected")
	}

	h.respondJSON(w, status, resp)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrInvalidRequest),
		errors.Is(err, models.ErrInvalidQuantity),
		errors.Is(err, models.ErrInvalidPaymentData):
		return http.StatusBadRequest, codeOf(err)
	case errors.Is(err, models.ErrWeaponNotFound),
		errors.Is(err, models.ErrAssignmentNotFound),
		errors.Is(err, models.ErrPaymentNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, models.ErrInsufficientStock):
		return http.StatusConflict, "insufficient_stock"
	case errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrStockOverflow),
		errors.Is(err, models.ErrPaymentExists):
		return http.StatusConflict, "conflict"
	case errors.Is(err, models.ErrPersistence):
		return http.StatusServiceUnavailable, "persistence_failure"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func codeOf(err error) string {
	switch {
	case errors.Is(err, models.ErrInvalidQuantity):
		return "invalid_quantity"
	case errors.Is(err, models.ErrInvalidPaymentData):
		return "invalid_payment_data"
	default:
		return "invalid_request"
	}
}

// flexString accepts a JSON string or number and keeps its raw text, so
// loosely typed clients can send "2" or 2.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*f = flexString(v)
		return nil
	}
	*f = flexString(s)
	return nil
}
