package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"tokoadmin/backend/internal/auth"
	"tokoadmin/backend/internal/invoice"
	"tokoadmin/backend/internal/sale"
	"tokoadmin/backend/internal/service"
	"tokoadmin/backend/internal/session"
	"tokoadmin/backend/internal/store"
)

const maxBodyBytes = 1 << 20

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" || tag == "-" {
			return f.Name
		}
		return tag
	})
	return v
}

type errorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// requestError is a client error with an explicit status and optional details.
type requestError struct {
	status  int
	msg     string
	details any
}

func (e *requestError) Error() string {
	return e.msg
}

func decodeJSON(r *http.Request, dest any) error {
	defer func() {
		_, _ = io.Copy(io.Discard, r.Body)
	}()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return &requestError{status: http.StatusRequestEntityTooLarge, msg: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)}
		}
		return &requestError{status: http.StatusBadRequest, msg: "invalid request body", details: map[string]string{"body": err.Error()}}
	}
	if err := validate.Struct(dest); err != nil {
		return validationFailure(err)
	}
	return nil
}

func validationFailure(err error) error {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return &requestError{status: http.StatusBadRequest, msg: "validation failed"}
	}
	details := make(map[string]string, len(errs))
	for _, fieldErr := range errs {
		details[fieldErr.Field()] = validationMessage(fieldErr)
	}
	return &requestError{status: http.StatusBadRequest, msg: "validation failed", details: details}
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "email":
		return "must be a valid email"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	}
	return "is invalid"
}

// statusFor maps domain errors onto HTTP status codes and public details.
func statusFor(err error) (int, any) {
	var reqErr *requestError
	if errors.As(err, &reqErr) {
		return reqErr.status, reqErr.details
	}

	var short *store.InsufficientStockError
	if errors.As(err, &short) {
		return http.StatusConflict, map[string]any{
			"item_id":   short.ItemID,
			"name":      short.Name,
			"available": short.Available,
			"requested": short.Requested,
		}
	}
	var removed *store.ItemRemovedError
	if errors.As(err, &removed) {
		return http.StatusConflict, map[string]any{
			"item_id": removed.ItemID,
			"name":    removed.Name,
		}
	}

	switch {
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrAccountInactive),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrTokenRevoked),
		errors.Is(err, service.ErrUnauthenticated),
		errors.Is(err, service.ErrSignedOut):
		return http.StatusUnauthorized, nil
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden, nil
	case errors.Is(err, service.ErrAdminSessionActive):
		return http.StatusConflict, map[string]string{"reason": session.ReasonActiveElsewhere}
	case errors.Is(err, session.ErrClaimLost):
		return http.StatusConflict, map[string]string{"reason": session.ReasonActiveElsewhere}
	case errors.Is(err, store.ErrInsufficientStock), errors.Is(err, store.ErrItemRemoved):
		return http.StatusConflict, nil
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, nil
	case errors.Is(err, store.ErrTransactionAborted):
		return http.StatusServiceUnavailable, nil
	case errors.Is(err, store.ErrInvalidTransaction),
		errors.Is(err, sale.ErrEmptyCart),
		errors.Is(err, sale.ErrInvalidQuantity),
		errors.Is(err, sale.ErrInvalidLine),
		errors.Is(err, invoice.ErrIncompleteSale):
		return http.StatusBadRequest, nil
	}
	return http.StatusInternalServerError, nil
}

const (
	retryMessage     = "service temporarily unavailable, retry"
	saleRetryMessage = "the sale could not be committed; nothing was charged, retry"
)

// fail writes err with the status it maps to. 5xx causes are logged and
// replaced with a generic body.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	a.failRetryable(w, r, err, retryMessage)
}

// failSale is fail for the checkout route, where a 503 means the sale was not
// recorded.
func (a *API) failSale(w http.ResponseWriter, r *http.Request, err error) {
	a.failRetryable(w, r, err, saleRetryMessage)
}

func (a *API) failRetryable(w http.ResponseWriter, r *http.Request, err error, retry string) {
	status, details := statusFor(err)
	if status >= 500 {
		a.logger.Error(a.logger.WithField(r.Context(), "status", status), "request failed", err)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
		writeJSON(w, status, errorResponse{Error: retry})
		return
	}
	writeErrorDetails(w, status, err, details)
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

// parseTimeParam reads an RFC3339 query parameter. Empty yields the zero time.
func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, &requestError{
			status:  http.StatusBadRequest,
			msg:     fmt.Sprintf("%s must be an RFC3339 timestamp", name),
			details: map[string]string{name: raw},
		}
	}
	return parsed, nil
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeErrorDetails(w, status, err, nil)
}

// writeErrorDetails hides the message of 5xx errors; 4xx messages are
// user-facing.
func writeErrorDetails(w http.ResponseWriter, status int, err error, details any) {
	msg := err.Error()
	if status >= 500 {
		msg = "internal server error"
		details = nil
	}
	writeJSON(w, status, errorResponse{Error: msg, Details: details})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
