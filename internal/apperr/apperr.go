// Package apperr holds the error kinds shared by the ticketing core.
// Callers wrap a kind with context via fmt.Errorf("%w: ...") and match it with errors.Is.
package apperr

import (
	"errors"
	"net/http"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrInvalidState          = errors.New("invalid state")
	ErrInvalidInput          = errors.New("invalid input")
	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrNotActive             = errors.New("ticket type is not active")

	ErrOrderNotPaid = errors.New("order is not paid")
	ErrNoTickets    = errors.New("no tickets issued for order")

	ErrMalformedPayload = errors.New("malformed redemption payload")
	ErrPayloadExpired   = errors.New("redemption payload expired")
	ErrCodeInactive     = errors.New("redemption code is disabled")
	ErrAlreadyCheckedIn = errors.New("ticket has already been checked in")
	ErrTooEarly         = errors.New("check-in is not open yet")
	ErrTooLate          = errors.New("check-in period has ended")
)

// HTTPStatus maps an error kind onto the status code the HTTP layer answers with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyCheckedIn), errors.Is(err, ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrInsufficientInventory),
		errors.Is(err, ErrNotActive),
		errors.Is(err, ErrOrderNotPaid),
		errors.Is(err, ErrNoTickets),
		errors.Is(err, ErrMalformedPayload),
		errors.Is(err, ErrPayloadExpired),
		errors.Is(err, ErrCodeInactive),
		errors.Is(err, ErrTooEarly),
		errors.Is(err, ErrTooLate):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
