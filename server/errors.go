package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"settlecore/engine"
	"settlecore/ledger"
	"settlecore/status"
	"settlecore/store"
)

// Wire error codes surfaced to API consumers.
const (
	CodeOrderNotFound       = "ORDER_NOT_FOUND"
	CodeDenied              = "DENIED"
	CodeStatusInvalid       = "STATUS_INVALID"
	CodeStatusChanged       = "STATUS_CHANGED"
	CodeVersionConflict     = "VERSION_CONFLICT"
	CodeAlreadyEscrowed     = "ALREADY_ESCROWED"
	CodeAlreadyReleased     = "ALREADY_RELEASED"
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	CodeReleaseRequired     = "RELEASE_REQUIRED"
	CodeMaxExtensions       = "MAX_EXTENSIONS"
	CodeOfferExhausted      = "OFFER_EXHAUSTED"
	CodeTimeout             = "TIMEOUT"
	CodeValidation          = "VALIDATION"
	CodeInternal            = "INTERNAL"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError translates engine and store errors into wire codes. Unknown
// errors are reported opaquely to avoid leaking internals.
func writeError(w http.ResponseWriter, err error) {
	httpStatus, code := classify(err)
	message := err.Error()
	if code == CodeInternal {
		message = "internal error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(errorBody{Code: code, Message: message})
}

func classify(err error) (int, string) {
	var denied *status.DeniedError
	if errors.As(err, &denied) {
		return http.StatusConflict, CodeDenied
	}
	var invariant *engine.InvariantError
	if errors.As(err, &invariant) {
		return http.StatusInternalServerError, invariant.Code
	}
	var transient *status.ErrTransientWrite
	if errors.As(err, &transient) {
		return http.StatusUnprocessableEntity, CodeValidation
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, CodeOrderNotFound
	case errors.Is(err, store.ErrVersionConflict):
		return http.StatusConflict, CodeVersionConflict
	case errors.Is(err, store.ErrAlreadyEscrowed):
		return http.StatusConflict, CodeAlreadyEscrowed
	case errors.Is(err, store.ErrAlreadyReleased):
		return http.StatusConflict, CodeAlreadyReleased
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, CodeInsufficientBalance
	case errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest, CodeValidation
	case errors.Is(err, engine.ErrStatusInvalid):
		return http.StatusConflict, CodeStatusInvalid
	case errors.Is(err, engine.ErrCannotCompleteWithoutRelease):
		return http.StatusConflict, CodeReleaseRequired
	case errors.Is(err, engine.ErrMaxExtensions):
		return http.StatusConflict, CodeMaxExtensions
	case errors.Is(err, engine.ErrOfferExhausted):
		return http.StatusConflict, CodeOfferExhausted
	case errors.Is(err, engine.ErrInvalidActor):
		return http.StatusBadRequest, CodeValidation
	case errors.Is(err, engine.ErrTimeout):
		return http.StatusGatewayTimeout, CodeTimeout
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}
