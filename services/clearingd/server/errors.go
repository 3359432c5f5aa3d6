package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/publu/spacecommand/native/clearing"
)

var errBadRequest = errors.New("bad request")

// statusFor maps engine errors onto HTTP status codes. Unknown errors are
// upstream failures (node RPC, storage) and surface as 502.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, clearing.ErrNotOwner),
		errors.Is(err, clearing.ErrVaultNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, clearing.ErrModulePaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, clearing.ErrNoRequest):
		return http.StatusNotFound
	case errors.Is(err, clearing.ErrAlreadyRegistered),
		errors.Is(err, clearing.ErrReentrantCall),
		errors.Is(err, clearing.ErrNotReady),
		errors.Is(err, clearing.ErrRequestExpired),
		errors.Is(err, clearing.ErrEmptyRegistry),
		errors.Is(err, clearing.ErrDivideByZero),
		errors.Is(err, clearing.ErrNoLiquidity),
		errors.Is(err, clearing.ErrNoSwapVenue),
		errors.Is(err, clearing.ErrInsufficientLiquidity),
		errors.Is(err, clearing.ErrInsufficientBalance),
		errors.Is(err, clearing.ErrNoCollateralAvailable):
		return http.StatusConflict
	case errors.Is(err, clearing.ErrReferenceAssetMismatch),
		errors.Is(err, clearing.ErrBelowMinimum),
		errors.Is(err, clearing.ErrBelowMinimumPurchase),
		errors.Is(err, clearing.ErrZeroAmount),
		errors.Is(err, clearing.ErrZeroShares),
		errors.Is(err, clearing.ErrInsufficientShares),
		errors.Is(err, clearing.ErrExceedsPending),
		errors.Is(err, clearing.ErrInvalidBps),
		errors.Is(err, clearing.ErrInvalidGainRatio),
		errors.Is(err, clearing.ErrInvalidPrice),
		errors.Is(err, clearing.ErrInvalidNormalization),
		errors.Is(err, clearing.ErrEmptyBatch),
		errors.Is(err, clearing.ErrAmountOverflow),
		errors.Is(err, clearing.ErrNegativeAmount),
		errors.Is(err, clearing.ErrNoParams):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"error", err)
	}
	writeJSONError(w, status, err.Error())
}
