package projection

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"escrow-backend/core/marketplace"
	scstore "escrow-backend/storage/projection"
)

// JSON writes a JSON response with status code.
func JSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

// ErrorResponse is the body of every non-2xx reply. Code names the
// marketplace sentinel when there is one.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, msg string) {
	JSON(w, status, ErrorResponse{Error: msg})
}

// Fail maps err to its status and writes it with its wire code.
func Fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Msg("projection request failed")
	}
	JSON(w, status, ErrorResponse{Error: err.Error(), Code: marketplace.ErrorCode(err)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, marketplace.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, marketplace.ErrNotClient),
		errors.Is(err, marketplace.ErrNotAssignedWorker),
		errors.Is(err, marketplace.ErrSelfApplication):
		return http.StatusForbidden
	case errors.Is(err, marketplace.ErrUnknownIdentity),
		errors.Is(err, marketplace.ErrMissingTitle),
		errors.Is(err, marketplace.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, marketplace.ErrVersionConflict),
		errors.Is(err, marketplace.ErrApplicationsClosed),
		errors.Is(err, marketplace.ErrInvalidTransition),
		errors.Is(err, marketplace.ErrNotAssigned),
		errors.Is(err, marketplace.ErrJobSettled),
		errors.Is(err, marketplace.ErrJobClosed),
		errors.Is(err, marketplace.ErrSubmissionInFlight),
		errors.Is(err, marketplace.ErrDuplicateSubmission),
		errors.Is(err, scstore.ErrIDTaken),
		errors.Is(err, scstore.ErrNotDegraded):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
