package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/cadence/internal/api/shared"
	"github.com/phrazzld/cadence/internal/domain"
	"github.com/phrazzld/cadence/internal/service/auth"
	"github.com/phrazzld/cadence/internal/store"
	"github.com/phrazzld/cadence/internal/task"
)

// MapErrorToStatusCode maps service errors to HTTP status codes without
// exposing the error itself.
func MapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrMissingToken):
		return http.StatusUnauthorized

	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, task.ErrWrongStatus),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, store.ErrStatusConflict),
		errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict

	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInvalidID),
		errors.Is(err, domain.ErrEmptyInstruction),
		errors.Is(err, domain.ErrInvalidPriority),
		errors.Is(err, domain.ErrInvalidChannel),
		errors.Is(err, domain.ErrInvalidRecurrence),
		errors.Is(err, domain.ErrInvalidWorkWindow),
		errors.Is(err, store.ErrInvalidEntity):
		return http.StatusBadRequest

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a client-facing message for err.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}
	switch {
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrMissingToken):
		return "Invalid token"
	case errors.Is(err, store.ErrTaskNotFound):
		return "Task not found"
	case errors.Is(err, store.ErrCallNotFound):
		return "Call not found"
	case errors.Is(err, store.ErrContactNotFound):
		return "Contact not found"
	case errors.Is(err, store.ErrNotFound):
		return "Not found"
	case errors.Is(err, task.ErrWrongStatus),
		errors.Is(err, domain.ErrInvalidTransition):
		return "Operation not allowed in the task's current status"
	case errors.Is(err, store.ErrStatusConflict):
		return "Task was changed concurrently, retry the request"
	case errors.Is(err, domain.ErrEmptyInstruction):
		return "Instruction is required"
	case errors.Is(err, domain.ErrInvalidPriority):
		return "Priority must be between 1 and 4"
	case errors.Is(err, domain.ErrInvalidChannel):
		return "Invalid channel"
	case errors.Is(err, domain.ErrInvalidRecurrence):
		return "Invalid recurrence"
	case errors.Is(err, domain.ErrInvalidID):
		return "Invalid ID"
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInvalidWorkWindow),
		errors.Is(err, store.ErrInvalidEntity):
		return "Invalid request data"
	default:
		return "An unexpected error occurred"
	}
}

// HandleAPIError writes the error response for err. A non-empty message
// overrides the mapped one.
func HandleAPIError(w http.ResponseWriter, r *http.Request, err error, message string) {
	status := MapErrorToStatusCode(err)
	if message == "" {
		message = GetSafeErrorMessage(err)
	}
	shared.RespondWithErrorAndLog(w, r, status, message, err)
}

// SanitizeValidationError turns a validator error into a message naming
// only the field and the failed rule.
func SanitizeValidationError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "Validation error"
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("Invalid %s: %s", strings.ToLower(fe.Field()), validationTagMessage(fe.Tag())))
	}
	return strings.Join(msgs, "; ")
}

func validationTagMessage(tag string) string {
	switch tag {
	case "required":
		return "required field"
	case "min", "gte":
		return "too small"
	case "max", "lte":
		return "too large"
	case "oneof":
		return "invalid value"
	case "uuid":
		return "must be a UUID"
	default:
		return "validation failed"
	}
}
