package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/MrCodeEU/examguard/pkg/camera"
	"github.com/MrCodeEU/examguard/pkg/directory"
	"github.com/MrCodeEU/examguard/pkg/enrollment"
	"github.com/MrCodeEU/examguard/pkg/recognition"
	"github.com/MrCodeEU/examguard/pkg/supervision"
	"github.com/MrCodeEU/examguard/pkg/verification"
)

// APIError is the error shape returned to clients.
type APIError struct {
	Code       string
	Message    string
	HTTPStatus int
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *APIError) Unwrap() error {
	return e.Err
}

func newAPIError(status int, code, message string) *APIError {
	return &APIError{Code: code, Message: message, HTTPStatus: status}
}

func badRequest(message string) error {
	return newAPIError(http.StatusBadRequest, "BAD_REQUEST", message)
}

func unauthorized(message string) error {
	return newAPIError(http.StatusUnauthorized, "UNAUTHORIZED", message)
}

func forbidden(message string) error {
	return newAPIError(http.StatusForbidden, "FORBIDDEN", message)
}

// toAPIError maps domain errors to HTTP responses.
func toAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return newAPIError(fiberErr.Code, http.StatusText(fiberErr.Code), fiberErr.Message)
	}

	var loadErr *recognition.ModelLoadError
	switch {
	case errors.As(err, &loadErr):
		return &APIError{Code: "MODEL_UNAVAILABLE", Message: "face recognition models are unavailable", HTTPStatus: http.StatusServiceUnavailable, Err: err}
	case errors.Is(err, verification.ErrNoReferenceEnrolled):
		return &APIError{Code: "NOT_ENROLLED", Message: verification.Message(verification.ReasonNotEnrolled), HTTPStatus: http.StatusConflict, Err: err}
	case errors.Is(err, enrollment.ErrNoFaceDetected):
		return &APIError{Code: "NO_FACE", Message: verification.Message(verification.ReasonNoFace), HTTPStatus: http.StatusUnprocessableEntity, Err: err}
	case errors.Is(err, enrollment.ErrTooFewFrames):
		return &APIError{Code: "TOO_FEW_FRAMES", Message: err.Error(), HTTPStatus: http.StatusUnprocessableEntity, Err: err}
	case errors.Is(err, camera.ErrUnsupportedFormat), errors.Is(err, camera.ErrNoFrame):
		return &APIError{Code: "INVALID_FRAME", Message: err.Error(), HTTPStatus: http.StatusUnsupportedMediaType, Err: err}
	case errors.Is(err, directory.ErrInvalidIdentity):
		return &APIError{Code: "INVALID_IDENTITY", Message: err.Error(), HTTPStatus: http.StatusBadRequest, Err: err}
	case errors.Is(err, directory.ErrNotFound):
		return &APIError{Code: "NOT_FOUND", Message: "profile not found", HTTPStatus: http.StatusNotFound, Err: err}
	case errors.Is(err, supervision.ErrNotActive):
		return &APIError{Code: "SUPERVISION_NOT_ACTIVE", Message: err.Error(), HTTPStatus: http.StatusConflict, Err: err}
	case errors.Is(err, supervision.ErrClosed):
		return &APIError{Code: "SHUTTING_DOWN", Message: err.Error(), HTTPStatus: http.StatusServiceUnavailable, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &APIError{Code: "TIMEOUT", Message: "request timed out", HTTPStatus: http.StatusGatewayTimeout, Err: err}
	}

	return &APIError{Code: "INTERNAL_ERROR", Message: "internal server error", HTTPStatus: http.StatusInternalServerError, Err: err}
}
