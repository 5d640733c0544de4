package api

import (
	"net/http"

	"github.com/isdmx/runbox/apperror"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// statusFor maps an error kind to its HTTP status
func statusFor(kind string) int {
	switch kind {
	case apperror.KindValidation, apperror.KindCompile, apperror.KindRuntime:
		return http.StatusBadRequest
	case apperror.KindNotFound:
		return http.StatusNotFound
	case apperror.KindTimeout:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// errorBody builds the response body for err. Internal errors never expose
// their message.
func errorBody(err error) (int, errorResponse) {
	kind := apperror.KindOf(err)
	if kind == apperror.KindCleanup {
		kind = apperror.KindInternal
	}
	body := errorResponse{Error: kind, Message: err.Error(), Field: apperror.FieldOf(err)}

	switch kind {
	case apperror.KindTimeout:
		body.Message = apperror.TimeoutMessage
	case apperror.KindInternal:
		body.Message = "internal server error"
	}
	return statusFor(kind), body
}
