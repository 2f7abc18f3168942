package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/fmha/internal/attention"
)

var (
	ErrInvalidRequest = errors.New("invalid_request")
	ErrNotFound       = errors.New("not_found")
)

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

// ErrorBody is the error envelope of every non-2xx response.
type ErrorBody struct {
	Error ResponseError `json:"error"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
}

func writeError(c *echo.Context, status int, errType, msg, param string) error {
	return writeJSON(c, status, ErrorBody{Error: ResponseError{
		Message: msg,
		Type:    errType,
		Param:   param,
	}})
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "")
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg, "")
}

// writeEngineError maps engine failures onto HTTP statuses: bad inputs are
// the caller's fault, unsupported configurations are well formed but
// unprocessable, and backend failures are ours.
func writeEngineError(c *echo.Context, err error) error {
	var inputErr interface{ Input() string }
	param := ""
	if errors.As(err, &inputErr) {
		param = inputErr.Input()
	}
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return writeBadRequest(c, err.Error())
	case errors.Is(err, ErrNotFound):
		return writeNotFound(c, err.Error())
	case errors.Is(err, attention.ErrInputValidation):
		return writeError(c, http.StatusBadRequest, "invalid_input_error", err.Error(), param)
	case errors.Is(err, attention.ErrUnsupportedConfiguration):
		return writeError(c, http.StatusUnprocessableEntity, "unsupported_configuration_error", err.Error(), "")
	default:
		return writeError(c, http.StatusInternalServerError, "backend_error", err.Error(), "")
	}
}
