package rest

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/king1600/Valk/valkjson"
)

var (
	ErrUnauthorized   = errors.New("rest request unauthorized")
	ErrForbidden      = errors.New("rest request forbidden")
	ErrConnectionLost = errors.New("connection lost before response")
	ErrClientClosed   = errors.New("rest client closed")
	ErrInvalidRoute   = errors.New("endpoint must begin with /")
)

// RestError is returned for responses outside of 2xx.
type RestError struct {
	StatusCode int
	Method     string
	Endpoint   string
	Message    string `json:"message"`
	Code       int    `json:"code"`
}

func (e *RestError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: %d %s (code %d)", e.Method, e.Endpoint, e.StatusCode, e.Message, e.Code)
	}

	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Endpoint, e.StatusCode, http.StatusText(e.StatusCode))
}

func (e *RestError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	default:
		return nil
	}
}

func newRestError(method, endpoint string, statusCode int, body []byte) *RestError {
	restError := &RestError{}

	// Discord error bodies carry a message and a numeric code.
	_ = valkjson.Unmarshal(body, restError)

	restError.StatusCode = statusCode
	restError.Method = method
	restError.Endpoint = endpoint

	return restError
}
