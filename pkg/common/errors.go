package common

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

// StatusError is returned when an upstream API answers with a non-2xx status.
type StatusError struct {
	Service string
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s api returned status: %d", e.Service, e.Code)
	}
	return fmt.Sprintf("%s api returned status: %d: %s", e.Service, e.Code, e.Body)
}

// NewStatusError builds a StatusError from the response, reading at most 512
// bytes of the body for context.
func NewStatusError(service string, resp *http.Response) *StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{
		Service: service,
		Code:    resp.StatusCode,
		Body:    strings.TrimSpace(string(body)),
	}
}

// StatusCode returns the HTTP status code wrapped in err, or 0 if err is not a
// StatusError.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

// IsTimeout returns true for client timeouts and deadline errors.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
