package exchange

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrDuplicateClientOrderID = errors.New("duplicate client order id")
	ErrOrderNotFound          = errors.New("order not found")
)

// APIError is a non-2xx broker response. Header carries the rate-limit headers
// so callers can refresh their budget on failures too.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
	Header     http.Header
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("broker error: status=%d code=%d msg=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("broker error: status=%d msg=%s", e.StatusCode, e.Message)
}

// Retryable reports whether the same request may succeed later.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode >= http.StatusInternalServerError
}
