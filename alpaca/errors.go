package alpaca

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is a non-2xx response decoded from the trade or data API.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("alpaca: %d (code %d): %s", e.StatusCode, e.Code, e.Message)
}

// IsRejection reports whether the error is the API refusing an order at
// submission time (bad symbol, insufficient funds, malformed parameters).
// Rejections surface as an immediate rejection notification and are never
// retried by the bridge.
func IsRejection(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.StatusCode {
	case http.StatusForbidden, http.StatusUnprocessableEntity, http.StatusNotFound:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether the failure is transient from the caller's
// point of view. Transport errors and 5xx responses qualify; the bridge
// itself retries only streaming reconnects, everything else propagates.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests
	}
	// Anything that never reached the API (dial, timeout) counts as transient.
	return err != nil
}
