package coordinator

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNoItems is returned by Claim when the coordinator has no work.
	ErrNoItems = errors.New("coordinator has no items")
	// ErrRateLimited is returned when the coordinator asks the client to slow down.
	ErrRateLimited = errors.New("coordinator rate limited")
)

// StatusError is a non-success response from the coordinator.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("coordinator %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Temporary reports whether the request may succeed if retried.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= http.StatusInternalServerError ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == statusEnhanceYourCalm ||
		e.StatusCode == http.StatusRequestTimeout
}

// statusEnhanceYourCalm is the tracker's historical rate-limit status.
const statusEnhanceYourCalm = 420
