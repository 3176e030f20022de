package zotsync

import "errors"

// Sentinel errors matched with errors.Is at the API boundary and translated
// to HTTP statuses there.
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrPermission   = errors.New("permission denied")
	ErrInvalidState = errors.New("invalid state")
	ErrSignature    = errors.New("invalid webhook signature")
	ErrUpstream     = errors.New("upstream error")
	ErrBreakerOpen  = errors.New("circuit breaker open")
)
