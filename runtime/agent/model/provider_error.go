package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies provider failures.
type ErrorKind string

const (
	KindAuth           ErrorKind = "auth"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindRateLimited    ErrorKind = "rate_limited"
	KindUnavailable    ErrorKind = "unavailable"
	KindUnknown        ErrorKind = "unknown"
)

// ProviderError is a structured provider failure.
type ProviderError struct {
	Provider  string
	Operation string
	// Status is the HTTP status when known.
	Status    int
	Kind      ErrorKind
	Message   string
	Retryable bool
	Err       error
}

// KindForStatus maps an HTTP status to an ErrorKind.
func KindForStatus(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return KindAuth
	case status == 429:
		return KindRateLimited
	case status >= 500:
		return KindUnavailable
	case status >= 400:
		return KindInvalidRequest
	default:
		return KindUnknown
	}
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status > 0 {
		return fmt.Sprintf("%s %s: %s (%d): %s", e.Provider, e.Operation, e.Kind, e.Status, msg)
	}
	return fmt.Sprintf("%s %s: %s: %s", e.Provider, e.Operation, e.Kind, msg)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Is makes rate-limited provider errors match ErrRateLimited.
func (e *ProviderError) Is(target error) bool {
	return target == ErrRateLimited && e.Kind == KindRateLimited
}

// AsProviderError returns the first ProviderError in err's chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
