package domain

import (
	"errors"
	"fmt"
)

// Stable error codes carried by BrokerError so callers can branch
// programmatically (retry vs. fatal) without inventing error types.
const (
	CodeNotConnected  = "NOT_CONNECTED"  // stateful operation before Connect
	CodeConnectFailed = "CONNECT_FAILED" // venue connection could not be established
	CodeValidation    = "VALIDATION"     // malformed OrderRequest or fill
	CodeNotFound      = "NOT_FOUND"      // unknown broker order id
	CodeInvalidState  = "INVALID_STATE"  // operation illegal for the current status
	CodeTimeout       = "TIMEOUT"        // isolation boundary deadline exceeded
	CodeVenue         = "VENUE"          // opaque venue-side failure
)

// BrokerError is the sole failure type crossing the broker adapter boundary.
// Raw preserves the underlying venue error, when any, for diagnostics.
type BrokerError struct {
	Code    string
	Message string
	Raw     error
}

func (e *BrokerError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

func (e *BrokerError) Unwrap() error { return e.Raw }

// Retriable reports whether the caller may safely retry the operation.
// Connection and timeout failures are retriable because PlaceOrder is
// idempotent on ClientOrderID; validation and state errors indicate a caller
// logic defect and are not.
func (e *BrokerError) Retriable() bool {
	switch e.Code {
	case CodeNotConnected, CodeConnectFailed, CodeTimeout:
		return true
	}
	return false
}

// Errf builds a BrokerError with a formatted message.
func Errf(code, format string, args ...any) *BrokerError {
	return &BrokerError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapVenue wraps an underlying venue error as a VENUE BrokerError,
// preserving the raw cause.
func WrapVenue(msg string, err error) *BrokerError {
	return &BrokerError{Code: CodeVenue, Message: msg, Raw: err}
}

// IsCode reports whether err is (or wraps) a BrokerError with the given code.
func IsCode(err error, code string) bool {
	var be *BrokerError
	return errors.As(err, &be) && be.Code == code
}

// IsRetriable reports whether err is a retriable BrokerError.
func IsRetriable(err error) bool {
	var be *BrokerError
	return errors.As(err, &be) && be.Retriable()
}
