package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a gateway failure for retry and compensation decisions.
type Kind int

const (
	KindRetryable Kind = iota + 1
	KindNonRetryable
	KindCircuitOpen
	KindRetryExhausted
)

func (k Kind) String() string {
	switch k {
	case KindRetryable:
		return "retryable"
	case KindNonRetryable:
		return "non_retryable"
	case KindCircuitOpen:
		return "circuit_open"
	case KindRetryExhausted:
		return "retry_exhausted"
	default:
		return "unknown"
	}
}

// Failure codes used when the provider gave none.
const (
	CodeCircuitOpen      = "CIRCUIT_OPEN"
	CodeRetryExhausted   = "RETRY_EXHAUSTED"
	CodeUnexpectedStatus = "UNEXPECTED_STATUS"
	CodeTransport        = "TRANSPORT_ERROR"
)

// ErrServiceUnavailable is matched by errors.Is for an open circuit.
var ErrServiceUnavailable = errors.New("payment gateway unavailable")

// Error is the typed failure of a gateway call.
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	Code       string
	Message    string
	Attempts   int
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("gateway %s: %s", e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" status=%d", e.StatusCode)
	}
	if e.Code != "" {
		msg += fmt.Sprintf(" code=%s", e.Code)
	}
	if e.Message != "" {
		msg += fmt.Sprintf(" message=%q", e.Message)
	}
	if e.Attempts > 0 {
		msg += fmt.Sprintf(" attempts=%d", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target == ErrServiceUnavailable && e.Kind == KindCircuitOpen
}

// FailureCode returns the provider code or a synthetic one for the kind.
func (e *Error) FailureCode() string {
	if e.Code != "" {
		return e.Code
	}
	switch e.Kind {
	case KindCircuitOpen:
		return CodeCircuitOpen
	case KindRetryExhausted:
		var inner *Error
		if errors.As(e.Err, &inner) && inner.Code != "" {
			return inner.Code
		}
		return CodeRetryExhausted
	default:
		return CodeTransport
	}
}

// FailureMessage returns a human readable reason for persistence.
func (e *Error) FailureMessage() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.String()
}

func kindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return 0
}

// IsRetryable reports whether another attempt may succeed.
func IsRetryable(err error) bool { return kindOf(err) == KindRetryable }

// IsNonRetryable reports an explicit decline or client error.
func IsNonRetryable(err error) bool { return kindOf(err) == KindNonRetryable }

// RequiresCompensation reports failures whose typed fallback is compensation:
// declines, exhausted retries and an open circuit.
func RequiresCompensation(err error) bool {
	switch kindOf(err) {
	case KindNonRetryable, KindRetryExhausted, KindCircuitOpen:
		return true
	default:
		return false
	}
}

// classifyStatus maps an HTTP status of a failed response to a kind.
func classifyStatus(status int) Kind {
	switch {
	case status >= 500:
		return KindRetryable
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return KindRetryable
	default:
		return KindNonRetryable
	}
}

// classifyTransportErr treats timeouts and connection failures as retryable.
// A cancelled caller context is not a gateway failure and is returned as is.
func classifyTransportErr(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &Error{Kind: KindRetryable, Op: op, Err: err}
}
