package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrCircuitOpen     = errors.New("circuit breaker open")
	ErrAccountNotReady = errors.New("account not ready")
	ErrMasterNotReady  = errors.New("master account not connected")
	ErrLockHeld        = errors.New("lock already held")
	ErrInvalidPosition = errors.New("invalid position parameters")
	ErrContextDone     = errors.New("context cancelled")
)

// ErrorKind classifies a broker failure and determines how the execution
// coordinator reacts to it.
type ErrorKind string

const (
	// ErrKindTransient covers timeouts and rate limits; retried with backoff.
	ErrKindTransient ErrorKind = "transient"
	// ErrKindNonceInvalid means the exchange rejected the request nonce;
	// retried after a forward jump of the account's nonce sequence.
	ErrKindNonceInvalid ErrorKind = "nonce_invalid"
	// ErrKindPermission covers missing or insufficient API-key scopes;
	// terminal for the account, never retried.
	ErrKindPermission ErrorKind = "permission"
	// ErrKindInsufficientFunds covers insufficient balance or below-minimum
	// order size; terminal for the order, not for the account.
	ErrKindInsufficientFunds ErrorKind = "insufficient_funds"
	// ErrKindUnknown is anything unclassified; treated as transient up to
	// the retry cap, then surfaced.
	ErrKindUnknown ErrorKind = "unknown"
)

// Retryable reports whether the coordinator may retry an order that failed
// with this kind.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrKindTransient, ErrKindNonceInvalid, ErrKindUnknown:
		return true
	default:
		return false
	}
}

// BrokerError is the typed error returned by BrokerClient implementations.
// Business logic never inspects exchange-specific payloads; the adapter maps
// the venue's error surface onto a Kind at the boundary.
type BrokerError struct {
	Kind    ErrorKind
	Message string
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("broker: %s: %s", e.Kind, e.Message)
}

// NewBrokerError builds a BrokerError with a formatted message.
func NewBrokerError(kind ErrorKind, format string, args ...any) *BrokerError {
	return &BrokerError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Classify maps an arbitrary error from a broker call onto an ErrorKind.
// Typed BrokerErrors keep their kind; context deadlines and network timeouts
// classify as transient; everything else is unknown.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var be *BrokerError
	if errors.As(err, &be) {
		return be.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrKindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrKindTransient
	}

	return ErrKindUnknown
}
