package types

import (
	"errors"
	"fmt"
)

// ErrorKind partitions trade and runtime failures so callers — including
// strategy programs — can branch on the class of failure without string
// matching.
type ErrorKind string

const (
	// Configuration: fatal to the operation, no retry.
	KindVenueNotConfigured    ErrorKind = "VenueNotConfigured"
	KindDelegateNotConfigured ErrorKind = "DelegateNotConfigured"
	KindBadAddress            ErrorKind = "BadAddress"
	KindBadAmount             ErrorKind = "BadAmount"

	// Policy: rejected before submission.
	KindRiskLimitExceeded   ErrorKind = "RiskLimitExceeded"
	KindParameterOutOfRange ErrorKind = "ParameterOutOfRange"

	// On-chain revert: terminal for this attempt; the strategy decides.
	KindSlippageExceeded    ErrorKind = "SlippageExceeded"
	KindDeadlineExpired     ErrorKind = "DeadlineExpired"
	KindPairNotAllowed      ErrorKind = "PairNotAllowed"
	KindPaused              ErrorKind = "Paused"
	KindInsufficientBalance ErrorKind = "InsufficientBalance"
	KindReentrancy          ErrorKind = "Reentrancy"
	KindNotAuthorized       ErrorKind = "NotAuthorized"
	KindUnknownRevert       ErrorKind = "UnknownRevert"

	// Transport: retryable.
	KindTimeout            ErrorKind = "Timeout"
	KindNetworkUnavailable ErrorKind = "NetworkUnavailable"

	// Runtime: an error thrown by the strategy program itself.
	KindUserCodeError ErrorKind = "UserCodeError"
)

// TradeError is the structured error crossing the capability boundary.
// Reason carries the raw revert reason for on-chain failures when available.
type TradeError struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *TradeError) Error() string {
	switch {
	case e.Reason != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	case e.Reason != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *TradeError) Unwrap() error { return e.Err }

// NewTradeError builds a TradeError with a formatted reason.
func NewTradeError(kind ErrorKind, format string, args ...any) *TradeError {
	return &TradeError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// WrapTradeError attaches a kind to an underlying error.
func WrapTradeError(kind ErrorKind, err error) *TradeError {
	return &TradeError{Kind: kind, Err: err}
}

// KindOf extracts the error kind, or UnknownRevert if err carries none.
func KindOf(err error) ErrorKind {
	var te *TradeError
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindUnknownRevert
}

// Retryable reports whether the failure class is transient. Only transport
// errors qualify; retry policy is delegated to the strategy via schedule().
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindNetworkUnavailable:
		return true
	}
	return false
}
