package services

import (
	"errors"
	"fmt"
)

// Base error kinds. None of them crosses the engine boundary; they are
// logged where they are absorbed.
var (
	ErrConnectivity  = errors.New("provider unreachable")
	ErrLedger        = errors.New("ledger unavailable")
	ErrAnomaly       = errors.New("ownership anomaly")
	ErrTimeout       = errors.New("authoritative fetch timed out")
	ErrConfiguration = errors.New("invalid configuration")
)

// ErrorKind is the category of an entitlement error
type ErrorKind string

const (
	KindConnectivity  ErrorKind = "connectivity"
	KindLedger        ErrorKind = "ledger"
	KindAnomaly       ErrorKind = "anomaly"
	KindTimeout       ErrorKind = "timeout"
	KindConfiguration ErrorKind = "configuration"
)

// EntitlementError is a contained failure inside the entitlement services
type EntitlementError struct {
	Kind ErrorKind
	Op   string // e.g. "ledger_get", "query_purchases"
	Err  error
}

func (e *EntitlementError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s failed: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s failed (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *EntitlementError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is against the base kinds
func (e *EntitlementError) Is(target error) bool {
	switch target {
	case ErrConnectivity:
		return e.Kind == KindConnectivity
	case ErrLedger:
		return e.Kind == KindLedger
	case ErrAnomaly:
		return e.Kind == KindAnomaly
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrConfiguration:
		return e.Kind == KindConfiguration
	}
	return false
}

func newError(kind ErrorKind, op string, err error) *EntitlementError {
	return &EntitlementError{Kind: kind, Op: op, Err: err}
}
