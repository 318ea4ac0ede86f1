// Package apperr defines the tagged error values the service layer returns.
// Handlers translate kinds into HTTP status codes in one place.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindInternal Kind = iota
	KindInvalidArgument
	KindInvalidTransition
	KindForbidden
	KindNotFound
	KindConflict
	KindChainUnavailable
	KindContractReverted
	KindBridgeUnavailable
	KindNoRoute
	KindInsufficientFunds
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid_argument"
	case KindInvalidTransition:
		return "invalid_transition"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindChainUnavailable:
		return "chain_unavailable"
	case KindContractReverted:
		return "contract_reverted"
	case KindBridgeUnavailable:
		return "bridge_unavailable"
	case KindNoRoute:
		return "no_route"
	case KindInsufficientFunds:
		return "insufficient_funds"
	default:
		return "internal"
	}
}

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match two apperr values by kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

func InvalidArgument(msg string) *Error   { return New(KindInvalidArgument, msg) }
func InvalidTransition(msg string) *Error { return New(KindInvalidTransition, msg) }
func Forbidden(msg string) *Error         { return New(KindForbidden, msg) }
func NotFound(msg string) *Error          { return New(KindNotFound, msg) }
func Conflict(msg string) *Error          { return New(KindConflict, msg) }
func ChainUnavailable(msg string, err error) *Error {
	return Wrap(KindChainUnavailable, msg, err)
}
func BridgeUnavailable(msg string, err error) *Error {
	return Wrap(KindBridgeUnavailable, msg, err)
}
func NoRoute(msg string) *Error { return New(KindNoRoute, msg) }
func Internal(msg string, err error) *Error {
	return Wrap(KindInternal, msg, err)
}

// KindOf extracts the kind from any error; unclassified errors are internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
