// Package shared contains the error taxonomy used across the engine.
package shared

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Sentinel errors for the engine's failure taxonomy. Stores, the action
// registry and the scheduler loop mark their failures with one of these
// so callers can classify without knowing the backend.
var (
	// ErrInvalidCron indicates a cron expression that does not parse
	// into five fields or has a field value out of range.
	ErrInvalidCron = errors.New("invalid cron expression")

	// ErrNotFound indicates that a schedule, run or other entity does
	// not exist in the addressed partition.
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates invalid input outside the cron grammar
	// (unknown timezone, non-positive runtime limit, empty name).
	ErrValidation = errors.New("validation failed")

	// ErrInvalidTransition indicates an attempt to move a run out of a
	// terminal state or to start a run that is not pending.
	ErrInvalidTransition = errors.New("invalid run transition")

	// ErrDuplicateAction indicates a second registration under an
	// already taken action id. Fatal at startup.
	ErrDuplicateAction = errors.New("duplicate action")

	// ErrStore indicates a persistence failure. Schedule-scoped: the
	// loop logs it and moves on to the next schedule.
	ErrStore = errors.New("store failure")

	// ErrTimeout indicates that an operation exceeded its deadline.
	ErrTimeout = errors.New("operation timed out")
)

// Kind classifies an error for dispatch decisions and HTTP mapping.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidCron
	KindNotFound
	KindValidation
	KindInvalidTransition
	KindDuplicateAction
	KindStore
	KindTimeout
	KindCanceled
)

// String returns the string representation of the Kind.
func (k Kind) String() string {
	switch k {
	case KindInvalidCron:
		return "InvalidCron"
	case KindNotFound:
		return "NotFound"
	case KindValidation:
		return "Validation"
	case KindInvalidTransition:
		return "InvalidTransition"
	case KindDuplicateAction:
		return "DuplicateAction"
	case KindStore:
		return "Store"
	case KindTimeout:
		return "Timeout"
	case KindCanceled:
		return "Canceled"
	default:
		return "Unknown"
	}
}

// kindPriorities fixes the classification order; earlier entries win
// for joined errors.
var kindPriorities = []struct {
	kind Kind
	err  error
}{
	{KindCanceled, nil},
	{KindTimeout, ErrTimeout},
	{KindInvalidCron, ErrInvalidCron},
	{KindNotFound, ErrNotFound},
	{KindValidation, ErrValidation},
	{KindInvalidTransition, ErrInvalidTransition},
	{KindDuplicateAction, ErrDuplicateAction},
	{KindStore, ErrStore},
}

// kindToSentinel maps kinds back to their sentinel errors.
var kindToSentinel = map[Kind]error{
	KindInvalidCron:       ErrInvalidCron,
	KindNotFound:          ErrNotFound,
	KindValidation:        ErrValidation,
	KindInvalidTransition: ErrInvalidTransition,
	KindDuplicateAction:   ErrDuplicateAction,
	KindStore:             ErrStore,
	KindTimeout:           ErrTimeout,
}

// KindOf returns the Kind of err by walking the error chain against the
// known sentinels in a deterministic priority order. Cancellation and
// timeouts are detected first so that a canceled store call is reported
// as canceled, not as a store failure.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	for _, p := range kindPriorities {
		switch p.kind {
		case KindCanceled:
			if IsCanceled(err) {
				return KindCanceled
			}
		case KindTimeout:
			if IsTimeout(err) {
				return KindTimeout
			}
		default:
			if p.err != nil && errors.Is(err, p.err) {
				return p.kind
			}
		}
	}
	return KindUnknown
}

// SentinelOf returns the sentinel error for the given Kind, or nil for
// KindUnknown and KindCanceled.
func SentinelOf(kind Kind) error {
	return kindToSentinel[kind]
}

// MarkKind wraps err with the sentinel for kind so that both
// KindOf(MarkKind(err, kind)) == kind and errors.Is against the
// original error hold. Idempotent: an error that already carries the
// kind is returned unchanged.
func MarkKind(err error, kind Kind) error {
	if err == nil {
		return SentinelOf(kind)
	}
	if kind == KindUnknown || kind == KindCanceled {
		return err
	}
	sentinel := SentinelOf(kind)
	if sentinel == nil || KindOf(err) == kind {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

// Wrap wraps an error with additional context, formatting as
// "context: err". Returns nil for a nil error.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	if context == "" {
		return err
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return Wrap(err, fmt.Sprintf(format, args...))
}

// IsCanceled reports whether err indicates a canceled context.
func IsCanceled(err error) bool {
	return err != nil && errors.Is(err, context.Canceled)
}

// IsTimeout reports whether err indicates a deadline or timeout,
// including network-level timeouts.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsNotFound reports whether err indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsInvalidCron reports whether err indicates a rejected cron expression.
func IsInvalidCron(err error) bool {
	return errors.Is(err, ErrInvalidCron)
}

// IsInvalidTransition reports whether err indicates an illegal run
// lifecycle transition.
func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}
